package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// There may be other DataOutput types.  Only entries shaped like files are decoded.

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// decodeDataOutputs keeps the outputs that are lists of files, such as
// "images" or "gifs", and drops the ones that are not (e.g. "text")
func decodeDataOutputs(raw map[string]json.RawMessage) map[string][]DataOutput {
	retv := make(map[string][]DataOutput)
	for k, v := range raw {
		var outputs []DataOutput
		if err := json.Unmarshal(v, &outputs); err != nil {
			continue
		}
		retv[k] = outputs
	}
	return retv
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type PromptHistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// PromptHistoryItem is one finished prompt as reported by GET /history/{prompt_id}
type PromptHistoryItem struct {
	PromptID string
	Status   PromptHistoryStatus
	// Outputs maps node id to output name to the files it produced
	Outputs map[string]map[string][]DataOutput
}

// PromptError is the validation failure ComfyUI returns when a prompt cannot be queued
type PromptError struct {
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details"`
	ExtraInfo  map[string]interface{} `json:"extra_info"`
	NodeErrors map[string]interface{} `json:"-"`
}

func (e *PromptError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if len(e.NodeErrors) > 0 {
		ids := make([]string, 0, len(e.NodeErrors))
		for id := range e.NodeErrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		msg += fmt.Sprintf(" (nodes %s)", strings.Join(ids, ", "))
	}
	return "prompt rejected: " + msg
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

// ExecutionError is returned when ComfyUI reports an exception while executing a prompt
type ExecutionError struct {
	PromptID  string
	Exception *PromptMessageStoppedException
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed in node %s (%s): %s - %s",
		e.Exception.NodeID,
		e.Exception.NodeType,
		e.Exception.ExceptionType,
		e.Exception.ExceptionMessage)
}

// ErrInterrupted is returned when a prompt was interrupted on the server
var ErrInterrupted = errors.New("execution interrupted")

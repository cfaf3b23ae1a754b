package client

import (
	"encoding/json"
)

type WSStatusMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (sm *WSStatusMessage) UnmarshalJSON(b []byte) error {
	// Unmarshal into an anonymous type equivalent to StatusMessage
	// to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	sm.Type = temp.Type

	// Determine the type of Data and unmarshal it accordingly
	switch sm.Type {
	case "status":
		sm.Data = &WSMessageDataStatus{}
	case "execution_start":
		sm.Data = &WSMessageDataExecutionStart{}
	case "execution_cached":
		sm.Data = &WSMessageDataExecutionCached{}
	case "executing":
		sm.Data = &WSMessageDataExecuting{}
	case "progress":
		sm.Data = &WSMessageDataProgress{}
	case "executed":
		sm.Data = &WSMessageDataExecuted{}
	case "execution_success":
		sm.Data = &WSMessageDataExecutionSuccess{}
	case "execution_interrupted":
		sm.Data = &WSMessageExecutionInterrupted{}
	case "execution_error":
		sm.Data = &WSMessageExecutionError{}
	default:
		// monitors and custom nodes send their own message types
		sm.Data = nil
	}

	if sm.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, sm.Data); err != nil {
			return err
		}
	}

	return nil
}

// PromptID returns the prompt a message refers to, or "" for server wide messages
func (sm *WSStatusMessage) PromptID() string {
	switch d := sm.Data.(type) {
	case *WSMessageDataExecutionStart:
		return d.PromptID
	case *WSMessageDataExecutionCached:
		return d.PromptID
	case *WSMessageDataExecuting:
		return d.PromptID
	case *WSMessageDataProgress:
		return d.PromptID
	case *WSMessageDataExecuted:
		return d.PromptID
	case *WSMessageDataExecutionSuccess:
		return d.PromptID
	case *WSMessageExecutionInterrupted:
		return d.PromptID
	case *WSMessageExecutionError:
		return d.PromptID
	}
	return ""
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}
*/

type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecutionCached struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": ["4", "7"], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

// Node is nil once the last node of the prompt has run
type WSMessageDataExecuting struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "9", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataProgress struct {
	Max      int    `json:"max"`
	Value    int    `json:"value"`
	Node     string `json:"node"`
	PromptID string `json:"prompt_id"`
}

/*
{"type": "progress", "data": {"value": 18, "max": 20, "node": "3", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecuted struct {
	Node     string                     `json:"node"`
	Output   map[string]json.RawMessage `json:"output"`
	PromptID string                     `json:"prompt_id"`
}

/*
{"type": "executed", "data": {"node": "9", "output": {"images": [{"filename": "ComfyUI_00001_.png", "subfolder": "", "type": "output"}]}, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecutionSuccess struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_success", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902", "timestamp": 1700000000000}}
*/

type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

type WSMessageExecutionError struct {
	PromptID         string   `json:"prompt_id"`
	Node             string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	Executed         []string `json:"executed"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

/*
{"type": "execution_error", "data": {"prompt_id": "...", "node_id": "10", "node_type": "LoadImage", "executed": [],
	"exception_message": "Invalid image file: a_cat.png", "exception_type": "FileNotFoundError", "traceback": ["..."]}}
*/

package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrNodeNotFound is returned when no node in a workflow carries the requested title
var ErrNodeNotFound = errors.New("node not found")

// Workflow is a ComfyUI workflow in API format: a flat map of node id to node.
// A Workflow is mutable; load a new one for every prompt that needs different
// parameter values.
type Workflow struct {
	Nodes map[string]*PromptNode
}

// allow us to order node ids the way ComfyUI numbers them
type byNodeID []string

func (a byNodeID) Len() int      { return len(a) }
func (a byNodeID) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a byNodeID) Less(i, j int) bool {
	ni, erri := strconv.Atoi(a[i])
	nj, errj := strconv.Atoi(a[j])
	if erri == nil && errj == nil {
		return ni < nj
	}
	if erri == nil {
		return true
	}
	if errj == nil {
		return false
	}
	return a[i] < a[j]
}

func (w *Workflow) UnmarshalJSON(b []byte) error {
	nodes := make(map[string]*PromptNode)
	if err := json.Unmarshal(b, &nodes); err != nil {
		return err
	}
	for id, n := range nodes {
		if n == nil {
			return fmt.Errorf("node %s is null", id)
		}
		if n.ClassType == "" {
			return fmt.Errorf("node %s has no class_type", id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
	}
	w.Nodes = nodes
	return nil
}

func (w *Workflow) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Nodes)
}

// NewWorkflowFromJsonReader creates a new workflow from API format JSON read from an io.Reader
func NewWorkflowFromJsonReader(r io.Reader) (*Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewWorkflowFromJsonBytes(data)
}

// NewWorkflowFromJsonBytes creates a new workflow from API format JSON
func NewWorkflowFromJsonBytes(data []byte) (*Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("workflow is not a JSON object")
	}

	wf := &Workflow{}
	if err := json.Unmarshal(trimmed, wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(wf.Nodes) == 0 {
		return nil, errors.New("workflow contains no nodes")
	}
	return wf, nil
}

// NewWorkflowFromJsonFile creates a new workflow from an API format JSON file
func NewWorkflowFromJsonFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wf, err := NewWorkflowFromJsonBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// NodeIDsWithTitle returns the ids of every node with the given title, in node id order
func (w *Workflow) NodeIDsWithTitle(title string) []string {
	retv := make([]string, 0)
	for id, n := range w.Nodes {
		if n.Title() == title {
			retv = append(retv, id)
		}
	}
	sort.Sort(byNodeID(retv))
	return retv
}

// GetFirstNodeIDWithTitle returns the lowest node id with the given title
func (w *Workflow) GetFirstNodeIDWithTitle(title string) (string, bool) {
	ids := w.NodeIDsWithTitle(title)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// NodeTitle returns the title of the node with the given id.  Compound ids
// such as "57:8" (nodes expanded from a group node) resolve to their parent.
func (w *Workflow) NodeTitle(id string) string {
	if n, ok := w.Nodes[id]; ok {
		return n.Title()
	}
	if parent, _, found := strings.Cut(id, ":"); found {
		if n, ok := w.Nodes[parent]; ok {
			return n.Title()
		}
	}
	return id
}

// SetNodeParam sets the input named param on every node titled title
func (w *Workflow) SetNodeParam(title string, param string, value interface{}) error {
	ids := w.NodeIDsWithTitle(title)
	if len(ids) == 0 {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, title)
	}
	for _, id := range ids {
		w.Nodes[id].Inputs[param] = value
	}
	return nil
}

// GetNodeParam returns the input named param from the first node titled title
func (w *Workflow) GetNodeParam(title string, param string) (interface{}, error) {
	id, ok := w.GetFirstNodeIDWithTitle(title)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, title)
	}
	v, ok := w.Nodes[id].Inputs[param]
	if !ok {
		return nil, fmt.Errorf("node %q has no input %q", title, param)
	}
	return v, nil
}

// Prompt wraps the workflow into the payload accepted by POST /prompt
func (w *Workflow) Prompt(clientID string) *Prompt {
	return &Prompt{
		ClientID: clientID,
		Nodes:    w.Nodes,
	}
}

package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID string                 `json:"client_id"`
	Nodes    map[string]*PromptNode `json:"prompt"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of target node
	//					     [1] is float64 (int) of slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *PromptNodeMeta        `json:"_meta,omitempty"`
}

// PromptNodeMeta is the editor metadata ComfyUI attaches to each node when a
// workflow is exported in API format.
type PromptNodeMeta struct {
	Title string `json:"title"`
}

// Title returns the node's display title.  Workflows exported by older
// versions of ComfyUI carry no _meta, in which case the class type is used.
func (n *PromptNode) Title() string {
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType
}

package client

import "github.com/richinsley/comfybatch/graphapi"

type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
	Workflow   *graphapi.Workflow     `json:"-"`
}

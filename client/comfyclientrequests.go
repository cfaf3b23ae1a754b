package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/richinsley/comfybatch/graphapi"
)

/*
@routes.get("/ws")
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")

@routes.post("/prompt")
@routes.post("/queue")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// maximum number of body bytes quoted in an error
const errorBodyLimit = 512

func (c *ComfyClient) do(ctx context.Context, method string, target string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpclient.Do(req)
}

// readBody reads the whole response body and turns non-2xx responses into errors
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > errorBodyLimit {
			snippet = snippet[:errorBodyLimit]
		}
		return body, fmt.Errorf("error: %d - %s: %s", resp.StatusCode, resp.Status, bytes.TrimSpace(snippet))
	}
	return body, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, route string, query url.Values, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(route, query), "", nil)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (c *ComfyClient) postJSON(ctx context.Context, route string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(route, nil), "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// GetSystemStats retrieves the host and device information of the ComfyUI server
func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "system_stats", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetPromptHistory returns the history entry of a single prompt.  A prompt
// that has not finished yet has no entry and yields (nil, nil).
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (*PromptHistoryItem, error) {
	type internalPromptHistoryItem struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
		Status  PromptHistoryStatus                   `json:"status"`
	}

	history := make(map[string]internalPromptHistoryItem)
	if err := c.getJSON(ctx, "history/"+url.PathEscape(promptID), nil, &history); err != nil {
		return nil, err
	}

	ph, ok := history[promptID]
	if !ok {
		return nil, nil
	}

	item := &PromptHistoryItem{
		PromptID: promptID,
		Status:   ph.Status,
		Outputs:  make(map[string]map[string][]DataOutput),
	}
	for nodeID, o := range ph.Outputs {
		item.Outputs[nodeID] = decodeDataOutputs(o)
	}
	return item, nil
}

// GetImage downloads one output file through the /view route
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)

	resp, err := c.do(ctx, http.MethodGet, c.endpoint("view", params), "", nil)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// QueuePrompt submits the workflow for execution.  The returned QueueItem
// carries the prompt id that execution events refer to.
func (c *ComfyClient) QueuePrompt(ctx context.Context, wf *graphapi.Workflow) (*QueueItem, error) {
	body, err := c.postJSON(ctx, "prompt", wf.Prompt(c.clientid))
	if err != nil {
		// mmm-k, is it one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {}
		// }
		perror := &PromptErrorMessage{}
		if body != nil && json.Unmarshal(body, perror) == nil && (perror.Error.Type != "" || perror.Error.Message != "") {
			perror.Error.NodeErrors = perror.NodeErrors
			return nil, &perror.Error
		}
		return nil, err
	}

	item := &QueueItem{
		Workflow: wf,
	}
	if err := json.Unmarshal(body, item); err != nil {
		slog.Error("error unmarshalling queue response", "body", string(body))
		return nil, err
	}
	if item.PromptID == "" {
		return nil, errors.New("server did not return a prompt id")
	}
	return item, nil
}

// Interrupt stops whatever prompt the server is currently executing
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, err := c.postJSON(ctx, "interrupt", struct{}{})
	return err
}

// CancelPrompt removes the prompt from the pending queue and interrupts it if
// it is already running.  Servers that predate targeted interrupts stop the
// running prompt regardless of its id.
func (c *ComfyClient) CancelPrompt(ctx context.Context, promptID string) error {
	if _, err := c.postJSON(ctx, "queue", map[string][]string{"delete": {promptID}}); err != nil {
		return err
	}
	_, err := c.postJSON(ctx, "interrupt", map[string]string{"prompt_id": promptID})
	return err
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/richinsley/comfybatch/graphapi"
)

// how long a best-effort cancel may take once the caller's context is done
const cancelTimeout = 5 * time.Second

// errDisconnected marks a websocket that dropped while a prompt was running
var errDisconnected = errors.New("websocket disconnected")

// QueuePromptAndWait queues the workflow and blocks until the server reports
// that it stopped.  The websocket is opened before the prompt is queued so no
// event can be missed.  When ctx is done the prompt is cancelled on the
// server and ctx.Err() is returned.
func (c *ComfyClient) QueuePromptAndWait(ctx context.Context, wf *graphapi.Workflow) (*QueueItem, error) {
	ws := c.newWebSocket()
	if err := ws.ConnectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	defer ws.Close()

	item, err := c.QueuePrompt(ctx, wf)
	if err != nil {
		return nil, err
	}

	err = c.waitForPrompt(ctx, ws, item)
	if err != nil && ctx.Err() != nil {
		// the server keeps executing unless told otherwise
		cctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if cerr := c.CancelPrompt(cctx, item.PromptID); cerr != nil {
			slog.Warn("Failed to cancel prompt", "prompt_id", item.PromptID, "error", cerr)
		}
		return item, ctx.Err()
	}
	return item, err
}

func (c *ComfyClient) waitForPrompt(ctx context.Context, ws *WebSocketConnection, item *QueueItem) error {
	for {
		err := c.readUntilStopped(ctx, ws, item)
		if !errors.Is(err, errDisconnected) {
			return err
		}

		slog.Warn("Websocket dropped, reconnecting", "prompt_id", item.PromptID)
		ws.Close()
		if err := ws.ConnectWithRetry(ctx); err != nil {
			return fmt.Errorf("reconnect websocket: %w", err)
		}

		// the prompt may have finished while we were disconnected
		history, err := c.GetPromptHistory(ctx, item.PromptID)
		if err != nil {
			return err
		}
		if history != nil {
			return historyOutcome(history)
		}
	}
}

func (c *ComfyClient) readUntilStopped(ctx context.Context, ws *WebSocketConnection, item *QueueItem) error {
	// unblock ReadMessage once ctx is done
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}

		message := &WSStatusMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			slog.Error("Deserializing Status Message:", "error", err)
			continue
		}

		done, err := c.handlers.dispatch(message, item)
		if done {
			return err
		}
	}
}

func historyOutcome(history *PromptHistoryItem) error {
	if history.Status.StatusStr == "error" {
		return fmt.Errorf("prompt %s finished with status %q", history.PromptID, history.Status.StatusStr)
	}
	return nil
}

// QueueAndWaitImages runs the workflow and downloads the images produced by
// the node(s) titled outputTitle.  The result maps each file name to its bytes.
func (c *ComfyClient) QueueAndWaitImages(ctx context.Context, wf *graphapi.Workflow, outputTitle string) (map[string][]byte, error) {
	nodeIDs := wf.NodeIDsWithTitle(outputTitle)
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("%w: %q", graphapi.ErrNodeNotFound, outputTitle)
	}

	item, err := c.QueuePromptAndWait(ctx, wf)
	if err != nil {
		return nil, err
	}

	history, err := c.GetPromptHistory(ctx, item.PromptID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if history == nil {
		return nil, fmt.Errorf("no history for prompt %s", item.PromptID)
	}

	results := make(map[string][]byte)
	for _, id := range nodeIDs {
		for _, output := range history.Outputs[id]["images"] {
			data, err := c.GetImage(ctx, output)
			if err != nil {
				return nil, fmt.Errorf("get image %s: %w", output.Filename, err)
			}
			results[output.Filename] = data
		}
	}
	return results, nil
}

package client

import (
	"log/slog"
)

// MessageHandlers defines optional callback functions for handling the
// execution events of a queued prompt.  All handlers are optional - only
// provide handlers for the messages you care about.
type MessageHandlers struct {
	// OnQueueRemaining is called when the server reports its queue length
	OnQueueRemaining func(int)

	// OnStarted is called when execution begins
	OnStarted func(*PromptMessageStarted)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*PromptMessageExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*PromptMessageProgress)

	// OnData is called when output data is available
	OnData func(*PromptMessageData)

	// OnStopped is called when execution stops (success, error, or interruption)
	OnStopped func(*PromptMessageStopped)

	// OnError is called if there was an exception during execution
	// This is called before OnStopped when an error occurs
	OnError func(*PromptMessageStoppedException)
}

// DefaultMessageHandlers returns MessageHandlers with sensible defaults:
// - Logs started, executing, and stopped messages at debug level
// - Logs errors
// - Does NOT include progress bars (add your own if needed)
func DefaultMessageHandlers() *MessageHandlers {
	return &MessageHandlers{
		OnStarted: func(msg *PromptMessageStarted) {
			slog.Debug("Execution started", "prompt_id", msg.PromptID)
		},
		OnExecuting: func(msg *PromptMessageExecuting) {
			slog.Debug("Executing node", "node_id", msg.NodeID, "title", msg.Title)
		},
		OnError: func(err *PromptMessageStoppedException) {
			slog.Error("Execution error",
				"node_id", err.NodeID,
				"node_type", err.NodeType,
				"error", err.ExceptionMessage,
			)
		},
		OnStopped: func(msg *PromptMessageStopped) {
			if msg.Exception == nil && !msg.Interrupted {
				slog.Debug("Execution completed successfully", "prompt_id", msg.QueueItem.PromptID)
			}
		},
	}
}

// WithStartedHandler adds a started handler (builder pattern)
func (h *MessageHandlers) WithStartedHandler(fn func(*PromptMessageStarted)) *MessageHandlers {
	h.OnStarted = fn
	return h
}

// WithExecutingHandler adds an executing handler (builder pattern)
func (h *MessageHandlers) WithExecutingHandler(fn func(*PromptMessageExecuting)) *MessageHandlers {
	h.OnExecuting = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *MessageHandlers) WithProgressHandler(fn func(*PromptMessageProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler adds a data handler (builder pattern)
func (h *MessageHandlers) WithDataHandler(fn func(*PromptMessageData)) *MessageHandlers {
	h.OnData = fn
	return h
}

// WithStoppedHandler adds a stopped handler (builder pattern)
func (h *MessageHandlers) WithStoppedHandler(fn func(*PromptMessageStopped)) *MessageHandlers {
	h.OnStopped = fn
	return h
}

// WithErrorHandler adds an error handler (builder pattern)
func (h *MessageHandlers) WithErrorHandler(fn func(*PromptMessageStoppedException)) *MessageHandlers {
	h.OnError = fn
	return h
}

// WithQueueRemainingHandler adds a queue length handler (builder pattern)
func (h *MessageHandlers) WithQueueRemainingHandler(fn func(int)) *MessageHandlers {
	h.OnQueueRemaining = fn
	return h
}

// dispatch translates one websocket message about item into handler calls.
// It reports whether the prompt has stopped, and the reason if it failed.
func (h *MessageHandlers) dispatch(message *WSStatusMessage, item *QueueItem) (bool, error) {
	if s, ok := message.Data.(*WSMessageDataStatus); ok {
		if h.OnQueueRemaining != nil {
			h.OnQueueRemaining(s.Status.ExecInfo.QueueRemaining)
		}
		return false, nil
	}

	// everything else is scoped to a prompt, and the socket may carry events
	// for prompts queued by other clients
	if message.PromptID() != item.PromptID {
		return false, nil
	}

	switch s := message.Data.(type) {
	case *WSMessageDataExecutionStart:
		if h.OnStarted != nil {
			h.OnStarted(&PromptMessageStarted{PromptID: s.PromptID})
		}
	case *WSMessageDataExecuting:
		if s.Node == nil {
			// final node was processed
			h.stopped(&PromptMessageStopped{QueueItem: item})
			return true, nil
		}
		if h.OnExecuting != nil {
			h.OnExecuting(&PromptMessageExecuting{
				PromptID: s.PromptID,
				NodeID:   *s.Node,
				Title:    item.Workflow.NodeTitle(*s.Node),
			})
		}
	case *WSMessageDataProgress:
		if h.OnProgress != nil {
			h.OnProgress(&PromptMessageProgress{
				PromptID: s.PromptID,
				NodeID:   s.Node,
				Max:      s.Max,
				Value:    s.Value,
			})
		}
	case *WSMessageDataExecuted:
		if h.OnData != nil {
			h.OnData(&PromptMessageData{
				PromptID: s.PromptID,
				NodeID:   s.Node,
				Data:     decodeDataOutputs(s.Output),
			})
		}
	case *WSMessageDataExecutionSuccess:
		h.stopped(&PromptMessageStopped{QueueItem: item})
		return true, nil
	case *WSMessageExecutionInterrupted:
		h.stopped(&PromptMessageStopped{QueueItem: item, Interrupted: true})
		return true, ErrInterrupted
	case *WSMessageExecutionError:
		exception := &PromptMessageStoppedException{
			NodeID:           s.Node,
			NodeType:         s.NodeType,
			NodeName:         item.Workflow.NodeTitle(s.Node),
			ExceptionMessage: s.ExceptionMessage,
			ExceptionType:    s.ExceptionType,
			Traceback:        s.Traceback,
		}
		if h.OnError != nil {
			h.OnError(exception)
		}
		h.stopped(&PromptMessageStopped{QueueItem: item, Exception: exception})
		return true, &ExecutionError{PromptID: item.PromptID, Exception: exception}
	}
	return false, nil
}

func (h *MessageHandlers) stopped(msg *PromptMessageStopped) {
	if h.OnStopped != nil {
		h.OnStopped(msg)
	}
}

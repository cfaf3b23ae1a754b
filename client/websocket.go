package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	MaxRetry     int
	RetryCount   int
	mu           sync.Mutex // guards Conn against a concurrent Close

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer
}

// ConnectWithRetry dials the websocket, retrying with exponential backoff up
// to MaxRetry times.  It gives up early when ctx is done.
func (w *WebSocketConnection) ConnectWithRetry(ctx context.Context) error {
	retries := 0
	for {
		err := w.connect(ctx)
		if err == nil {
			w.RetryCount = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("Connection attempt failed: ", "error", err)

		// Check if the maximum number of retries has been reached
		retries++
		if retries > w.MaxRetry {
			return fmt.Errorf("maximum number of retries reached (%d): %w", w.MaxRetry, err)
		}

		// Wait a bit before retrying to connect
		timer := time.NewTimer(w.getReconnectDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, resp, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.Conn = conn
	w.mu.Unlock()
	return nil
}

// ReadMessage blocks until the next text message arrives.  Binary frames
// (preview images) are skipped.
func (w *WebSocketConnection) ReadMessage() ([]byte, error) {
	w.mu.Lock()
	conn := w.Conn
	w.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket not connected")
	}

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return message, nil
		}
	}
}

// Close closes the underlying connection.  It is safe to call concurrently
// with ReadMessage, which then returns an error.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Conn == nil {
		return nil
	}
	err := w.Conn.Close()
	w.Conn = nil
	return err
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}

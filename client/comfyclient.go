package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxRetry  = 3
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL    *url.URL
	clientid   string
	handlers   *MessageHandlers
	httpclient *http.Client

	// websocket dial retry policy
	MaxRetry  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewComfyClient creates a new instance of a ComfyUI client for the server at
// serverURL, e.g. "http://127.0.0.1:8188/".  handlers may be nil.
func NewComfyClient(serverURL string, handlers *MessageHandlers) (*ComfyClient, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", serverURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", serverURL)
	}
	u.RawQuery = ""
	u.Fragment = ""

	if handlers == nil {
		handlers = &MessageHandlers{}
	}

	return &ComfyClient{
		baseURL:    u,
		clientid:   uuid.New().String(),
		handlers:   handlers,
		httpclient: &http.Client{},
		MaxRetry:   defaultMaxRetry,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}, nil
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// ServerURL returns the base URL of the ComfyUI server
func (c *ComfyClient) ServerURL() string {
	return c.baseURL.String()
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// SetMessageHandlers replaces the handlers that receive execution events
func (c *ComfyClient) SetMessageHandlers(handlers *MessageHandlers) {
	if handlers == nil {
		handlers = &MessageHandlers{}
	}
	c.handlers = handlers
}

// endpoint resolves a route relative to the server base URL, keeping any path
// prefix the server is mounted under
func (c *ComfyClient) endpoint(route string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(route, "/")
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *ComfyClient) websocketURL() string {
	u, _ := url.Parse(c.endpoint("ws", url.Values{"clientId": {c.clientid}}))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func (c *ComfyClient) newWebSocket() *WebSocketConnection {
	return &WebSocketConnection{
		WebSocketURL: c.websocketURL(),
		MaxRetry:     c.MaxRetry,
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
	}
}

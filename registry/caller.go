package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	ActionRegister   = "register"
	ActionDiscover   = "discover"
	ActionDisconnect = "disconnect"
)

const (
	// DefaultFunctionName is the remote function that serves peer presence.
	DefaultFunctionName = "peer-discovery"
	// FunctionsPathPrefix precedes the function name in request URLs.
	FunctionsPathPrefix = "/functions/v1/"
	// maxResponseSize bounds backend response bodies.
	maxResponseSize = 4 * 1024 * 1024
)

// Request is the envelope sent to the remote function.
type Request struct {
	Action string `json:"action"`
	Peer   any    `json:"peer,omitempty"`
}

// Caller invokes the remote presence function.
type Caller interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// HTTPConfig configures HTTPCaller.
type HTTPConfig struct {
	BaseURL  string
	Function string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPCaller posts requests to <BaseURL>/functions/v1/<Function>.
type HTTPCaller struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCaller validates config and builds an HTTP transport.
func NewHTTPCaller(config HTTPConfig) (*HTTPCaller, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	function := strings.Trim(strings.TrimSpace(config.Function), "/")
	if function == "" {
		function = DefaultFunctionName
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPCaller{
		endpoint: base + FunctionsPathPrefix + function,
		apiKey:   config.APIKey,
		client:   client,
	}, nil
}

// Endpoint returns the resolved function URL.
func (c *HTTPCaller) Endpoint() string {
	return c.endpoint
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: decodeErrorMessage(raw)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(raw), nil
}

func decodeErrorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/platform-q-ai/taskrun/common/trace"
)

const defaultTimeout = 30 * time.Second

// HTTPClient implements Client against the runtime's HTTP API.
type HTTPClient struct {
	httpClient *http.Client
	// streamClient carries the SSE connection; it must not have a client
	// timeout or the stream would be cut mid-task.
	streamClient *http.Client
}

// NewHTTPClient creates a client for agent runtime control endpoints.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
}

// Health calls GET /app and succeeds when the runtime answers 2xx.
func (c *HTTPClient) Health(ctx context.Context, baseURL string) error {
	if err := c.get(ctx, baseURL, "/app", nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

type sessionResponse struct {
	ID string `json:"id"`
}

// CreateSession calls POST /session and returns the new session id.
func (c *HTTPClient) CreateSession(ctx context.Context, baseURL string, opts SessionOptions) (string, error) {
	var resp sessionResponse
	if err := c.post(ctx, baseURL, "/session", opts, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: runtime returned no session id")
	}
	return resp.ID, nil
}

type promptRequest struct {
	Parts []Part `json:"parts"`
	Model string `json:"model,omitempty"`
}

// SendPromptAsync calls POST /session/{id}/prompt_async. The runtime accepts
// the prompt and works in the background; progress arrives on the event stream.
func (c *HTTPClient) SendPromptAsync(ctx context.Context, baseURL, sessionID string, parts []Part, opts PromptOptions) error {
	req := promptRequest{Parts: parts, Model: opts.Model}
	if err := c.post(ctx, baseURL, "/session/"+sessionID+"/prompt_async", req, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

type permissionReply struct {
	Response string `json:"response"`
}

// ReplyPermission calls POST /session/{id}/permissions/{permissionID}.
func (c *HTTPClient) ReplyPermission(ctx context.Context, baseURL, sessionID, permissionID, decision string) error {
	path := "/session/" + sessionID + "/permissions/" + permissionID
	if err := c.post(ctx, baseURL, path, permissionReply{Response: decision}, nil); err != nil {
		return fmt.Errorf("reply permission: %w", err)
	}
	return nil
}

// AbortSession calls POST /session/{id}/abort.
func (c *HTTPClient) AbortSession(ctx context.Context, baseURL, sessionID string) error {
	if err := c.post(ctx, baseURL, "/session/"+sessionID+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

// --- internal helpers ---

func (c *HTTPClient) get(ctx context.Context, baseURL, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	setTraceHeader(ctx, req)
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, baseURL, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setTraceHeader(ctx, req)
	return c.do(req, out)
}

// setTraceHeader injects the trace ID from ctx into the X-Trace-ID request header.
func setTraceHeader(ctx context.Context, req *http.Request) {
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("agent %s %s → %d: %s", req.Method, req.URL.Path, resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("agent %s %s → %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

package compose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// ServerHandle is a connectable client for one MCP server. Building a handle
// never touches the network or spawns a process; the first call does.
type ServerHandle interface {
	// Kind returns the transport kind of the handle.
	Kind() models.TransportKind

	// Target returns the URL (http/sse) or command (stdio) the handle
	// connects to.
	Target() string

	// ListTools fetches the server's tool catalog.
	ListTools(ctx context.Context) ([]models.MCPToolInfo, error)

	// CallTool invokes one tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error)

	// Close releases the handle's resources.
	Close() error
}

// TransportBuilder turns one validated server configuration plus its
// resolved credential into a ServerHandle.
type TransportBuilder struct {
	client *http.Client
}

// NewTransportBuilder creates a builder with a shared HTTP client.
func NewTransportBuilder() *TransportBuilder {
	return &TransportBuilder{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Build constructs a handle for the config. The credential may be nil
// (auth_type none, or oauth with no usable token — the caller marks the
// entry missing_credential but still gets a handle).
func (b *TransportBuilder) Build(ctx context.Context, cfg *models.ServerConfig, cred *Credential) (ServerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case models.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q: stdio transport requires a command: %w", cfg.Name, ErrInvalidTransportConfig)
		}
		return newStdioHandle(cfg, cred), nil

	case models.TransportHTTP, models.TransportSSE:
		target, err := NormalizeEndpoint(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("server %q: %v: %w", cfg.Name, err, ErrInvalidTransportConfig)
		}
		headers := http.Header{}
		if cred != nil && cred.Token != "" {
			headers.Set(cred.Header, cred.Prefix+cred.Token)
		}
		return &httpHandle{
			kind:    cfg.Transport,
			url:     target,
			headers: headers,
			client:  b.client,
		}, nil
	}

	return nil, fmt.Errorf("server %q: transport %q: %w", cfg.Name, cfg.Transport, ErrUnsupportedTransport)
}

// NormalizeEndpoint unwraps the historical URL encoding. Some imported rows
// stored the endpoint as a JSON envelope {"url": "...", "source": "..."}
// rather than a plain string. Fallback order is documented and fixed:
// parse-as-JSON when the value looks like an envelope, else the raw string.
func NormalizeEndpoint(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", fmt.Errorf("empty URL")
	}

	if strings.HasPrefix(candidate, "{") && strings.Contains(candidate, `"source"`) {
		var envelope struct {
			URL    string `json:"url"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal([]byte(candidate), &envelope); err == nil && envelope.URL != "" {
			candidate = envelope.URL
		}
		// Parse failure falls through to treating the raw string as the URL.
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("unparsable URL %q", candidate)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL %q missing scheme or host", candidate)
	}
	return candidate, nil
}

// ── HTTP / SSE handle ───────────────────────────────────────

// httpHandle speaks JSON-RPC 2.0 over HTTP POST. For sse transports the
// request advertises text/event-stream and the response is read as SSE
// data events.
type httpHandle struct {
	kind    models.TransportKind
	url     string
	headers http.Header
	client  *http.Client
}

func (h *httpHandle) Kind() models.TransportKind { return h.kind }
func (h *httpHandle) Target() string             { return h.url }
func (h *httpHandle) Close() error               { return nil }

func (h *httpHandle) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	resp, err := h.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

func (h *httpHandle) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	params, err := json.Marshal(models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode tool arguments: %w", err)
	}
	resp, err := h.roundTrip(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result models.MCPToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		// Not a structured tool result — surface the raw payload as text.
		return &models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: string(resp.Result)}},
		}, nil
	}
	return &result, nil
}

// roundTrip sends one JSON-RPC request and returns the decoded response.
func (h *httpHandle) roundTrip(ctx context.Context, method string, params json.RawMessage) (*models.MCPResponse, error) {
	reqID := uuid.New().String()
	body, err := json.Marshal(models.MCPRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      reqID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, values := range h.headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}
	if h.kind == models.TransportSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("server request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned status %d", httpResp.StatusCode)
	}

	var resp *models.MCPResponse
	if h.kind == models.TransportSSE && strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		resp, err = readSSEResponse(httpResp.Body)
	} else {
		resp, err = readJSONResponse(httpResp.Body)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

func readJSONResponse(r io.Reader) (*models.MCPResponse, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp models.MCPResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse scans the event stream for the first data event that
// decodes as a JSON-RPC response.
func readSSEResponse(r io.Reader) (*models.MCPResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var resp models.MCPResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		if resp.Result != nil || resp.Error != nil {
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

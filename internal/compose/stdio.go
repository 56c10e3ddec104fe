package compose

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// stdioHandle runs a local MCP server process and exchanges newline-delimited
// JSON-RPC over its stdin/stdout. The process is spawned lazily on first use
// so that building a handle stays free of side effects.
type stdioHandle struct {
	command string
	args    []string
	env     map[string]string

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   *bufio.Writer
	stdout  *bufio.Reader
	nextID  int
	closed  bool
	pending chan stdioResult // reader abandoned by a cancelled round trip
}

// stdioResult carries one reader goroutine's outcome.
type stdioResult struct {
	resp *models.MCPResponse
	err  error
}

// newStdioHandle builds the process descriptor. If the credential declares
// an env mapping, the secret is injected into the child environment — the
// only way auth material reaches a stdio transport.
func newStdioHandle(cfg *models.ServerConfig, cred *Credential) *stdioHandle {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cred != nil && cred.EnvKey != "" && cred.Token != "" {
		env[cred.EnvKey] = cred.Token
	}
	return &stdioHandle{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		env:     env,
	}
}

func (h *stdioHandle) Kind() models.TransportKind { return models.TransportStdio }

func (h *stdioHandle) Target() string {
	if len(h.args) == 0 {
		return h.command
	}
	return h.command + " " + strings.Join(h.args, " ")
}

func (h *stdioHandle) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
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

func (h *stdioHandle) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
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
		return &models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: string(resp.Result)}},
		}, nil
	}
	return &result, nil
}

// roundTrip serializes one request/response exchange. Requests are strictly
// sequential per handle; notifications from the server are skipped.
func (h *stdioHandle) roundTrip(ctx context.Context, method string, params json.RawMessage) (*models.MCPResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("stdio handle for %q is closed", h.command)
	}
	if err := h.startLocked(); err != nil {
		return nil, err
	}

	// A cancelled round trip leaves its reader goroutine blocked on stdout.
	// Wait for it to drain before issuing the next request so two readers
	// never share the stream.
	if h.pending != nil {
		select {
		case <-h.pending:
			h.pending = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.nextID++
	reqID := h.nextID
	line, err := json.Marshal(models.MCPRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      reqID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write to %q: %w", h.command, err)
	}
	if err := h.stdin.Flush(); err != nil {
		return nil, fmt.Errorf("flush to %q: %w", h.command, err)
	}

	ch := make(chan stdioResult, 1)
	go func() {
		resp, err := h.readResponse(reqID)
		ch <- stdioResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		h.pending = ch
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp, nil
	}
}

func (h *stdioHandle) readResponse(reqID int) (*models.MCPResponse, error) {
	for {
		line, err := h.stdout.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read from %q: %w", h.command, err)
		}
		var msg models.MCPResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // non-JSON noise on stdout
		}
		if msg.ID == nil {
			continue // notification
		}
		// JSON numbers decode as float64.
		if id, ok := msg.ID.(float64); ok && int(id) == reqID {
			return &msg, nil
		}
	}
}

// startLocked spawns the server process on first use. Caller holds h.mu.
func (h *stdioHandle) startLocked() error {
	if h.cmd != nil {
		return nil
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, h.command, h.args...)

	cmdEnv := os.Environ()
	for k, v := range h.env {
		cmdEnv = append(cmdEnv, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = cmdEnv
	cmd.Stderr = os.Stderr // server logs go to backend stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %q: %w", h.command, err)
	}

	log.Info().
		Str("command", h.command).
		Int("pid", cmd.Process.Pid).
		Msg("MCP server process started")

	h.cmd = cmd
	h.cancel = cancel
	h.stdin = bufio.NewWriter(stdin)
	h.stdout = bufio.NewReader(stdout)
	return nil
}

// Close stops the server process: SIGINT first, then a hard kill after a
// short grace period.
func (h *stdioHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if h.cmd == nil {
		return nil
	}

	log.Info().
		Str("command", h.command).
		Int("pid", h.cmd.Process.Pid).
		Msg("Stopping MCP server process")

	_ = h.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = h.cmd.Process.Kill()
	}
	h.cancel()
	h.cmd = nil
	return nil
}

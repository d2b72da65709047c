package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paygate/mcpgate/pkg/jsonrpc"
)

// killGrace is how long StdioProxy waits after SIGTERM before escalating to
// SIGKILL on Stop.
const killGrace = 5 * time.Second

type pendingRequest struct {
	resultCh chan *jsonrpc.Response
}

// StdioProxy speaks JSON-RPC to a child process over stdin/stdout, one
// JSON object per line.
type StdioProxy struct {
	command string
	args    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	nextID   int64
	nextIDMu sync.Mutex

	exited chan struct{}
}

// NewStdioProxy creates a StdioProxy that will run command with args when
// Start is called.
func NewStdioProxy(command string, args []string) *StdioProxy {
	return &StdioProxy{
		command: command,
		args:    args,
		pending: make(map[string]*pendingRequest),
	}
}

// Start spawns the child process and begins reading its stdout.
func (p *StdioProxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: starting %s: %w", p.command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.exited = make(chan struct{})

	go p.readLoop(stdout)
	go p.waitLoop()

	return nil
}

func (p *StdioProxy) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	var buf bytes.Buffer

	for {
		chunk, err := reader.ReadBytes('\n')
		buf.Write(chunk)
		if buf.Len() > 0 && (err == nil || len(chunk) > 0) {
			for {
				line, found := splitLine(&buf)
				if !found {
					break
				}
				p.handleLine(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func splitLine(buf *bytes.Buffer) ([]byte, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	buf.Next(idx + 1)
	return line, true
}

func (p *StdioProxy) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		log.Warn().Err(err).Str("line", string(line)).Msg("backend.stdio_malformed_line")
		return
	}
	if len(resp.ID) == 0 || string(resp.ID) == "null" {
		// Server-initiated notification; no correlated waiter.
		return
	}

	id := string(resp.ID)
	p.pendingMu.Lock()
	entry, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()

	if ok {
		entry.resultCh <- &resp
	}
}

func (p *StdioProxy) onChildExit(err error) {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, entry := range p.pending {
		delete(p.pending, id)
		entry.resultCh <- errorResponse(json.RawMessage(id), fmt.Sprintf("backend process exited: %v", err))
	}
}

func (p *StdioProxy) waitLoop() {
	err := p.cmd.Wait()
	p.onChildExit(err)
	close(p.exited)
}

func errorResponse(id json.RawMessage, message string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, -32603, message, nil)
}

func (p *StdioProxy) allocateID() string {
	p.nextIDMu.Lock()
	defer p.nextIDMu.Unlock()
	p.nextID++
	return fmt.Sprintf("stdio-%d", p.nextID)
}

func (p *StdioProxy) writeLine(req *jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: marshaling request: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	_, err = stdin.Write(data)
	return err
}

// Forward sends req and waits for its correlated response, or ErrTimeout
// after RequestTimeout. Notifications are fire-and-forget and return a
// synthetic empty result immediately.
func (p *StdioProxy) Forward(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !p.IsRunning() {
		return nil, ErrNotRunning
	}

	if req.IsNotification() {
		if err := p.writeLine(req); err != nil {
			return nil, err
		}
		return jsonrpc.NewResponse(req.ID, json.RawMessage(`{}`)), nil
	}

	id := string(req.ID)
	if id == "" {
		id = p.allocateID()
		req.ID = json.RawMessage(fmt.Sprintf("%q", id))
	}

	entry := &pendingRequest{resultCh: make(chan *jsonrpc.Response, 1)}
	p.pendingMu.Lock()
	p.pending[string(req.ID)] = entry
	p.pendingMu.Unlock()

	if err := p.writeLine(req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, string(req.ID))
		p.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-entry.resultCh:
		return resp, nil
	case <-timer.C:
		p.pendingMu.Lock()
		delete(p.pending, string(req.ID))
		p.pendingMu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, string(req.ID))
		p.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// ForwardUngated is identical to Forward; stdio has no separate gated path.
func (p *StdioProxy) ForwardUngated(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return p.Forward(ctx, req)
}

// IsRunning reports whether the child process is currently alive.
func (p *StdioProxy) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop sends SIGTERM, escalating to SIGKILL after killGrace if the process
// has not exited, and rejects any pending requests.
func (p *StdioProxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	exited := p.exited
	p.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	p.mu.Lock()
	p.running = false
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	p.mu.Unlock()

	return nil
}

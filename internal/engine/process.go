package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ProcessEngine spawns one worker subprocess per session. The worker owns
// the headless browser and speaks NDJSON over stdin/stdout:
//
//	gateway -> worker: {"id":1,"op":"send","target":"...","body":"..."}
//	                   {"id":2,"op":"ping"} / {"id":3,"op":"logout"}
//	worker -> gateway: {"id":1,"ok":true} replies, plus unsolicited events
//	                   {"event":"created"}, {"event":"qr","qr":"..."},
//	                   {"event":"status","status":"..."}
//
// The worker receives the session id and storage path as trailing arguments.
type ProcessEngine struct {
	// Command is the worker binary, e.g. "node worker/index.js" split into
	// Command + Args by the config layer.
	Command string
	Args    []string
	// ReplyTimeout bounds how long a command waits for its reply when the
	// caller's context has no earlier deadline.
	ReplyTimeout time.Duration
}

type workerCommand struct {
	ID     int64  `json:"id"`
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
	Body   string `json:"body,omitempty"`
}

type workerLine struct {
	// Reply fields.
	ID        int64  `json:"id"`
	OK        bool   `json:"ok"`
	Connected bool   `json:"connected"`
	Error     string `json:"error"`
	// Event fields.
	Event  string `json:"event"`
	QR     string `json:"qr"`
	Status string `json:"status"`
}

type reply struct {
	ok        bool
	connected bool
	errMsg    string
}

// Create spawns a worker for the session and waits for its "created" event.
// The context deadline bounds the whole launch; on failure the worker is
// killed before returning.
func (e *ProcessEngine) Create(ctx context.Context, opts CreateOpts) (Client, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("engine command not configured")
	}

	args := append(append([]string{}, e.Args...), opts.SessionID, opts.StoragePath)
	cmd := exec.Command(e.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	slog.Info("Worker process started", "sessionId", opts.SessionID, "pid", cmd.Process.Pid)

	c := &procClient{
		sessionID:    opts.SessionID,
		cmd:          cmd,
		stdin:        stdin,
		hooks:        opts.Hooks,
		pending:      make(map[int64]chan reply),
		created:      make(chan struct{}),
		exited:       make(chan struct{}),
		replyTimeout: e.ReplyTimeout,
		closeWait:    5 * time.Second,
	}
	go c.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(c.exited)
	}()

	select {
	case <-c.created:
		return c, nil
	case <-c.exited:
		return nil, fmt.Errorf("worker exited before session was created")
	case <-ctx.Done():
		c.Terminate()
		return nil, fmt.Errorf("session creation: %w", ctx.Err())
	}
}

// procClient is the Client backed by a worker subprocess.
type procClient struct {
	sessionID    string
	cmd          *exec.Cmd
	hooks        Hooks
	replyTimeout time.Duration
	closeWait    time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu          sync.Mutex
	nextID      int64
	pending     map[int64]chan reply
	createdOnce sync.Once
	closed      bool

	created chan struct{}
	exited  chan struct{}
}

func (c *procClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line workerLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			slog.Warn("Worker emitted unparseable line", "sessionId", c.sessionID, "error", err)
			continue
		}

		switch {
		case line.Event == "created":
			c.createdOnce.Do(func() { close(c.created) })
		case line.Event == "qr":
			if c.hooks.QRReady != nil {
				c.hooks.QRReady(line.QR)
			}
		case line.Event == "status":
			if c.hooks.StatusChanged != nil {
				c.hooks.StatusChanged(Status(line.Status))
			}
		case line.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[line.ID]
			delete(c.pending, line.ID)
			c.mu.Unlock()
			if ok {
				ch <- reply{ok: line.OK, connected: line.Connected, errMsg: line.Error}
			}
		}
	}

	// Worker went away: fail everything still waiting for a reply.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- reply{errMsg: "worker process exited"}
	}
	c.mu.Unlock()
}

func (c *procClient) roundTrip(ctx context.Context, cmd workerCommand) (reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reply{}, fmt.Errorf("client is closed")
	}
	c.nextID++
	cmd.ID = c.nextID
	ch := make(chan reply, 1)
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return reply{}, fmt.Errorf("encode command: %w", err)
	}
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return reply{}, fmt.Errorf("write command: %w", err)
	}

	timeout := c.replyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-timer.C:
		return reply{}, fmt.Errorf("worker reply timed out after %s", timeout)
	case <-c.exited:
		return reply{}, fmt.Errorf("worker process exited")
	}
}

func (c *procClient) SendText(ctx context.Context, target, body string) error {
	r, err := c.roundTrip(ctx, workerCommand{Op: "send", Target: target, Body: body})
	if err != nil {
		return err
	}
	if !r.ok {
		return fmt.Errorf("send failed: %s", r.errMsg)
	}
	return nil
}

func (c *procClient) IsConnected(ctx context.Context) (bool, error) {
	select {
	case <-c.exited:
		return false, fmt.Errorf("worker process exited")
	default:
	}
	r, err := c.roundTrip(ctx, workerCommand{Op: "ping"})
	if err != nil {
		return false, err
	}
	return r.ok && r.connected, nil
}

func (c *procClient) Logout(ctx context.Context) error {
	r, err := c.roundTrip(ctx, workerCommand{Op: "logout"})
	if err != nil {
		return err
	}
	if !r.ok {
		return fmt.Errorf("logout failed: %s", r.errMsg)
	}
	return nil
}

// Close signals the worker to exit by closing stdin, then waits briefly for
// a clean exit before falling back to a kill.
func (c *procClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	wait := c.closeWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(wait):
		c.Terminate()
		return fmt.Errorf("worker did not exit after close; killed")
	}
}

// Terminate kills the worker process. Safe to call repeatedly and after Close.
func (c *procClient) Terminate() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// newPipeWorker builds a procClient wired to in-process pipes instead of a
// real subprocess: the test plays the worker on the returned ends.
func newPipeWorker(t *testing.T, hooks Hooks, replyTimeout time.Duration) (*procClient, *os.File, *os.File) {
	t.Helper()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	t.Cleanup(func() {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
	})

	c := &procClient{
		sessionID:    "test-session",
		cmd:          &exec.Cmd{},
		stdin:        stdinW,
		hooks:        hooks,
		pending:      make(map[int64]chan reply),
		created:      make(chan struct{}),
		exited:       make(chan struct{}),
		replyTimeout: replyTimeout,
		closeWait:    200 * time.Millisecond,
	}
	go c.readLoop(stdoutR)
	return c, stdinR, stdoutW
}

func TestRoundTripMatchesReplyByID(t *testing.T) {
	c, stdinR, stdoutW := newPipeWorker(t, Hooks{}, time.Second)

	go func() {
		sc := bufio.NewScanner(stdinR)
		for sc.Scan() {
			var cmd workerCommand
			if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
				continue
			}
			// Unsolicited events interleave with replies on the same stream.
			fmt.Fprintln(stdoutW, `{"event":"status","status":"loading"}`)
			fmt.Fprintf(stdoutW, "{\"id\":%d,\"ok\":true,\"connected\":true}\n", cmd.ID)
		}
	}()

	if err := c.SendText(context.Background(), "+123", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	alive, err := c.IsConnected(context.Background())
	if err != nil {
		t.Fatalf("IsConnected: %v", err)
	}
	if !alive {
		t.Fatal("expected connected=true from the ping reply")
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
}

func TestFailedReplyCarriesWorkerError(t *testing.T) {
	c, stdinR, stdoutW := newPipeWorker(t, Hooks{}, time.Second)

	go func() {
		sc := bufio.NewScanner(stdinR)
		for sc.Scan() {
			var cmd workerCommand
			if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
				continue
			}
			fmt.Fprintf(stdoutW, "{\"id\":%d,\"ok\":false,\"error\":\"number not registered\"}\n", cmd.ID)
		}
	}()

	err := c.SendText(context.Background(), "+123", "hi")
	if err == nil || !strings.Contains(err.Error(), "number not registered") {
		t.Fatalf("expected the worker's error to surface, got %v", err)
	}
}

func TestWorkerEventsFireHooks(t *testing.T) {
	qrCh := make(chan string, 1)
	statusCh := make(chan Status, 1)
	c, _, stdoutW := newPipeWorker(t, Hooks{
		QRReady:       func(qr string) { qrCh <- qr },
		StatusChanged: func(st Status) { statusCh <- st },
	}, time.Second)

	fmt.Fprintln(stdoutW, `{"event":"created"}`)
	fmt.Fprintln(stdoutW, `{"event":"qr","qr":"code-1"}`)
	fmt.Fprintln(stdoutW, `{"event":"status","status":"ready"}`)
	fmt.Fprintln(stdoutW, `not json at all`)

	select {
	case <-c.created:
	case <-time.After(time.Second):
		t.Fatal("created event should close the created channel")
	}
	select {
	case qr := <-qrCh:
		if qr != "code-1" {
			t.Fatalf("unexpected qr payload: %q", qr)
		}
	case <-time.After(time.Second):
		t.Fatal("qr event should fire the hook")
	}
	select {
	case st := <-statusCh:
		if st != StatusReady {
			t.Fatalf("unexpected status: %q", st)
		}
	case <-time.After(time.Second):
		t.Fatal("status event should fire the hook")
	}
}

func TestWorkerExitFailsPendingRoundTrips(t *testing.T) {
	c, stdinR, stdoutW := newPipeWorker(t, Hooks{}, 5*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- c.SendText(context.Background(), "+123", "hi") }()

	// Consume the command, then die without replying.
	sc := bufio.NewScanner(stdinR)
	if !sc.Scan() {
		t.Fatalf("expected a command before worker death: %v", sc.Err())
	}
	stdoutW.Close()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "worker process exited") {
			t.Fatalf("expected worker-exit failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending round-trip should fail when the worker exits")
	}
}

func TestRoundTripTimesOutWithoutReply(t *testing.T) {
	c, stdinR, _ := newPipeWorker(t, Hooks{}, 30*time.Millisecond)
	go io.Copy(io.Discard, stdinR)

	err := c.SendText(context.Background(), "+123", "hi")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected reply timeout, got %v", err)
	}
}

func TestCloseWaitsForCleanExit(t *testing.T) {
	c, stdinR, stdoutW := newPipeWorker(t, Hooks{}, time.Second)

	// Worker exits when its stdin closes.
	go func() {
		io.Copy(io.Discard, stdinR)
		stdoutW.Close()
		close(c.exited)
	}()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.SendText(context.Background(), "+123", "hi"); err == nil {
		t.Fatal("round-trips after Close must fail")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close must be a no-op: %v", err)
	}
}

func TestCloseFallsBackToKillWhenWorkerHangs(t *testing.T) {
	c, stdinR, _ := newPipeWorker(t, Hooks{}, time.Second)
	go io.Copy(io.Discard, stdinR) // worker ignores the stdin close

	err := c.Close()
	if err == nil || !strings.Contains(err.Error(), "killed") {
		t.Fatalf("expected kill fallback, got %v", err)
	}
}

func TestCreateRequiresCommand(t *testing.T) {
	e := &ProcessEngine{}
	if _, err := e.Create(context.Background(), CreateOpts{SessionID: "s1"}); err == nil {
		t.Fatal("expected an error with no command configured")
	}
}

func TestCreateLaunchesWorkerProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	e := &ProcessEngine{
		Command:      "sh",
		Args:         []string{"-c", `printf '{"event":"created"}\n'; cat >/dev/null`},
		ReplyTimeout: time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := e.Create(ctx, CreateOpts{SessionID: "s1", StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCreateFailsWhenWorkerExitsEarly(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	e := &ProcessEngine{Command: "sh", Args: []string{"-c", "exit 3"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.Create(ctx, CreateOpts{SessionID: "s1", StoragePath: t.TempDir()}); err == nil {
		t.Fatal("expected an error when the worker exits before the created event")
	}
}

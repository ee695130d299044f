package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/executor"
)

var errClosed = errors.New("use of closed connection")

// fakeConn feeds queued client messages and records what the server wrote.
type fakeConn struct {
	incoming chan string

	mu       sync.Mutex
	written  []map[string]string
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(messages ...string) *fakeConn {
	c := &fakeConn{incoming: make(chan string, 16), closed: make(chan struct{})}
	for _, m := range messages {
		c.incoming <- m
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return 0, nil, errors.New("client disconnected")
		}
		return 1, []byte(msg), nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]string
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]string(nil), c.written...)
}

// echoRunner echoes every stdin line until end of input or cancellation.
type echoRunner struct {
	mu       sync.Mutex
	jobs     []domain.Job
	canceled bool
}

func (r *echoRunner) RunInteractive(ctx context.Context, job domain.Job, input *executor.InputQueue, emit domain.Emitter) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()

	for {
		line, ok, err := input.Next(ctx)
		if err != nil {
			r.mu.Lock()
			r.canceled = true
			r.mu.Unlock()
			break
		}
		if !ok {
			break
		}
		emit(domain.StreamFrame{Kind: domain.FrameStdout, Payload: "echo: " + line + "\n"})
	}
	emit(domain.StreamFrame{Kind: domain.FrameStatus, Payload: domain.EndOfStream})
}

func serve(t *testing.T, runner Runner, conn *fakeConn) {
	t.Helper()
	h := NewHandler(runner, slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), conn, "python", "job-1")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeRejectsMissingCode(t *testing.T) {
	runner := &echoRunner{}
	conn := newFakeConn(`{"language":"python"}`)

	serve(t, runner, conn)

	assert.Equal(t, []map[string]string{{"type": "error", "message": MsgNoCode}}, conn.frames())
	assert.Empty(t, runner.jobs)
}

func TestServeRejectsInvalidInitialMessage(t *testing.T) {
	for _, raw := range []string{"print(1)", `["code"]`} {
		runner := &echoRunner{}
		conn := newFakeConn(raw)

		serve(t, runner, conn)

		assert.Equal(t, []map[string]string{{"type": "error", "message": MsgInvalidInitial}}, conn.frames(), raw)
		assert.Empty(t, runner.jobs)
	}
}

func TestServeForwardsInputAndFrames(t *testing.T) {
	runner := &echoRunner{}
	conn := newFakeConn(`{"code":"while True: print('echo:', input())"}`, "hello", "world")
	close(conn.incoming)

	serve(t, runner, conn)

	require.Len(t, runner.jobs, 1)
	assert.Equal(t, domain.Job{ID: "job-1", Language: "python", Code: "while True: print('echo:', input())"}, runner.jobs[0])

	frames := conn.frames()
	require.GreaterOrEqual(t, len(frames), 1)
	assert.Equal(t, map[string]string{"type": "status", "data": domain.EndOfStream}, frames[len(frames)-1])
	for _, f := range frames[:len(frames)-1] {
		assert.Equal(t, "stdout", f["type"])
	}
}

func TestServeDisconnectCancelsSession(t *testing.T) {
	runner := &echoRunner{}
	conn := newFakeConn(`{"code":"input()"}`)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(conn.incoming)
	}()
	serve(t, runner, conn)

	require.Len(t, runner.jobs, 1)
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection was not closed")
	}
}

func TestServeClientGoneBeforeCode(t *testing.T) {
	runner := &echoRunner{}
	conn := newFakeConn()
	close(conn.incoming)

	serve(t, runner, conn)

	assert.Empty(t, conn.frames())
	assert.Empty(t, runner.jobs)
}

func TestWireFrame(t *testing.T) {
	assert.Equal(t, dataFrame{Type: "stdout", Data: "hi"}, wireFrame(domain.StreamFrame{Kind: domain.FrameStdout, Payload: "hi"}))
	assert.Equal(t, errorFrame{Type: "error", Message: "Unsupported language: rust"}, wireFrame(domain.StreamFrame{Kind: domain.FrameError, Payload: "Unsupported language: rust"}))
}

func TestServeLogsUndeliveredRejection(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&echoRunner{}, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	conn := newFakeConn(`{"code":""}`)
	conn.writeErr = errors.New("broken pipe")

	h.Serve(context.Background(), conn, "python", "job-1")

	assert.Empty(t, conn.frames())
	assert.Contains(t, buf.String(), "Failed to send error frame")
	assert.Contains(t, buf.String(), "broken pipe")
}

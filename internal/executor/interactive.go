package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/dontdude/goxec-engine/internal/domain"
)

const readChunk = 4096

// RunInteractive executes job against a live client. Container output is sent
// through emit as it arrives and lines from input are written to the
// container's stdin. Exactly one END_OF_STREAM status frame is emitted, after
// the container and workspace are released.
func (e *Engine) RunInteractive(ctx context.Context, job domain.Job, input *InputQueue, emit domain.Emitter) {
	done := e.metrics.InteractiveStarted()
	defer done()

	st := &interactive{input: input, emit: emit, status: "completed"}
	started := time.Now()

	// The terminal frame goes out last on every path.
	defer func() {
		elapsed := time.Since(started)
		e.metrics.ObserveExecution(job.Language, string(domain.ModeInteractive), st.status, elapsed)
		e.logger.Info("Interactive session finished", "jobID", job.ID, "status", st.status, "elapsed", elapsed)

		if err := emit(domain.StreamFrame{Kind: domain.FrameStatus, Payload: domain.EndOfStream}); err != nil {
			e.logger.Warn("Failed to deliver frame", "jobID", job.ID, "kind", domain.FrameStatus, "error", err)
		}
	}()

	e.run(ctx, job, st)
}

// interactive races an output pump against an input pump under one deadline.
type interactive struct {
	input  *InputQueue
	emit   domain.Emitter
	status string
}

func (*interactive) mode() domain.Mode { return domain.ModeInteractive }

func (it *interactive) execute(ctx context.Context, s *Session) error {
	stream, err := s.engine.runtime.Attach(ctx, s.ContainerID)
	if err != nil {
		return fmt.Errorf("attach to container: %w", err)
	}
	defer stream.Close()

	pumpCtx, cancel := context.WithDeadline(ctx, s.Deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(pumpCtx)

	// Cancellation alone cannot interrupt a blocked Read or Write; closing the stream does.
	stop := context.AfterFunc(gctx, func() { stream.Close() })
	defer stop()

	// Whichever pump finishes first cancels the other.
	g.Go(func() error {
		defer cancel()
		return it.pumpOutput(gctx, stream)
	})
	g.Go(func() error {
		defer cancel()
		return it.pumpInput(gctx, stream)
	})
	err = g.Wait()

	switch {
	case errors.Is(pumpCtx.Err(), context.DeadlineExceeded):
		s.timedOut = true
		it.status = string(domain.StatusTimeout)
		s.logger.Warn("Execution timed out", "containerID", s.ContainerID, "limit", s.engine.timeLimit)
		it.send(s, domain.FrameStderr, "\n"+timeoutMessage(s.engine.timeLimit))
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", domain.ErrStreaming, err)
	case ctx.Err() != nil:
		it.status = "canceled"
	}
	return nil
}

// pumpOutput forwards container output chunk by chunk until end of stream.
func (it *interactive) pumpOutput(ctx context.Context, r io.Reader) (err error) {
	defer recoverPump(&err)

	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			var text string
			text, pending = decodeChunk(append(pending, buf[:n]...))
			if text != "" {
				if err := it.emit(domain.StreamFrame{Kind: domain.FrameStdout, Payload: text}); err != nil {
					return fmt.Errorf("forward output: %w", err)
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read container output: %w", rerr)
		}
	}
}

// pumpInput writes queued lines to the container until the sentinel arrives.
func (it *interactive) pumpInput(ctx context.Context, w io.Writer) (err error) {
	defer recoverPump(&err)

	for {
		line, ok, err := it.input.Next(ctx)
		if err != nil || !ok {
			return nil
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write container input: %w", err)
		}
	}
}

func (it *interactive) fail(s *Session, err error) {
	it.status = string(domain.StatusError)
	if s.ContainerID == "" {
		it.send(s, domain.FrameError, s.describe(err))
		return
	}
	it.send(s, domain.FrameStderr, "\nAn unexpected error occurred: "+s.describe(err))
}

// teardown pushes the sentinel so a still-waiting input consumer is released.
func (it *interactive) teardown(*Session) {
	it.input.Close()
}

func (it *interactive) send(s *Session, kind domain.FrameKind, payload string) {
	if err := it.emit(domain.StreamFrame{Kind: kind, Payload: payload}); err != nil {
		s.logger.Warn("Failed to deliver frame", "kind", kind, "error", err)
	}
}

// decodeChunk returns the valid UTF-8 text in b and any incomplete trailing
// rune, which is carried into the next chunk. Invalid bytes are dropped.
func decodeChunk(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), b[cut:]...)
	return strings.ToValidUTF8(string(b[:cut]), ""), rest
}

func recoverPump(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pump panicked: %v", r)
	}
}

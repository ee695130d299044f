// Package session bridges a live client connection to an interactive sandbox session.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/executor"
)

// Error messages sent to the client when the opening frame is unusable.
const (
	MsgNoCode         = "No code provided"
	MsgInvalidInitial = "Invalid initial message"
)

// Conn is the subset of a WebSocket connection the handler needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Runner executes one interactive session.
type Runner interface {
	RunInteractive(ctx context.Context, job domain.Job, input *executor.InputQueue, emit domain.Emitter)
}

// Handler drives interactive sessions from client connections.
type Handler struct {
	runner Runner
	logger *slog.Logger
}

// NewHandler returns a Handler backed by runner.
func NewHandler(runner Runner, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

type initialMessage struct {
	Code string `json:"code"`
}

// dataFrame and errorFrame are the two server-to-client frame shapes.
type dataFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func wireFrame(f domain.StreamFrame) interface{} {
	if f.Kind == domain.FrameError {
		return errorFrame{Type: string(f.Kind), Message: f.Payload}
	}
	return dataFrame{Type: string(f.Kind), Data: f.Payload}
}

// Serve runs one session over conn and closes conn when it is over.
// The first client message must be {"code": "..."}; every later text message is a stdin line.
func (h *Handler) Serve(ctx context.Context, conn Conn, language, jobID string) {
	logger := h.logger.With("jobID", jobID, "language", language)
	defer conn.Close()

	// 1. Read the opening frame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		logger.Info("Client left before sending code", "error", err)
		return
	}

	var init initialMessage
	if err := json.Unmarshal(raw, &init); err != nil {
		reject(conn, MsgInvalidInitial, logger)
		return
	}
	if init.Code == "" {
		reject(conn, MsgNoCode, logger)
		return
	}

	logger.Info("New execution session")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 2. Forward client messages to stdin until the client goes away
	input := executor.NewInputQueue()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readInput(conn, input, cancel, logger)
	}()

	// 3. Run the session, serializing writes to the connection
	var mu sync.Mutex
	emit := func(f domain.StreamFrame) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(wireFrame(f))
	}

	job := domain.Job{ID: jobID, Language: language, Code: init.Code}
	h.runner.RunInteractive(ctx, job, input, emit)

	// Closing the connection unblocks the reader.
	conn.Close()
	<-readerDone
	logger.Info("Session closed")
}

// readInput pushes each client message onto input. On disconnect it enqueues the
// end-of-input sentinel and cancels the session.
func (h *Handler) readInput(conn Conn, input *executor.InputQueue, cancel context.CancelFunc, logger *slog.Logger) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("Client disconnected", "error", err)
			input.Close()
			cancel()
			return
		}
		input.Push(string(msg))
	}
}

func reject(conn Conn, message string, logger *slog.Logger) {
	if err := conn.WriteJSON(errorFrame{Type: string(domain.FrameError), Message: message}); err != nil {
		logger.Debug("Failed to send error frame", "message", message, "error", err)
	}
}

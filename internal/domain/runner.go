package domain

import (
	"context"
	"io"
	"time"
)

// Status is the terminal outcome of a batch execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Mode selects how a session drives its container.
type Mode string

const (
	ModeBatch       Mode = "batch"
	ModeInteractive Mode = "interactive"
)

// Job represents a unit of work to be executed.
// It is read-only once created by the producer or the interactive entry point.
type Job struct {
	ID              string `json:"job_id"`
	Language        string `json:"language"`
	Code            string `json:"code"`
	ResponseChannel string `json:"response_channel,omitempty"`

	// RawID is the broker's own message identifier (Redis stream ID, AMQP delivery tag).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// ExecutionResult is produced exactly once per batch session.
type ExecutionResult struct {
	Status        Status  `json:"status"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExecutionTime float64 `json:"execution_time"`
}

// FrameKind tags a StreamFrame.
type FrameKind string

const (
	FrameStdout FrameKind = "stdout"
	FrameStderr FrameKind = "stderr"
	FrameStatus FrameKind = "status"
	FrameError  FrameKind = "error"
)

// EndOfStream is the payload of the single terminal status frame of an interactive session.
const EndOfStream = "END_OF_STREAM"

// StreamFrame is one ordered event of an interactive session.
type StreamFrame struct {
	Kind    FrameKind
	Payload string
}

// Emitter delivers frames to the interactive client, in order.
type Emitter func(frame StreamFrame) error

// LogStream selects which captured stream to read from a finished container.
type LogStream int

const (
	LogStdout LogStream = iota
	LogStderr
)

// ContainerSpec describes one sandboxed process.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Workspace   string // host directory bound to WorkDir
	WorkDir     string
	MemoryBytes int64
	NanoCPUs    int64
	Interactive bool
}

// ContainerRuntime defines the contract the execution engine requires of the container engine.
// Implementations of this interface handle the low-level container lifecycle management.
type ContainerRuntime interface {
	// Create creates and starts a detached container, returning its handle.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Attach returns a duplex stream bound to the container's stdin and terminal output.
	Attach(ctx context.Context, id string) (io.ReadWriteCloser, error)

	// Wait blocks until the container exits or timeout elapses, in which case ErrWaitTimeout is returned.
	Wait(ctx context.Context, id string, timeout time.Duration) (int64, error)

	// Logs returns the captured output of the selected stream.
	Logs(ctx context.Context, id string, stream LogStream) ([]byte, error)

	// Stop stops the container, killing it after grace.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes the container.
	Remove(ctx context.Context, id string, force bool) error
}

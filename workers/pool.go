// Package workers runs action proving tasks, either on goroutines inside the
// host process or on separate worker processes that speak the transport over
// stdin/stdout.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
)

// MethodBuildAction is the worker method that proves one action.
const MethodBuildAction = "build.action"

// Task is one action proving job. It carries everything the worker needs and
// nothing else: no spend authority, no access to host state.
type Task struct {
	Index      int                     `cbor:"1,keyasint"`
	Plan       *prover.TransactionPlan `cbor:"2,keyasint"`
	Witness    *prover.WitnessData     `cbor:"3,keyasint"`
	ViewingKey prover.FullViewingKey   `cbor:"4,keyasint,omitempty"`
}

// Status is the lifecycle state of a task handle.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Handle tracks one submitted task. Only the goroutine running the task
// changes it; everyone else reads.
type Handle struct {
	index  int
	status atomic.Int32
	done   chan struct{}
	action *prover.Action
	err    error
}

func newHandle(index int) *Handle {
	return &Handle{index: index, done: make(chan struct{})}
}

// Index returns the action index of the task.
func (h *Handle) Index() int {
	return h.index
}

// Status returns the current state.
func (h *Handle) Status() Status {
	return Status(h.status.Load())
}

// Done is closed when the task has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() (*prover.Action, error) {
	return h.action, h.err
}

// Wait blocks until the task finishes or ctx ends. Ending ctx only stops the wait.
func (h *Handle) Wait(ctx context.Context) (*prover.Action, error) {
	select {
	case <-h.done:
		return h.action, h.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (h *Handle) start() {
	h.status.Store(int32(StatusRunning))
}

func (h *Handle) finish(action *prover.Action, err error) {
	h.action, h.err = action, err
	if err != nil {
		h.status.Store(int32(StatusFailed))
	} else {
		h.status.Store(int32(StatusDone))
	}
	close(h.done)
}

// Pool runs tasks. A task whose context is done before a worker picks it up
// never starts.
type Pool interface {
	Submit(ctx context.Context, task Task) *Handle
	Close() error
}

// ErrPoolClosed is returned for tasks submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerErrorType classifies worker failures.
type WorkerErrorType int

const (
	WorkerErrorSpawn WorkerErrorType = iota
	WorkerErrorHandshake
	WorkerErrorDied
)

// WorkerError reports a failure of a worker process rather than of the task it ran.
type WorkerError struct {
	Type    WorkerErrorType
	Worker  int
	Message string
	Err     error
}

func (e *WorkerError) Error() string {
	switch e.Type {
	case WorkerErrorSpawn:
		return fmt.Sprintf("failed to start worker %d: %v", e.Worker, e.Err)
	case WorkerErrorHandshake:
		return fmt.Sprintf("worker %d handshake failed: %v", e.Worker, e.Err)
	case WorkerErrorDied:
		return fmt.Sprintf("worker %d died: %s", e.Worker, e.Message)
	default:
		return fmt.Sprintf("worker %d: %s", e.Worker, e.Message)
	}
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Code implements envelope.Coder.
func (e *WorkerError) Code() envelope.Code {
	return envelope.CodeUnavailable
}

type poolOptions struct {
	logger *zap.Logger
}

// PoolOption configures a pool.
type PoolOption func(*poolOptions)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = logger }
}

func buildOptions(opts []PoolOption) poolOptions {
	o := poolOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Package build turns a transaction plan into a proved transaction. Each
// action is proved as an independent task on a worker pool while the plan is
// authorized concurrently; the transaction is assembled once every action and
// the authorization data are in hand.
package build

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/workers"
)

// Engine is the part of the proving engine the orchestrator runs itself.
type Engine interface {
	prover.Witnesser
	prover.Assembler
}

// AuthorizeFunc produces the authorization data for the plan being built.
type AuthorizeFunc func(ctx context.Context) (*prover.AuthorizationData, error)

// Request is one build.
type Request struct {
	Plan *prover.TransactionPlan
	// Witness is computed from the plan when nil.
	Witness    *prover.WitnessData
	ViewingKey prover.FullViewingKey
	Authorize  AuthorizeFunc
}

// BuildErrorType says which stage of a build failed.
type BuildErrorType int

const (
	BuildErrorInvalid BuildErrorType = iota
	BuildErrorWitness
	BuildErrorAction
	BuildErrorAuthorization
	BuildErrorAggregation
)

// BuildError is returned by Build. Err is the underlying cause.
type BuildError struct {
	Type  BuildErrorType
	Index int
	Err   error
}

func (e *BuildError) Error() string {
	switch e.Type {
	case BuildErrorInvalid:
		return fmt.Sprintf("invalid build request: %v", e.Err)
	case BuildErrorWitness:
		return fmt.Sprintf("witness failed: %v", e.Err)
	case BuildErrorAction:
		return fmt.Sprintf("action %d failed: %v", e.Index, e.Err)
	case BuildErrorAuthorization:
		return fmt.Sprintf("authorization failed: %v", e.Err)
	case BuildErrorAggregation:
		return fmt.Sprintf("aggregation failed: %v", e.Err)
	default:
		return fmt.Sprintf("build failed: %v", e.Err)
	}
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Code implements envelope.Coder. Stage failures keep the code of their cause.
func (e *BuildError) Code() envelope.Code {
	switch e.Type {
	case BuildErrorInvalid:
		return envelope.CodeInvalidArgument
	case BuildErrorAggregation:
		return envelope.CodeInternal
	default:
		return envelope.CodeOf(e.Err)
	}
}

// Orchestrator runs builds on a pool.
type Orchestrator struct {
	pool   workers.Pool
	engine Engine
	logger *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator that proves actions on pool and witnesses and
// assembles with engine.
func New(pool workers.Pool, engine Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{pool: pool, engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type settled struct {
	index  int
	action *prover.Action
	err    error
}

type authResult struct {
	data *prover.AuthorizationData
	err  error
}

// Build proves every action of req.Plan and assembles the transaction.
//
// onProgress, when set, is called from the calling goroutine with
// completed/(N+1) after each proved action and with 1 after assembly. The
// first failure cancels everything still running and no further progress is
// reported. An authorization failure takes precedence over action failures.
func (o *Orchestrator) Build(ctx context.Context, req Request, onProgress func(float64)) (*prover.Transaction, error) {
	if req.Plan == nil {
		return nil, &BuildError{Type: BuildErrorInvalid, Err: errors.New("no plan included in request")}
	}
	if req.Authorize == nil {
		return nil, &BuildError{Type: BuildErrorInvalid, Err: errors.New("no authorization source")}
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	plan := req.Plan
	n := len(plan.Actions)
	logger := o.logger.With(zap.Int("actions", n))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	witness := req.Witness
	if witness == nil {
		var err error
		if witness, err = o.engine.Witness(ctx, plan); err != nil {
			return nil, &BuildError{Type: BuildErrorWitness, Err: err}
		}
	}

	authDone := make(chan authResult, 1)
	go func() {
		data, err := req.Authorize(ctx)
		if err != nil {
			cancel(&BuildError{Type: BuildErrorAuthorization, Err: err})
		}
		authDone <- authResult{data, err}
	}()

	results := make(chan settled, n)
	dispatched := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		h := o.pool.Submit(ctx, workers.Task{Index: i, Plan: plan, Witness: witness, ViewingKey: req.ViewingKey})
		dispatched++
		go func(i int, h *workers.Handle) {
			select {
			case <-h.Done():
				action, err := h.Result()
				results <- settled{i, action, err}
			case <-ctx.Done():
				// A worker that ignores cancellation is not waited for.
				results <- settled{index: i, err: context.Cause(ctx)}
			}
		}(i, h)
	}

	actions := make([]*prover.Action, n)
	completed := 0
	for received := 0; received < dispatched; received++ {
		r := <-results
		if r.err != nil {
			cancel(&BuildError{Type: BuildErrorAction, Index: r.index, Err: r.err})
			return nil, o.failure(ctx, authDone, logger)
		}
		actions[r.index] = r.action
		completed++
		onProgress(float64(completed) / float64(n+1))
	}
	if ctx.Err() != nil {
		return nil, o.failure(ctx, authDone, logger)
	}

	var auth authResult
	select {
	case auth = <-authDone:
	case <-ctx.Done():
		return nil, o.failure(ctx, authDone, logger)
	}
	if auth.err != nil {
		return nil, o.failure(ctx, authDone, logger)
	}

	if auth.data == nil {
		return nil, &BuildError{Type: BuildErrorAggregation, Err: errors.New("authorization data missing")}
	}
	for i, a := range actions {
		if a == nil {
			return nil, &BuildError{Type: BuildErrorAggregation, Index: i, Err: fmt.Errorf("action %d missing", i)}
		}
	}
	tx, err := o.engine.BuildTransaction(ctx, plan, witness, actions, auth.data)
	if err != nil {
		return nil, &BuildError{Type: BuildErrorAggregation, Err: err}
	}
	onProgress(1)
	logger.Debug("build complete")
	return tx, nil
}

// failure picks the error a failed build reports: the first recorded cause,
// unless authorization has already failed on its own account.
func (o *Orchestrator) failure(ctx context.Context, authDone <-chan authResult, logger *zap.Logger) error {
	cause := context.Cause(ctx)
	select {
	case auth := <-authDone:
		if auth.err != nil && !isCancellation(auth.err) {
			cause = &BuildError{Type: BuildErrorAuthorization, Err: auth.err}
		}
	default:
	}
	logger.Debug("build failed", zap.Error(cause))
	return cause
}

func isCancellation(err error) bool {
	var be *BuildError
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &be)
}

// Package custody is the authorization gate: the only path from a transaction
// plan to spend authority. A plan is checked locally, shown to the user, and
// signed only after approval; the signatures are checked before they leave.
package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
)

// Choice is the user's answer to an approval prompt.
type Choice int

const (
	ChoiceDenied Choice = iota
	ChoiceApproved
)

func (c Choice) String() string {
	if c == ChoiceApproved {
		return "approved"
	}
	return "denied"
}

// Approver asks the user about a plan. It is called once per authorization
// and its answer is never reused.
type Approver interface {
	Approve(ctx context.Context, plan *prover.TransactionPlan) (Choice, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, plan *prover.TransactionPlan) (Choice, error)

func (f ApproverFunc) Approve(ctx context.Context, plan *prover.TransactionPlan) (Choice, error) {
	return f(ctx, plan)
}

// Keys holds the wallet's spend authority.
type Keys interface {
	// LoggedIn reports whether the wallet is unlocked.
	LoggedIn(ctx context.Context) (bool, error)
	SpendKey(ctx context.Context) (prover.SpendKey, error)
}

// AddressBook resolves addresses owned by the wallet.
type AddressBook interface {
	IndexByAddress(ctx context.Context, addr prover.Address) (index uint32, ok bool, err error)
}

// GateErrorType distinguishes the normal refusals of the gate.
type GateErrorType int

const (
	GateErrorInvalidPlan GateErrorType = iota
	GateErrorNeedsLogin
	GateErrorDenied
)

// GateError is a refusal: the plan was rejected, the wallet is locked or the
// user said no. None of these is a fault.
type GateError struct {
	Type    GateErrorType
	Message string
}

func (e *GateError) Error() string {
	switch e.Type {
	case GateErrorNeedsLogin:
		return "user must login to extension"
	case GateErrorDenied:
		return "transaction was not approved"
	default:
		return fmt.Sprintf("invalid plan: %s", e.Message)
	}
}

func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	return ok && t.Type == e.Type
}

// Code implements envelope.Coder.
func (e *GateError) Code() envelope.Code {
	switch e.Type {
	case GateErrorNeedsLogin:
		return envelope.CodeUnauthenticated
	case GateErrorDenied:
		return envelope.CodePermissionDenied
	default:
		return envelope.CodeInvalidArgument
	}
}

var (
	ErrNeedsLogin  = &GateError{Type: GateErrorNeedsLogin}
	ErrDenied      = &GateError{Type: GateErrorDenied}
	ErrInvalidPlan = &GateError{Type: GateErrorInvalidPlan}
)

func invalidPlan(format string, args ...any) *GateError {
	return &GateError{Type: GateErrorInvalidPlan, Message: fmt.Sprintf(format, args...)}
}

// FaultError reports authorization data that must never have been produced:
// a zero effect hash, a missing or zero signature. It is a bug, not a refusal.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string {
	return "authorization fault: " + e.Message
}

// Code implements envelope.Coder.
func (e *FaultError) Code() envelope.Code {
	return envelope.CodeInternal
}

// Gate authorizes plans.
type Gate struct {
	approver   Approver
	keys       Keys
	addresses  AddressBook
	authorizer prover.Authorizer
	logger     *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a gate.
func NewGate(approver Approver, keys Keys, addresses AddressBook, authorizer prover.Authorizer, opts ...Option) *Gate {
	g := &Gate{
		approver:   approver,
		keys:       keys,
		addresses:  addresses,
		authorizer: authorizer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize runs the pre-checks, asks the approver, signs and checks the
// signatures. The spend key is read only after approval.
func (g *Gate) Authorize(ctx context.Context, plan *prover.TransactionPlan) (*prover.AuthorizationData, error) {
	if err := g.Check(ctx, plan); err != nil {
		return nil, err
	}

	loggedIn, err := g.keys.LoggedIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("read login state: %w", err)
	}
	if !loggedIn {
		return nil, ErrNeedsLogin
	}

	choice, err := g.approver.Approve(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	if choice != ChoiceApproved {
		g.logger.Info("transaction denied", zap.Int("actions", len(plan.Actions)))
		return nil, ErrDenied
	}

	key, err := g.keys.SpendKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spend key: %w", err)
	}
	data, err := g.authorizer.Authorize(ctx, key, plan)
	if err != nil {
		return nil, fmt.Errorf("sign plan: %w", err)
	}
	if err := CheckAuthorization(plan, data); err != nil {
		g.logger.Error("authorization fault", zap.Error(err))
		return nil, err
	}
	return data, nil
}

// Check runs the local pre-checks on a plan. It never prompts.
func (g *Gate) Check(ctx context.Context, plan *prover.TransactionPlan) error {
	if plan == nil {
		return invalidPlan("no plan included in request")
	}
	if len(plan.Actions) == 0 {
		return invalidPlan("plan has no actions")
	}
	for i, a := range plan.Actions {
		switch a.Kind() {
		case prover.ActionUnknown:
			return invalidPlan("action %d has no single variant", i)
		case prover.ActionSwap:
			if a.Swap.Pair.Asset1 == a.Swap.Pair.Asset2 {
				return invalidPlan("action %d swaps an asset for itself", i)
			}
			if err := g.owned(ctx, i, "swap claim address", a.Swap.ClaimAddress); err != nil {
				return err
			}
		case prover.ActionSwapClaim:
			if err := g.owned(ctx, i, "swap claim address", a.SwapClaim.ClaimAddress); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gate) owned(ctx context.Context, i int, what string, addr prover.Address) error {
	_, ok, err := g.addresses.IndexByAddress(ctx, addr)
	if err != nil {
		return fmt.Errorf("resolve %s of action %d: %w", what, i, err)
	}
	if !ok {
		return invalidPlan("action %d: %s %s is not controlled by this wallet", i, what, addr)
	}
	return nil
}

// CheckAuthorization verifies that data can authorize plan: a non-zero effect
// hash and exactly one non-zero signature per action needing one.
func CheckAuthorization(plan *prover.TransactionPlan, data *prover.AuthorizationData) error {
	if data == nil {
		return &FaultError{Message: "no authorization data"}
	}
	if isZero(data.EffectHash) {
		return &FaultError{Message: "effect hash is zero"}
	}
	collections := []struct {
		name string
		kind prover.ActionKind
		sigs [][]byte
	}{
		{"spend", prover.ActionSpend, data.SpendAuths},
		{"delegator vote", prover.ActionDelegatorVote, data.DelegatorVoteAuths},
		{"validator vote", prover.ActionValidatorVote, data.ValidatorVoteAuths},
	}
	for _, c := range collections {
		if want := plan.Count(c.kind); len(c.sigs) != want {
			return &FaultError{Message: fmt.Sprintf("%d %s signatures for %d actions", len(c.sigs), c.name, want)}
		}
		for i, sig := range c.sigs {
			if isZero(sig) {
				return &FaultError{Message: fmt.Sprintf("%s signature %d is zero", c.name, i)}
			}
		}
	}
	return nil
}

func isZero(b []byte) bool {
	return len(b) == 0 || bytes.Count(b, []byte{0}) == len(b)
}

// IsRefusal reports whether err is a normal refusal rather than a failure.
func IsRefusal(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

package prover

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/machinefabric/shieldwire-go/envelope"
)

var (
	// ErrIndexOutOfRange is returned for an action index outside the plan.
	ErrIndexOutOfRange = errors.New("action index out of range")
	// ErrInvalidAction is returned for an action plan with no or several variants set.
	ErrInvalidAction = errors.New("invalid action plan")
	// ErrAssembly is returned when actions or authorization do not fit the plan.
	ErrAssembly = errors.New("cannot assemble transaction")
	// ErrNoSpendKey is returned when signing is attempted without a key.
	ErrNoSpendKey = errors.New("missing spend key")
)

// DigestEngine is a deterministic engine whose proofs and signatures are
// SHA-256 digests over their inputs. It exercises the full pipeline without a
// proving backend; ProofDelay simulates proving cost and honours cancellation.
type DigestEngine struct {
	ProofDelay time.Duration
}

var _ Engine = (*DigestEngine)(nil)

func digest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(p)))
		h.Write(l[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (e *DigestEngine) Witness(ctx context.Context, plan *TransactionPlan) (*WitnessData, error) {
	planDigest, err := plan.Digest()
	if err != nil {
		return nil, err
	}
	anchor := digest([]byte("anchor"), planDigest)
	w := &WitnessData{Anchor: anchor}
	for _, a := range plan.Actions {
		switch {
		case a.Spend != nil:
			w.AuthPaths = append(w.AuthPaths, digest(anchor, u64(a.Spend.Position)))
		case a.SwapClaim != nil:
			w.AuthPaths = append(w.AuthPaths, digest(anchor, u64(a.SwapClaim.Position)))
		}
	}
	return w, ctx.Err()
}

func (e *DigestEngine) BuildAction(ctx context.Context, plan *TransactionPlan, witness *WitnessData, fvk FullViewingKey, index int) (*Action, error) {
	if index < 0 || index >= len(plan.Actions) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(plan.Actions))
	}
	ap := plan.Actions[index]
	kind := ap.Kind()
	if kind == ActionUnknown {
		return nil, fmt.Errorf("%w at index %d", ErrInvalidAction, index)
	}
	if witness == nil {
		return nil, fmt.Errorf("%w: missing witness", ErrAssembly)
	}
	if e.ProofDelay > 0 {
		timer := time.NewTimer(e.ProofDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
	body, err := envelope.Marshal(ap)
	if err != nil {
		return nil, err
	}
	return &Action{
		Kind:  kind,
		Body:  body,
		Proof: digest([]byte("proof"), fvk, witness.Anchor, body, u64(uint64(index))),
	}, nil
}

func (e *DigestEngine) Authorize(ctx context.Context, key SpendKey, plan *TransactionPlan) (*AuthorizationData, error) {
	if len(key) == 0 {
		return nil, ErrNoSpendKey
	}
	effectHash, err := plan.Digest()
	if err != nil {
		return nil, err
	}
	auth := &AuthorizationData{EffectHash: effectHash}
	for i, a := range plan.Actions {
		sig := digest([]byte("sig"), key, effectHash, u64(uint64(i)))
		switch a.Kind() {
		case ActionSpend:
			auth.SpendAuths = append(auth.SpendAuths, sig)
		case ActionDelegatorVote:
			auth.DelegatorVoteAuths = append(auth.DelegatorVoteAuths, sig)
		case ActionValidatorVote:
			auth.ValidatorVoteAuths = append(auth.ValidatorVoteAuths, sig)
		}
	}
	return auth, ctx.Err()
}

func (e *DigestEngine) BuildTransaction(ctx context.Context, plan *TransactionPlan, witness *WitnessData, actions []*Action, auth *AuthorizationData) (*Transaction, error) {
	if len(actions) != len(plan.Actions) {
		return nil, fmt.Errorf("%w: %d actions for a plan of %d", ErrAssembly, len(actions), len(plan.Actions))
	}
	if auth == nil || witness == nil {
		return nil, fmt.Errorf("%w: missing authorization or witness", ErrAssembly)
	}
	effectHash, err := plan.Digest()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(effectHash, auth.EffectHash) {
		return nil, fmt.Errorf("%w: authorization is for a different plan", ErrAssembly)
	}

	tx := &Transaction{
		ChainID:      plan.ChainID,
		ExpiryHeight: plan.ExpiryHeight,
		Fee:          plan.Fee,
		Memo:         plan.Memo,
		Anchor:       witness.Anchor,
		Auth:         auth,
	}
	binding := [][]byte{[]byte("binding"), effectHash}
	for i, a := range actions {
		if a == nil {
			return nil, fmt.Errorf("%w: action %d missing", ErrAssembly, i)
		}
		if a.Kind != plan.Actions[i].Kind() {
			return nil, fmt.Errorf("%w: action %d is %s, plan has %s", ErrAssembly, i, a.Kind, plan.Actions[i].Kind())
		}
		tx.Actions = append(tx.Actions, *a)
		binding = append(binding, a.Proof)
	}
	tx.BindingSig = digest(binding...)
	return tx, ctx.Err()
}

// ViewingKey derives the full viewing key of key.
func (e *DigestEngine) ViewingKey(key SpendKey) FullViewingKey {
	return digest([]byte("fvk"), key)
}

// Address derives the payment address at index for fvk.
func (e *DigestEngine) Address(fvk FullViewingKey, index uint32) Address {
	var addr Address
	copy(addr[:], digest([]byte("address"), fvk, u64(uint64(index))))
	return addr
}

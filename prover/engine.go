package prover

import "context"

// Witnesser produces the witness data a plan's proofs are anchored to.
type Witnesser interface {
	Witness(ctx context.Context, plan *TransactionPlan) (*WitnessData, error)
}

// ActionBuilder proves one action of a plan. It is the expensive step and is
// the only one run on workers; it never sees spend authority.
type ActionBuilder interface {
	BuildAction(ctx context.Context, plan *TransactionPlan, witness *WitnessData, fvk FullViewingKey, index int) (*Action, error)
}

// Authorizer signs a plan with the spend key.
type Authorizer interface {
	Authorize(ctx context.Context, key SpendKey, plan *TransactionPlan) (*AuthorizationData, error)
}

// Assembler combines proven actions and authorization into a transaction.
type Assembler interface {
	BuildTransaction(ctx context.Context, plan *TransactionPlan, witness *WitnessData, actions []*Action, auth *AuthorizationData) (*Transaction, error)
}

// Engine is the complete proving engine.
type Engine interface {
	Witnesser
	ActionBuilder
	Authorizer
	Assembler
}

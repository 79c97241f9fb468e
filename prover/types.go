// Package prover defines the transaction planning types exchanged with the
// proving engine and the engine's contract.
package prover

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// AssetID identifies an asset.
type AssetID [32]byte

// Address is a shielded payment address.
type Address [32]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:8])
}

// SpendKey authorizes spends. It is released only by the custody gate.
type SpendKey []byte

// FullViewingKey lets the holder build proofs without spend authority.
type FullViewingKey []byte

// ActionKind names the variant of an ActionPlan.
type ActionKind uint8

const (
	ActionUnknown ActionKind = iota
	ActionSpend
	ActionOutput
	ActionSwap
	ActionSwapClaim
	ActionDelegatorVote
	ActionValidatorVote
)

func (k ActionKind) String() string {
	switch k {
	case ActionSpend:
		return "spend"
	case ActionOutput:
		return "output"
	case ActionSwap:
		return "swap"
	case ActionSwapClaim:
		return "swap_claim"
	case ActionDelegatorVote:
		return "delegator_vote"
	case ActionValidatorVote:
		return "validator_vote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Value is an amount of one asset.
type Value struct {
	Asset  AssetID `cbor:"1,keyasint"`
	Amount uint64  `cbor:"2,keyasint"`
}

// Note is a spendable output owned by Address.
type Note struct {
	Value   Value   `cbor:"1,keyasint"`
	Address Address `cbor:"2,keyasint"`
	Rseed   []byte  `cbor:"3,keyasint,omitempty"`
}

// TradingPair names the two assets of a swap.
type TradingPair struct {
	Asset1 AssetID `cbor:"1,keyasint"`
	Asset2 AssetID `cbor:"2,keyasint"`
}

// Vote is a governance vote.
type Vote uint8

const (
	VoteAbstain Vote = iota
	VoteYes
	VoteNo
)

type SpendPlan struct {
	Note       Note   `cbor:"1,keyasint"`
	Position   uint64 `cbor:"2,keyasint"`
	Randomizer []byte `cbor:"3,keyasint,omitempty"`
}

type OutputPlan struct {
	Value Value   `cbor:"1,keyasint"`
	Dest  Address `cbor:"2,keyasint"`
}

type SwapPlan struct {
	Pair         TradingPair `cbor:"1,keyasint"`
	Delta1       uint64      `cbor:"2,keyasint"`
	Delta2       uint64      `cbor:"3,keyasint"`
	ClaimFee     Value       `cbor:"4,keyasint"`
	ClaimAddress Address     `cbor:"5,keyasint"`
}

type SwapClaimPlan struct {
	Pair         TradingPair `cbor:"1,keyasint"`
	ClaimAddress Address     `cbor:"2,keyasint"`
	Position     uint64      `cbor:"3,keyasint"`
}

type DelegatorVotePlan struct {
	Proposal uint64 `cbor:"1,keyasint"`
	Vote     Vote   `cbor:"2,keyasint"`
	Note     Note   `cbor:"3,keyasint"`
	Position uint64 `cbor:"4,keyasint"`
}

type ValidatorVotePlan struct {
	Proposal  uint64 `cbor:"1,keyasint"`
	Vote      Vote   `cbor:"2,keyasint"`
	Validator []byte `cbor:"3,keyasint"`
}

// ActionPlan describes one action of a transaction. Exactly one field is set.
type ActionPlan struct {
	Spend         *SpendPlan         `cbor:"1,keyasint,omitempty"`
	Output        *OutputPlan        `cbor:"2,keyasint,omitempty"`
	Swap          *SwapPlan          `cbor:"3,keyasint,omitempty"`
	SwapClaim     *SwapClaimPlan     `cbor:"4,keyasint,omitempty"`
	DelegatorVote *DelegatorVotePlan `cbor:"5,keyasint,omitempty"`
	ValidatorVote *ValidatorVotePlan `cbor:"6,keyasint,omitempty"`
}

// Kind reports which variant is set, or ActionUnknown when none or several are.
func (p ActionPlan) Kind() ActionKind {
	kind, set := ActionUnknown, 0
	if p.Spend != nil {
		kind, set = ActionSpend, set+1
	}
	if p.Output != nil {
		kind, set = ActionOutput, set+1
	}
	if p.Swap != nil {
		kind, set = ActionSwap, set+1
	}
	if p.SwapClaim != nil {
		kind, set = ActionSwapClaim, set+1
	}
	if p.DelegatorVote != nil {
		kind, set = ActionDelegatorVote, set+1
	}
	if p.ValidatorVote != nil {
		kind, set = ActionValidatorVote, set+1
	}
	if set != 1 {
		return ActionUnknown
	}
	return kind
}

// TransactionPlan is the full description of a transaction before proving.
type TransactionPlan struct {
	Actions      []ActionPlan `cbor:"1,keyasint"`
	ChainID      string       `cbor:"2,keyasint"`
	ExpiryHeight uint64       `cbor:"3,keyasint,omitempty"`
	Fee          Value        `cbor:"4,keyasint"`
	Memo         []byte       `cbor:"5,keyasint,omitempty"`
}

// Count returns the number of actions of kind.
func (p *TransactionPlan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind() == kind {
			n++
		}
	}
	return n
}

// Digest hashes the canonical encoding of the plan.
func (p *TransactionPlan) Digest() ([]byte, error) {
	data, err := envelope.Marshal(p)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// WitnessData anchors spends to a state commitment tree root.
type WitnessData struct {
	Anchor    []byte   `cbor:"1,keyasint"`
	AuthPaths [][]byte `cbor:"2,keyasint,omitempty"`
}

// Action is one proven action.
type Action struct {
	Kind  ActionKind `cbor:"1,keyasint"`
	Body  []byte     `cbor:"2,keyasint"`
	Proof []byte     `cbor:"3,keyasint"`
}

// AuthorizationData carries the effect hash and the signatures for every
// action that needs spend authority.
type AuthorizationData struct {
	EffectHash         []byte   `cbor:"1,keyasint"`
	SpendAuths         [][]byte `cbor:"2,keyasint,omitempty"`
	DelegatorVoteAuths [][]byte `cbor:"3,keyasint,omitempty"`
	ValidatorVoteAuths [][]byte `cbor:"4,keyasint,omitempty"`
}

// Transaction is a fully built transaction.
type Transaction struct {
	Actions      []Action           `cbor:"1,keyasint"`
	ChainID      string             `cbor:"2,keyasint"`
	ExpiryHeight uint64             `cbor:"3,keyasint,omitempty"`
	Fee          Value              `cbor:"4,keyasint"`
	Memo         []byte             `cbor:"5,keyasint,omitempty"`
	Anchor       []byte             `cbor:"6,keyasint"`
	BindingSig   []byte             `cbor:"7,keyasint"`
	Auth         *AuthorizationData `cbor:"8,keyasint"`
}

// ID hashes the canonical encoding of the transaction.
func (tx *Transaction) ID() (string, error) {
	data, err := envelope.Marshal(tx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

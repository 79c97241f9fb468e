// Package shieldwire exposes the wallet's custody and view services over a
// transport, and a typed client for them.
//
// A page never talks to the prover directly. It asks the custody service to
// authorize a plan, or the view service to build one; both run behind the
// session layer that has already admitted the page's origin.
package shieldwire

import (
	"github.com/machinefabric/shieldwire-go/prover"
)

// Service names negotiated as sub-channels.
const (
	CustodyService = "custody.v1.CustodyService"
	ViewService    = "view.v1.ViewService"
)

// Method names within the services.
const (
	MethodAuthorize         = "Authorize"
	MethodAuthorizeAndBuild = "AuthorizeAndBuild"
	MethodWitnessAndBuild   = "WitnessAndBuild"
)

type AuthorizeRequest struct {
	Plan *prover.TransactionPlan `cbor:"1,keyasint"`
}

type AuthorizeResponse struct {
	Data *prover.AuthorizationData `cbor:"1,keyasint"`
}

type AuthorizeAndBuildRequest struct {
	Plan *prover.TransactionPlan `cbor:"1,keyasint"`
}

// WitnessAndBuildRequest builds a plan the caller already holds
// authorization for.
type WitnessAndBuildRequest struct {
	Plan          *prover.TransactionPlan   `cbor:"1,keyasint"`
	Authorization *prover.AuthorizationData `cbor:"2,keyasint"`
}

// BuildEvent is one item of a build stream. Every event but the last
// carries progress only; the last carries the transaction.
type BuildEvent struct {
	Progress    float64             `cbor:"1,keyasint"`
	Transaction *prover.Transaction `cbor:"2,keyasint,omitempty"`
}

package shieldwire

import (
	"context"
	"errors"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/transport"
)

// ErrNoTransaction is returned when a build stream ends without its final event.
var ErrNoTransaction = errors.New("build stream ended without a transaction")

// Client calls the wallet services over an established transport.
type Client struct {
	t *transport.Transport
}

func NewClient(t *transport.Transport) *Client {
	return &Client{t: t}
}

// Authorize asks the custody service to sign plan.
func (c *Client) Authorize(ctx context.Context, plan *prover.TransactionPlan) (*prover.AuthorizationData, error) {
	sub, err := c.t.OpenSubChannel(ctx, CustodyService)
	if err != nil {
		return nil, err
	}
	defer sub.Release()

	resp, err := transport.Invoke[AuthorizeRequest, AuthorizeResponse](ctx, sub.Transport, MethodAuthorize, AuthorizeRequest{Plan: plan})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, envelope.Errorf(envelope.CodeInternal, "empty authorization")
	}
	return resp.Data, nil
}

// AuthorizeAndBuild has the wallet authorize and build plan in one stream.
// onProgress may be nil.
func (c *Client) AuthorizeAndBuild(ctx context.Context, plan *prover.TransactionPlan, onProgress func(float64)) (*prover.Transaction, error) {
	return c.build(ctx, MethodAuthorizeAndBuild, AuthorizeAndBuildRequest{Plan: plan}, onProgress)
}

// WitnessAndBuild builds plan with authorization obtained earlier.
func (c *Client) WitnessAndBuild(ctx context.Context, plan *prover.TransactionPlan, auth *prover.AuthorizationData, onProgress func(float64)) (*prover.Transaction, error) {
	return c.build(ctx, MethodWitnessAndBuild, WitnessAndBuildRequest{Plan: plan, Authorization: auth}, onProgress)
}

func (c *Client) build(ctx context.Context, method string, req any, onProgress func(float64)) (*prover.Transaction, error) {
	sub, err := c.t.OpenSubChannel(ctx, ViewService)
	if err != nil {
		return nil, err
	}
	defer sub.Release()

	var tx *prover.Transaction
	err = transport.InvokeStream(ctx, sub.Transport, method, req, func(ev BuildEvent) error {
		if ev.Transaction != nil {
			tx = ev.Transaction
		}
		if onProgress != nil {
			onProgress(ev.Progress)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrNoTransaction
	}
	return tx, nil
}

package shieldwire

import (
	"context"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/build"
	"github.com/machinefabric/shieldwire-go/custody"
	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/transport"
)

// Wallet serves the custody and view services.
type Wallet struct {
	gate       *custody.Gate
	builder    *build.Orchestrator
	viewingKey prover.FullViewingKey
	logger     *zap.Logger
}

// Option configures a Wallet.
type Option func(*Wallet)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Wallet) { w.logger = logger }
}

// NewWallet ties the custody gate to the build orchestrator. Builds prove
// with fvk; only the gate ever sees the spend key.
func NewWallet(gate *custody.Gate, builder *build.Orchestrator, fvk prover.FullViewingKey, opts ...Option) *Wallet {
	w := &Wallet{gate: gate, builder: builder, viewingKey: fvk, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register adds both services to mux as sub-channel services.
func (w *Wallet) Register(mux *transport.ServeMux) {
	custodySvc := transport.NewServeMux()
	custodySvc.HandleUnary(MethodAuthorize, transport.Unary(w.authorize))
	mux.HandleService(CustodyService, custodySvc)

	viewSvc := transport.NewServeMux()
	viewSvc.HandleStream(MethodAuthorizeAndBuild, transport.Stream(w.authorizeAndBuild))
	viewSvc.HandleStream(MethodWitnessAndBuild, transport.Stream(w.witnessAndBuild))
	mux.HandleService(ViewService, viewSvc)
}

func (w *Wallet) authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	data, err := w.gate.Authorize(ctx, req.Plan)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	return AuthorizeResponse{Data: data}, nil
}

func (w *Wallet) authorizeAndBuild(ctx context.Context, req AuthorizeAndBuildRequest, sw *transport.StreamWriter) error {
	return w.build(ctx, sw, build.Request{
		Plan:       req.Plan,
		ViewingKey: w.viewingKey,
		Authorize: func(ctx context.Context) (*prover.AuthorizationData, error) {
			return w.gate.Authorize(ctx, req.Plan)
		},
	})
}

func (w *Wallet) witnessAndBuild(ctx context.Context, req WitnessAndBuildRequest, sw *transport.StreamWriter) error {
	if req.Plan == nil {
		return envelope.Errorf(envelope.CodeInvalidArgument, "no plan included in request")
	}
	if req.Authorization == nil {
		return envelope.Errorf(envelope.CodeInvalidArgument, "no authorization included in request")
	}
	if err := w.gate.Check(ctx, req.Plan); err != nil {
		return err
	}
	if err := custody.CheckAuthorization(req.Plan, req.Authorization); err != nil {
		return envelope.Errorf(envelope.CodeInvalidArgument, "%v", err)
	}
	auth := req.Authorization
	return w.build(ctx, sw, build.Request{
		Plan:       req.Plan,
		ViewingKey: w.viewingKey,
		Authorize: func(context.Context) (*prover.AuthorizationData, error) {
			return auth, nil
		},
	})
}

func (w *Wallet) build(ctx context.Context, sw *transport.StreamWriter, req build.Request) error {
	tx, err := w.builder.Build(ctx, req, func(progress float64) {
		if progress >= 1 {
			return
		}
		if err := sw.SendValue(BuildEvent{Progress: progress}); err != nil {
			w.logger.Debug("progress dropped", zap.Error(err))
		}
	})
	if err != nil {
		w.logger.Info("build failed", zap.Error(err))
		return err
	}
	return sw.SendValue(BuildEvent{Progress: 1, Transaction: tx})
}

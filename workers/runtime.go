package workers

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
	"github.com/machinefabric/shieldwire-go/portauth"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/transport"
)

// WorkerIdentity is the identity a worker process presents to its host.
func WorkerIdentity() envelope.Identity {
	return envelope.Identity{ProcessID: os.Getpid(), Origin: "walletd://worker"}
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return os.Stdin.Close()
}

// Stdio returns the process's stdin and stdout as one stream.
func Stdio() io.ReadWriteCloser {
	return stdio{Reader: os.Stdin, Writer: os.Stdout}
}

// Handlers returns the worker's method table.
func Handlers(builder prover.ActionBuilder) *transport.ServeMux {
	mux := transport.NewServeMux()
	mux.HandleUnary(MethodBuildAction, transport.Unary(func(ctx context.Context, task Task) (*prover.Action, error) {
		if task.Plan == nil {
			return nil, envelope.Errorf(envelope.CodeInvalidArgument, "task %d has no plan", task.Index)
		}
		return builder.BuildAction(ctx, task.Plan, task.Witness, task.ViewingKey, task.Index)
	}))
	return mux
}

// Serve runs the worker side of the protocol on conn until the host goes away
// or ctx ends.
func Serve(ctx context.Context, conn io.ReadWriteCloser, builder prover.ActionBuilder, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := link.NewStreamLink(conn)
	self := WorkerIdentity()
	peer, err := link.HandshakeAccept(ctx, l, self, envelope.DefaultLimits(), nil)
	if err != nil {
		l.Close()
		return err
	}
	guarded, err := portauth.Guard(l, &self, &peer.Identity)
	if err != nil {
		l.Close()
		return err
	}
	logger.Debug("worker connected", zap.Int("host_pid", peer.Identity.ProcessID))
	mux := link.NewMux(guarded, false, link.WithMuxLogger(logger), link.WithMuxLimits(peer.Limits))
	return transport.NewServer(Handlers(builder), transport.WithServerLogger(logger)).Serve(ctx, mux)
}

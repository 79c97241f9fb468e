package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shieldwire-go/envelope"
)

func serviceMux() *ServeMux {
	root := NewServeMux()
	root.HandleService("echo.v1.EchoService", pingMux())
	return root
}

// TEST080: Consumers of the same service share one child channel until the last release
func Test080_subchannel_refcount(t *testing.T) {
	client, done := servePair(t, serviceMux())
	defer done()
	ctx := context.Background()

	first, err := client.OpenSubChannel(ctx, "echo.v1.EchoService")
	require.NoError(t, err)
	second, err := client.OpenSubChannel(ctx, "echo.v1.EchoService")
	require.NoError(t, err)
	assert.Same(t, first.Transport, second.Transport)
	assert.Equal(t, "echo.v1.EchoService", first.Service())

	first.Release()
	first.Release() // second release of the same handle is a no-op
	reply, err := Invoke[pingArgs, pingReply](ctx, second.Transport, "ping", pingArgs{Text: "still open"})
	require.NoError(t, err)
	assert.Equal(t, "still open", reply.Echo)

	second.Release()
	select {
	case <-second.Done():
	case <-time.After(time.Second):
		t.Fatal("last release must close the child channel")
	}

	third, err := client.OpenSubChannel(ctx, "echo.v1.EchoService")
	require.NoError(t, err)
	defer third.Release()
	assert.NotSame(t, second.Transport, third.Transport)
}

// TEST081: Concurrent first users negotiate the channel once
func Test081_subchannel_concurrent_open(t *testing.T) {
	client, done := servePair(t, serviceMux())
	defer done()

	var wg sync.WaitGroup
	channels := make([]*SubChannel, 8)
	for i := range channels {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := client.OpenSubChannel(context.Background(), "echo.v1.EchoService")
			assert.NoError(t, err)
			channels[i] = sc
		}(i)
	}
	wg.Wait()
	for _, sc := range channels[1:] {
		assert.Same(t, channels[0].Transport, sc.Transport)
	}
	for _, sc := range channels {
		sc.Release()
	}
}

// TEST082: Opening an unknown service fails with not_found
func Test082_subchannel_unknown_service(t *testing.T) {
	client, done := servePair(t, serviceMux())
	defer done()

	_, err := client.OpenSubChannel(context.Background(), "nope.v1.Missing")
	assert.Equal(t, envelope.CodeNotFound, envelope.CodeOf(err))
}

// TEST083: Closing the parent tears down every child channel and rejects their calls
func Test083_parent_close_tears_down_children(t *testing.T) {
	blocked := make(chan struct{})
	svc := NewServeMux()
	svc.HandleUnary("block", func(ctx context.Context, _ []byte) ([]byte, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	root := NewServeMux()
	root.HandleService("block.v1.Service", svc)
	client, done := servePair(t, root)
	defer done()

	sc, err := client.OpenSubChannel(context.Background(), "block.v1.Service")
	require.NoError(t, err)
	f := sc.Go(context.Background(), "block", nil)
	<-blocked

	client.Close()
	_, err = f.Wait()
	assert.ErrorIs(t, err, ErrClosed)
	<-sc.Done()
	sc.Release()
}

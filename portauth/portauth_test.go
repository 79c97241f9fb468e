package portauth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

var (
	page = envelope.Identity{ProcessID: 11, DocumentID: "doc-a", FrameID: 0, Origin: "https://dapp.example", URL: "https://dapp.example/app"}
	host = envelope.Identity{Origin: "walletd://local", URL: "walletd://local/"}
)

// TEST050: Identical identities match; any single differing field is reported by name
func Test050_assert_matching_fields(t *testing.T) {
	require.NoError(t, AssertMatching(&page, &page))

	mutations := map[string]func(*envelope.Identity){
		"process":  func(id *envelope.Identity) { id.ProcessID = 12 },
		"document": func(id *envelope.Identity) { id.DocumentID = "doc-b" },
		"frame":    func(id *envelope.Identity) { id.FrameID = 3 },
		"origin":   func(id *envelope.Identity) { id.Origin = "https://evil.example" },
		"url":      func(id *envelope.Identity) { id.URL = "https://dapp.example/other" },
	}
	for field, mutate := range mutations {
		other := page
		mutate(&other)
		var mismatch *MismatchError
		err := AssertMatching(&page, &other)
		require.True(t, errors.As(err, &mismatch), field)
		assert.Equal(t, field, mismatch.Field)
		assert.Equal(t, envelope.CodePermissionDenied, envelope.CodeOf(err))
	}
}

// TEST051: Missing identity on either side is a precondition failure, not a mismatch
func Test051_missing_identity(t *testing.T) {
	assert.ErrorIs(t, AssertMatching(nil, &page), ErrMissingIdentity)
	assert.ErrorIs(t, AssertMatching(&page, nil), ErrMissingIdentity)
	assert.ErrorIs(t, AssertMatching(&page, &envelope.Identity{}), ErrMissingIdentity)

	a, _ := link.Pipe()
	_, err := Guard(a, &host, nil)
	assert.ErrorIs(t, err, ErrMissingIdentity)
	_, err = Guard(a, &envelope.Identity{}, &page)
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

// TEST052: Guarded links stamp the local identity and pass matching envelopes through
func Test052_guard_passes_matching(t *testing.T) {
	a, b := link.Pipe()
	pageSide, err := Guard(a, &page, &host)
	require.NoError(t, err)
	hostSide, err := Guard(b, &host, &page)
	require.NoError(t, err)

	require.NoError(t, pageSide.Send(envelope.NewRequest("r1", "ping", nil)))
	env, err := hostSide.Recv()
	require.NoError(t, err)
	assert.Equal(t, page, *env.Sender)

	require.NoError(t, hostSide.Send(envelope.NewResponse("r1", nil)))
	env, err = pageSide.Recv()
	require.NoError(t, err)
	assert.Equal(t, host, *env.Sender)
}

// TEST053: A mismatching sender closes the channel immediately and the error sticks
func Test053_guard_closes_on_mismatch(t *testing.T) {
	a, b := link.Pipe()
	hostSide, err := Guard(b, &host, &page)
	require.NoError(t, err)

	forged := page
	forged.Origin = "https://evil.example"
	req := envelope.NewRequest("r1", "ping", nil)
	req.Sender = &forged
	require.NoError(t, a.Send(req))

	_, err = hostSide.Recv()
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "origin", mismatch.Field)

	<-a.Done()
	_, err = hostSide.Recv()
	assert.True(t, errors.As(err, &mismatch), "later reads keep reporting the violation")
	assert.ErrorIs(t, a.Send(envelope.NewAbort("r1")), link.ErrClosed)
}

// TEST054: An inbound envelope without a sender is fatal to the channel
func Test054_guard_rejects_anonymous(t *testing.T) {
	a, b := link.Pipe()
	hostSide, err := Guard(b, &host, &page)
	require.NoError(t, err)

	require.NoError(t, a.Send(envelope.NewAbort("r1")))
	_, err = hostSide.Recv()
	assert.ErrorIs(t, err, ErrMissingIdentity)
	<-hostSide.Done()
}

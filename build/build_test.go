package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/workers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func threeActionPlan() *prover.TransactionPlan {
	return &prover.TransactionPlan{
		ChainID: "test-chain",
		Actions: []prover.ActionPlan{
			{Spend: &prover.SpendPlan{Note: prover.Note{Value: prover.Value{Amount: 50}}, Position: 1}},
			{Output: &prover.OutputPlan{Value: prover.Value{Amount: 40}}},
			{Output: &prover.OutputPlan{Value: prover.Value{Amount: 10}}},
		},
	}
}

func engineAuth(plan *prover.TransactionPlan) AuthorizeFunc {
	return func(ctx context.Context) (*prover.AuthorizationData, error) {
		return (&prover.DigestEngine{}).Authorize(ctx, prover.SpendKey("sk"), plan)
	}
}

// scriptedBuilder fails or blocks on chosen indexes and otherwise delegates to the digest engine.
type scriptedBuilder struct {
	fail  map[int]error
	block map[int]bool
	inner prover.DigestEngine

	mu      sync.Mutex
	started []int
}

func (b *scriptedBuilder) BuildAction(ctx context.Context, plan *prover.TransactionPlan, witness *prover.WitnessData, fvk prover.FullViewingKey, index int) (*prover.Action, error) {
	b.mu.Lock()
	b.started = append(b.started, index)
	b.mu.Unlock()
	if err := b.fail[index]; err != nil {
		return nil, err
	}
	if b.block[index] {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	return b.inner.BuildAction(ctx, plan, witness, fvk, index)
}

func (b *scriptedBuilder) startedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

type progressLog struct {
	values []float64
}

func (p *progressLog) record(v float64) {
	p.values = append(p.values, v)
}

// TEST110: A three action build reports quarter steps and then completion after assembly
func Test110_progress_sequence(t *testing.T) {
	pool := workers.NewLocalPool(&prover.DigestEngine{}, 1)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})
	plan := threeActionPlan()

	var progress progressLog
	tx, err := orch.Build(context.Background(), Request{Plan: plan, ViewingKey: prover.FullViewingKey("fvk"), Authorize: engineAuth(plan)}, progress.record)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Len(t, tx.Actions, 3)
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1.0}, progress.values)
}

// TEST111: Progress is non-decreasing with many actions proved in parallel
func Test111_progress_monotonic_parallel(t *testing.T) {
	pool := workers.NewLocalPool(&prover.DigestEngine{ProofDelay: time.Millisecond}, 4)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})
	plan := &prover.TransactionPlan{ChainID: "test-chain"}
	for i := 0; i < 12; i++ {
		plan.Actions = append(plan.Actions, prover.ActionPlan{Output: &prover.OutputPlan{Value: prover.Value{Amount: uint64(i)}}})
	}

	var progress progressLog
	_, err := orch.Build(context.Background(), Request{Plan: plan, Authorize: engineAuth(plan)}, progress.record)
	require.NoError(t, err)
	require.Len(t, progress.values, 13)
	for i := 1; i < len(progress.values); i++ {
		assert.GreaterOrEqual(t, progress.values[i], progress.values[i-1])
	}
	assert.Equal(t, 1.0, progress.values[12])
	assert.InDelta(t, 12.0/13.0, progress.values[11], 1e-9)
}

// TEST112: A failed action fails the build with that action's error and no completion progress
func Test112_action_failure(t *testing.T) {
	boom := errors.New("proof failed")
	builder := &scriptedBuilder{fail: map[int]error{1: boom}}
	pool := workers.NewLocalPool(builder, 1)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})
	plan := threeActionPlan()

	var progress progressLog
	_, err := orch.Build(context.Background(), Request{Plan: plan, Authorize: engineAuth(plan)}, progress.record)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, BuildErrorAction, be.Type)
	assert.Equal(t, 1, be.Index)
	for _, v := range progress.values {
		assert.Less(t, v, 0.75)
	}
}

// TEST113: Authorization failure wins over the cancellation errors of running actions
func Test113_authorization_precedence(t *testing.T) {
	denied := envelope.Errorf(envelope.CodePermissionDenied, "transaction was not approved")
	builder := &scriptedBuilder{block: map[int]bool{0: true, 1: true, 2: true}}
	pool := workers.NewLocalPool(builder, 3)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})

	authorize := func(ctx context.Context) (*prover.AuthorizationData, error) {
		for builder.startedCount() < 3 {
			time.Sleep(time.Millisecond)
		}
		return nil, denied
	}
	_, err := orch.Build(context.Background(), Request{Plan: threeActionPlan(), Authorize: authorize}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, envelope.CodePermissionDenied, envelope.CodeOf(err))
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, BuildErrorAuthorization, be.Type)
}

// TEST114: Cancelling after the first action completes prevents any later action from starting
func Test114_cancel_stops_dispatch(t *testing.T) {
	builder := &scriptedBuilder{block: map[int]bool{1: true}}
	pool := workers.NewLocalPool(builder, 1)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})
	plan := threeActionPlan()
	plan.Actions = append(plan.Actions, prover.ActionPlan{Output: &prover.OutputPlan{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onProgress := func(v float64) {
		if v > 0 {
			cancel()
		}
	}
	_, err := orch.Build(ctx, Request{Plan: plan, Authorize: engineAuth(plan)}, onProgress)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, pool.Close())
	assert.LessOrEqual(t, builder.startedCount(), 2, "no action may start after cancellation")
	assert.EqualValues(t, builder.startedCount(), pool.Started())
}

// TEST115: Aggregation refuses to run without authorization data
func Test115_aggregation_fails_closed(t *testing.T) {
	pool := workers.NewLocalPool(&prover.DigestEngine{}, 2)
	defer pool.Close()
	orch := New(pool, &prover.DigestEngine{})

	var progress progressLog
	_, err := orch.Build(context.Background(), Request{
		Plan:      threeActionPlan(),
		Authorize: func(context.Context) (*prover.AuthorizationData, error) { return nil, nil },
	}, progress.record)
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, BuildErrorAggregation, be.Type)
	assert.Equal(t, envelope.CodeInternal, envelope.CodeOf(err))
	assert.NotContains(t, progress.values, 1.0)
}

// TEST116: Requests without a plan or authorization source are rejected up front
func Test116_invalid_request(t *testing.T) {
	orch := New(workers.NewLocalPool(&prover.DigestEngine{}, 1), &prover.DigestEngine{})
	_, err := orch.Build(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plan included in request")
	assert.Equal(t, envelope.CodeInvalidArgument, envelope.CodeOf(err))

	_, err = orch.Build(context.Background(), Request{Plan: threeActionPlan()}, nil)
	assert.Equal(t, envelope.CodeInvalidArgument, envelope.CodeOf(err))
}

package authority_test

import (
	"context"
	"testing"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authority"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRun_EmitsRunStarted(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, map[string]interface{}{"source": "cli"})
	require.NoError(t, err)

	assert.Equal(t, authority.StateRunning, run.State)
	require.Len(t, run.Events, 1)
	assert.Equal(t, uint64(1), run.Events[0].Seq)
	assert.Equal(t, "run.started", run.Events[0].EventType)
	assert.NotEmpty(t, run.Events[0].ContentHash)
}

func TestAppend_GapFreeSequencing(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{
			EventType: "run.step.log",
			Payload:   map[string]interface{}{"i": i},
		})
		require.NoError(t, err)
	}

	require.Len(t, run.Events, 6)
	for i, ev := range run.Events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestAppend_IdempotencyKeyShortCircuits(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	first, err := store.Append(context.Background(), run.RunID, authority.AppendRequest{
		EventType:      "run.step.log",
		Payload:        map[string]interface{}{"i": 1},
		IdempotencyKey: "dup-1",
	})
	require.NoError(t, err)

	second, err := store.Append(context.Background(), run.RunID, authority.AppendRequest{
		EventType:      "run.step.log",
		Payload:        map[string]interface{}{"i": 999},
		IdempotencyKey: "dup-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.LastSeq(), second.LastSeq())
	assert.Len(t, second.Events, len(first.Events))
}

func TestAppend_SequenceConflict(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	bad := uint64(99)
	_, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{
		EventType:           "run.step.log",
		ExpectedPreviousSeq: &bad,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, apiErr.ErrorCode)
}

func TestAppend_RejectsEmptyEventType(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: ""})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.ErrorCode)
}

func TestAppend_RejectsClientSuppliedPaymentEvent(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "payment"})
	require.Error(t, err)
}

func TestStateMachine_CancelThenFinishCancelled(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "run.cancel_requested"})
	require.NoError(t, err)
	assert.Equal(t, authority.StateCancelling, run.State)

	run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{
		EventType: "run.finished",
		Payload:   map[string]interface{}{"status": "cancelled"},
	})
	require.NoError(t, err)
	assert.Equal(t, authority.StateCancelled, run.State)
}

func TestStateMachine_TerminalRejectsFurtherTransitions(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{
		EventType: "run.finished",
		Payload:   map[string]interface{}{"status": "succeeded"},
	})
	require.NoError(t, err)
	assert.Equal(t, authority.StateSucceeded, run.State)

	_, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "run.step.log"})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.ErrorCode)
}

func TestStateMachine_PassthroughEventsPreserveState(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "verification"})
	require.NoError(t, err)
	assert.Equal(t, authority.StateRunning, run.State)

	run, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "receipt"})
	require.NoError(t, err)
	assert.Equal(t, authority.StateRunning, run.State)
}

func TestVerify_DetectsIntactChain(t *testing.T) {
	store := authority.NewMemoryStore()
	run, err := store.StartRun(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = store.Append(context.Background(), run.RunID, authority.AppendRequest{EventType: "run.step.log"})
	require.NoError(t, err)

	ok, reason, err := store.Verify(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestAppend_NotFound(t *testing.T) {
	store := authority.NewMemoryStore()
	_, err := store.Append(context.Background(), "does-not-exist", authority.AppendRequest{EventType: "run.step.log"})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, apiErr.ErrorCode)
}

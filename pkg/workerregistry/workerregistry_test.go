package workerregistry_test

import (
	"context"
	"testing"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/workerregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool { return true }
func neverHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool  { return false }

func TestRegisterWorker_ProviderRequiresMetadata(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	_, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner: "owner-1",
		Roles: []string{"provider"},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.ErrorCode)
}

func TestRegisterWorker_ProviderQualifiesOnHealthyProbe(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner: "owner-1",
		Roles: []string{"provider"},
		Metadata: map[string]interface{}{
			"provider_base_url": "https://provider.example.com",
			"capabilities":      []string{"oa.sandbox_run.v1"},
		},
	})
	require.NoError(t, err)
	assert.True(t, snap.Qualified)
	assert.NotNil(t, snap.QualifiedAt)
}

func TestRegisterWorker_ProviderUnqualifiedOnFailedProbe(t *testing.T) {
	reg := workerregistry.New(time.Minute, neverHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner: "owner-1",
		Roles: []string{"provider"},
		Metadata: map[string]interface{}{
			"provider_base_url": "https://provider.example.com",
			"capabilities":      []string{"oa.sandbox_run.v1"},
		},
	})
	require.NoError(t, err)
	assert.False(t, snap.Qualified)
}

func TestHeartbeat_OwnerMismatchForbidden(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{Owner: "owner-1"})
	require.NoError(t, err)

	_, err = reg.Heartbeat(snap.WorkerID, "owner-2", nil)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.ReasonOwnerMismatch, apiErr.ReasonCode)
}

func TestTransitionStatus_LegalAndIllegalTransitions(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{Owner: "owner-1"})
	require.NoError(t, err)

	snap, err = reg.TransitionStatus(snap.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.NoError(t, err)
	assert.Equal(t, workerregistry.StatusRunning, snap.Status)

	snap, err = reg.TransitionStatus(snap.WorkerID, "owner-1", workerregistry.StatusFailed, "crash")
	require.NoError(t, err)
	assert.Equal(t, workerregistry.StatusFailed, snap.Status)

	_, err = reg.TransitionStatus(snap.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.Error(t, err)
}

func TestLivenessOf_FreshStaleLost(t *testing.T) {
	reg := workerregistry.New(10*time.Millisecond, alwaysHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{Owner: "owner-1"})
	require.NoError(t, err)

	liveness, err := reg.LivenessOf(snap.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, workerregistry.LivenessFresh, liveness)

	time.Sleep(15 * time.Millisecond)
	liveness, err = reg.LivenessOf(snap.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, workerregistry.LivenessStale, liveness)

	time.Sleep(15 * time.Millisecond)
	liveness, err = reg.LivenessOf(snap.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, workerregistry.LivenessLost, liveness)
}

func TestRecordFailureStrike_QuarantinesAtThreshold(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	snap, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{Owner: "owner-1"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		snap, err = reg.RecordFailureStrike(snap.WorkerID, 5)
		require.NoError(t, err)
		assert.False(t, snap.Quarantined)
	}
	snap, err = reg.RecordFailureStrike(snap.WorkerID, 5)
	require.NoError(t, err)
	assert.True(t, snap.Quarantined)
	assert.Equal(t, workerregistry.StatusFailed, snap.Status)
}

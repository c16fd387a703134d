package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/openagents/control/pkg/authority"
	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/treasury"
	"github.com/openagents/control/pkg/workerregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool { return true }

func newTestRig(t *testing.T) (*treasury.Treasury, *authority.MemoryStore, string, string) {
	t.Helper()
	store := authority.NewMemoryStore()
	registry := workerregistry.New(time.Minute, alwaysHealthy)
	tr := treasury.New(registry, store)

	ctx := context.Background()
	worker, err := registry.RegisterWorker(ctx, workerregistry.RegisterRequest{
		Owner:        "owner-1",
		Roles:        []string{"provider"},
		Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{
			"provider_base_url": "https://provider.example.com",
			"capabilities":      []string{"oa.sandbox_run.v1"},
		},
	})
	require.NoError(t, err)

	run, err := store.StartRun(ctx, &worker.WorkerID, nil)
	require.NoError(t, err)

	return tr, store, run.RunID, worker.WorkerID
}

func validSandboxRequest() marketplace.SandboxRunRequest {
	return marketplace.SandboxRunRequest{
		Commands:      []string{"echo hi"},
		Env:           map[string]string{},
		NetworkPolicy: "none",
		TimeoutSecs:   30,
		MemoryMB:      512,
		CPUs:          1.0,
	}
}

func TestSettleSandboxRun_ReleasesPaymentOnPass(t *testing.T) {
	tr, store, runID, workerID := newTestRig(t)

	result, err := tr.SettleSandboxRun(context.Background(), treasury.SettleSandboxRunRequest{
		RunID:            runID,
		ProviderID:       "owner-1",
		ProviderWorkerID: workerID,
		AmountMsats:      1000,
		OwnerKey:         "owner-1",
		Request:          validSandboxRequest(),
		Response:         marketplace.SandboxRunResponse{Status: marketplace.StatusCompleted, ExitCode: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, treasury.ReservationReleased, result.Status)
	assert.Equal(t, int64(1000), result.AmountMsats)
	assert.True(t, result.Verify.Passed)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)

	paymentCount := 0
	for _, ev := range run.Events {
		if ev.EventType == "payment" {
			paymentCount++
			assert.Equal(t, "Released", ev.Payload["status"])
		}
	}
	assert.Equal(t, 1, paymentCount)
}

func TestSettleSandboxRun_WithholdsPaymentOnViolation(t *testing.T) {
	tr, store, runID, workerID := newTestRig(t)

	result, err := tr.SettleSandboxRun(context.Background(), treasury.SettleSandboxRunRequest{
		RunID:            runID,
		ProviderID:       "owner-1",
		ProviderWorkerID: workerID,
		AmountMsats:      1000,
		OwnerKey:         "owner-1",
		Request:          validSandboxRequest(),
		Response:         marketplace.SandboxRunResponse{Status: marketplace.StatusError, ExitCode: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, treasury.ReservationWithheld, result.Status)
	assert.Equal(t, int64(0), result.AmountMsats)
	assert.False(t, result.Verify.Passed)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	for _, ev := range run.Events {
		if ev.EventType == "payment" {
			assert.Equal(t, "Withheld", ev.Payload["status"])
			assert.Equal(t, float64(0), ev.Payload["amount_msats"])
		}
	}
}

func TestReserveComputeJob_IdempotentRepeat(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	r1, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)
	r2, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
}

func TestReserveComputeJob_ConflictOnDisagreement(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	_, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)
	_, err = tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 999)
	require.Error(t, err)
}

func TestSettleComputeJob_IdempotentRepeat(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	_, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)

	status1, amt1, err := tr.SettleComputeJob("job-hash-a", true, 0)
	require.NoError(t, err)
	status2, amt2, err := tr.SettleComputeJob("job-hash-a", true, 0)
	require.NoError(t, err)
	assert.Equal(t, status1, status2)
	assert.Equal(t, amt1, amt2)
}

func TestSettleComputeJob_ConflictOnDisagreement(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	_, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)

	_, _, err = tr.SettleComputeJob("job-hash-a", true, 0)
	require.NoError(t, err)
	_, _, err = tr.SettleComputeJob("job-hash-a", false, 1)
	require.Error(t, err)
}

func TestSettleComputeJob_NotReservedReturnsNotFound(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	_, _, err := tr.SettleComputeJob("never-reserved", true, 0)
	require.Error(t, err)
}

func TestOwnerLedgerHead_AdvancesOnReserveAndSettle(t *testing.T) {
	tr, _, _, _ := newTestRig(t)
	assert.Equal(t, "", tr.OwnerLedgerHead("owner-1"))

	_, err := tr.ReserveComputeJob("owner-1", "job-hash-a", "provider-x", 500)
	require.NoError(t, err)
	afterReserve := tr.OwnerLedgerHead("owner-1")
	assert.NotEqual(t, "", afterReserve)

	_, _, err = tr.SettleComputeJob("job-hash-a", true, 0)
	require.NoError(t, err)
	afterSettle := tr.OwnerLedgerHead("owner-1")
	assert.NotEqual(t, afterReserve, afterSettle)
}

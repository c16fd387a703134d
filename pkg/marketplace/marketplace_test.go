package marketplace_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/workerregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() marketplace.SandboxRunRequest {
	return marketplace.SandboxRunRequest{
		Commands:      []string{"echo hi"},
		Env:           map[string]string{},
		NetworkPolicy: "none",
		TimeoutSecs:   30,
		MemoryMB:      512,
		CPUs:          1.0,
	}
}

func TestValidatePhase0_RejectsTooManyCommands(t *testing.T) {
	req := validRequest()
	cmds := make([]string, 21)
	for i := range cmds {
		cmds[i] = "x"
	}
	req.Commands = cmds
	err := marketplace.ValidatePhase0(req, 0)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.ErrorCode)
}

func TestValidatePhase0_RejectsNonNoneNetworkPolicy(t *testing.T) {
	req := validRequest()
	req.NetworkPolicy = "egress"
	err := marketplace.ValidatePhase0(req, 0)
	require.Error(t, err)
}

func TestValidatePhase0_RejectsTimeoutAboveProviderMax(t *testing.T) {
	req := validRequest()
	req.TimeoutSecs = 200
	err := marketplace.ValidatePhase0(req, 100)
	require.Error(t, err)
}

func TestValidatePhase0_AcceptsWithinBounds(t *testing.T) {
	err := marketplace.ValidatePhase0(validRequest(), 0)
	require.NoError(t, err)
}

func TestJobHash_Deterministic(t *testing.T) {
	req := validRequest()
	h1, err := marketplace.JobHash(req)
	require.NoError(t, err)
	h2, err := marketplace.JobHash(req)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	req.TimeoutSecs = 31
	h3, err := marketplace.JobHash(req)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func alwaysHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool { return true }

func TestSelect_NotFoundWhenNoEligibleProvider(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	dispatcher := marketplace.NewDispatcher(reg)
	_, err := dispatcher.Select("owner-1", "oa.sandbox_run.v1")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, apiErr.ErrorCode)
}

func TestSelect_PrefersOwnedOverReserve(t *testing.T) {
	reg := workerregistry.New(time.Minute, alwaysHealthy)
	dispatcher := marketplace.NewDispatcher(reg)

	owned, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner:        "owner-1",
		Roles:        []string{"provider"},
		Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{
			"provider_base_url": "https://owned.example.com",
			"capabilities":      []string{"oa.sandbox_run.v1"},
			"min_price_msats":   float64(10),
		},
	})
	require.NoError(t, err)
	_, err = reg.TransitionStatus(owned.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.NoError(t, err)

	reserve, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner:        "owner-2",
		Roles:        []string{"provider"},
		Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{
			"provider_base_url": "https://reserve.example.com",
			"capabilities":      []string{"oa.sandbox_run.v1"},
			"min_price_msats":   float64(1),
			"reserve_pool":      true,
		},
	})
	require.NoError(t, err)
	_, err = reg.TransitionStatus(reserve.WorkerID, "owner-2", workerregistry.StatusRunning, "")
	require.NoError(t, err)

	selected, err := dispatcher.Select("owner-1", "oa.sandbox_run.v1")
	require.NoError(t, err)
	assert.Equal(t, owned.WorkerID, selected.WorkerID)
}

func TestDispatch_SucceedsAgainstMockProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(marketplace.SandboxRunResponse{Status: marketplace.StatusCompleted, ExitCode: 0})
	}))
	defer server.Close()

	reg := workerregistry.New(time.Minute, alwaysHealthy)
	dispatcher := marketplace.NewDispatcher(reg)

	worker, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner:        "owner-1",
		Roles:        []string{"provider"},
		Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{
			"provider_base_url": server.URL,
			"capabilities":      []string{"oa.sandbox_run.v1"},
		},
	})
	require.NoError(t, err)
	_, err = reg.TransitionStatus(worker.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.NoError(t, err)

	_, resp, err := dispatcher.Dispatch(context.Background(), "owner-1", "oa.sandbox_run.v1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusCompleted, resp.Status)
}

func TestDispatch_FallsBackOnProviderError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(marketplace.SandboxRunResponse{Status: marketplace.StatusCompleted, ExitCode: 0})
	}))
	defer healthy.Close()

	reg := workerregistry.New(time.Minute, alwaysHealthy)
	dispatcher := marketplace.NewDispatcher(reg)

	w1, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner: "owner-1", Roles: []string{"provider"}, Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{"provider_base_url": failing.URL, "capabilities": []string{"oa.sandbox_run.v1"}, "min_price_msats": float64(1)},
	})
	require.NoError(t, err)
	_, err = reg.TransitionStatus(w1.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.NoError(t, err)

	w2, err := reg.RegisterWorker(context.Background(), workerregistry.RegisterRequest{
		Owner: "owner-1", Roles: []string{"provider"}, Capabilities: []string{"oa.sandbox_run.v1"},
		Metadata: map[string]interface{}{"provider_base_url": healthy.URL, "capabilities": []string{"oa.sandbox_run.v1"}, "min_price_msats": float64(2)},
	})
	require.NoError(t, err)
	_, err = reg.TransitionStatus(w2.WorkerID, "owner-1", workerregistry.StatusRunning, "")
	require.NoError(t, err)

	provider, resp, err := dispatcher.Dispatch(context.Background(), "owner-1", "oa.sandbox_run.v1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, w2.WorkerID, provider.WorkerID)
	assert.Equal(t, marketplace.StatusCompleted, resp.Status)

	failed, err := reg.Get(w1.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.FailureStrikes)
}

// Package marketplace is the compute dispatcher: owned-then-
// reserve provider selection, Phase-0 request validation, dispatch with
// idempotency and fallback, per-owner rate control, and telemetry.
package marketplace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/openagents/control/internal/metrics"
	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/kernel"
	"github.com/openagents/control/pkg/workerregistry"
)

// SandboxRunRequest is validated against Phase-0 bounds before dispatch.
type SandboxRunRequest struct {
	Commands       []string          `json:"commands"`
	Env            map[string]string `json:"env"`
	NetworkPolicy  string            `json:"network_policy"`
	TimeoutSecs    int               `json:"timeout_secs"`
	MemoryMB       int               `json:"memory_mb"`
	CPUs           float64           `json:"cpus"`
	ExpectedHashes []string          `json:"expected_artifact_hashes,omitempty"`
}

const (
	maxCommands        = 20
	maxCommandBytes    = 4096
	maxEnvEntries      = 32
	maxTimeoutSecs     = 300
	maxMemoryMB        = 8192
	maxCPUs            = 8.0
)

// ValidatePhase0 enforces the fixed Phase-0 bounds on a sandbox run
// request, following a check-per-dimension style: each limit is its
// own named check rather than one large conjunction.
func ValidatePhase0(req SandboxRunRequest, providerMaxTimeoutSecs int) error {
	if len(req.Commands) == 0 || len(req.Commands) > maxCommands {
		return apierr.New(apierr.InvalidRequest, "commands must contain between 1 and 20 entries")
	}
	for _, c := range req.Commands {
		if len(c) > maxCommandBytes {
			return apierr.New(apierr.InvalidRequest, "a command exceeds 4096 bytes")
		}
	}
	if len(req.Env) > maxEnvEntries {
		return apierr.New(apierr.InvalidRequest, "env must contain at most 32 entries")
	}
	if req.NetworkPolicy != "none" {
		return apierr.New(apierr.InvalidRequest, "network_policy must be none")
	}
	if req.TimeoutSecs <= 0 || req.TimeoutSecs > maxTimeoutSecs {
		return apierr.New(apierr.InvalidRequest, "timeout_secs must be between 1 and 300")
	}
	if providerMaxTimeoutSecs > 0 && req.TimeoutSecs > providerMaxTimeoutSecs {
		return apierr.New(apierr.InvalidRequest, "timeout_secs exceeds provider's advertised max_timeout_secs")
	}
	if req.MemoryMB <= 0 || req.MemoryMB > maxMemoryMB {
		return apierr.New(apierr.InvalidRequest, "memory_mb must be between 1 and 8192")
	}
	if req.CPUs <= 0 || req.CPUs > maxCPUs {
		return apierr.New(apierr.InvalidRequest, "cpus must be between 0 and 8.0")
	}
	return nil
}

// JobHash computes the deterministic canonical-JSON SHA-256 hash used
// as both the idempotency key and the dedup key for failure strikes.
func JobHash(req SandboxRunRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// DispatchStatus is the provider response's outcome classification.
type DispatchStatus string

const (
	StatusCompleted DispatchStatus = "Completed"
	StatusTimeout   DispatchStatus = "Timeout"
	StatusCancelled DispatchStatus = "Cancelled"
	StatusError     DispatchStatus = "Error"
)

// SandboxRunResponse is what a provider returns from /v1/sandbox_run.
type SandboxRunResponse struct {
	Status        DispatchStatus    `json:"status"`
	ExitCode      int               `json:"exit_code"`
	ArtifactHashes map[string]string `json:"artifact_hashes,omitempty"`
	Syscalls      []string          `json:"syscalls,omitempty"`
}

type ownerCounters struct {
	dispatchTotal int
	notFound      int
	errors        int
	fallbacks     int
	latencies     []time.Duration // bounded 256-sample window
}

// Dispatcher selects a provider, performs Phase-0 validation, dispatches
// the HTTP call, and applies fallback/quarantine/rate-control policy.
type Dispatcher struct {
	mu        sync.Mutex
	registry  *workerregistry.Registry
	limiters  map[string]*kernel.TokenBucket // keyed by owner
	counters  map[string]*ownerCounters
	client    *http.Client
	dedupe    map[string]bool // (worker_id, job_hash) already-struck dedup
}

func NewDispatcher(registry *workerregistry.Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limiters: make(map[string]*kernel.TokenBucket),
		counters: make(map[string]*ownerCounters),
		client:   &http.Client{},
		dedupe:   make(map[string]bool),
	}
}

// Select implements the two-tier provider selection order.
func (d *Dispatcher) Select(owner, capability string) (*workerregistry.Snapshot, error) {
	owned := d.registry.Eligible(owner, capability, false)
	if len(owned) > 0 {
		return bestOf(owned), nil
	}
	reserve := d.registry.Eligible(owner, capability, true)
	if len(reserve) > 0 {
		return bestOf(reserve), nil
	}
	return nil, apierr.New(apierr.NotFound, "no eligible provider for capability").WithDetails(map[string]interface{}{
		"capability": capability,
	})
}

func bestOf(candidates []*workerregistry.Snapshot) *workerregistry.Snapshot {
	sort.Slice(candidates, func(i, j int) bool {
		pi, _ := candidates[i].Metadata["min_price_msats"].(float64)
		pj, _ := candidates[j].Metadata["min_price_msats"].(float64)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].WorkerID < candidates[j].WorkerID
	})
	return candidates[0]
}

func (d *Dispatcher) rateLimit(owner string) bool {
	d.mu.Lock()
	limiter, ok := d.limiters[owner]
	if !ok {
		limiter = kernel.NewTokenBucket(30.0/60.0, 30)
		d.limiters[owner] = limiter
	}
	d.mu.Unlock()
	return limiter.Allow(1)
}

func (d *Dispatcher) counterFor(owner string) *ownerCounters {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counters[owner]
	if !ok {
		c = &ownerCounters{}
		d.counters[owner] = c
	}
	return c
}

// Dispatch selects, validates, and calls a provider, falling back once
// on failure. It does not itself settle payment; that is Treasury's job.
func (d *Dispatcher) Dispatch(ctx context.Context, owner, capability string, req SandboxRunRequest) (*workerregistry.Snapshot, SandboxRunResponse, error) {
	if !d.rateLimit(owner) {
		return nil, SandboxRunResponse{}, apierr.New(apierr.RateLimited, "dispatch rate exceeded").WithReason(apierr.ReasonDispatchRateLimited)
	}

	counters := d.counterFor(owner)
	d.mu.Lock()
	counters.dispatchTotal++
	d.mu.Unlock()
	metrics.DispatchTotal.WithLabelValues(owner).Inc()

	provider, err := d.Select(owner, capability)
	if err != nil {
		d.mu.Lock()
		counters.notFound++
		d.mu.Unlock()
		return nil, SandboxRunResponse{}, err
	}

	maxTimeout, _ := provider.Metadata["max_timeout_secs"].(int)
	if err := ValidatePhase0(req, maxTimeout); err != nil {
		return nil, SandboxRunResponse{}, err
	}

	resp, callErr := d.call(ctx, provider, req)
	if callErr == nil && resp.Status == StatusCompleted {
		return provider, resp, nil
	}

	d.strike(provider.WorkerID, req, 5)
	d.mu.Lock()
	counters.errors++
	counters.fallbacks++
	d.mu.Unlock()

	owned := d.registry.Eligible(owner, capability, false)
	owned = excludeWorker(owned, provider.WorkerID)
	var fallbackCandidates []*workerregistry.Snapshot
	if len(owned) > 0 {
		fallbackCandidates = owned
	} else {
		reserve := d.registry.Eligible(owner, capability, true)
		fallbackCandidates = excludeWorker(reserve, provider.WorkerID)
	}
	if len(fallbackCandidates) == 0 {
		if callErr != nil {
			return nil, SandboxRunResponse{}, callErr
		}
		return provider, resp, nil
	}

	fallbackProvider := bestOf(fallbackCandidates)
	fbResp, fbErr := d.call(ctx, fallbackProvider, req)
	if fbErr != nil {
		d.strike(fallbackProvider.WorkerID, req, 5)
		return nil, SandboxRunResponse{}, fbErr
	}
	return fallbackProvider, fbResp, nil
}

func excludeWorker(snaps []*workerregistry.Snapshot, workerID string) []*workerregistry.Snapshot {
	out := snaps[:0]
	for _, s := range snaps {
		if s.WorkerID != workerID {
			out = append(out, s)
		}
	}
	return out
}

// strike dedupes by (worker_id, job_hash) before incrementing the
// registry's failure-strike counter.
func (d *Dispatcher) strike(workerID string, req SandboxRunRequest, threshold int) {
	hash, err := JobHash(req)
	if err != nil {
		return
	}
	key := workerID + "|" + hash
	d.mu.Lock()
	if d.dedupe[key] {
		d.mu.Unlock()
		return
	}
	d.dedupe[key] = true
	d.mu.Unlock()

	_, _ = d.registry.RecordFailureStrike(workerID, threshold)
}

func (d *Dispatcher) call(ctx context.Context, provider *workerregistry.Snapshot, req SandboxRunRequest) (SandboxRunResponse, error) {
	baseURL, _ := provider.Metadata["provider_base_url"].(string)
	hash, err := JobHash(req)
	if err != nil {
		return SandboxRunResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SandboxRunResponse{}, err
	}

	timeout := time.Duration(req.TimeoutSecs+5) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, baseURL+"/v1/sandbox_run", bytes.NewReader(body))
	if err != nil {
		return SandboxRunResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-idempotency-key", hash)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	elapsed := time.Since(start)
	d.recordLatency(provider.Owner, elapsed)
	if err != nil {
		return SandboxRunResponse{}, apierr.New(apierr.ServiceUnavailable, "provider dispatch failed")
	}
	defer resp.Body.Close()

	var out SandboxRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SandboxRunResponse{}, apierr.New(apierr.ServiceUnavailable, "provider returned a malformed response")
	}
	return out, nil
}

func (d *Dispatcher) recordLatency(owner string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counters[owner]
	if !ok {
		c = &ownerCounters{}
		d.counters[owner] = c
	}
	c.latencies = append(c.latencies, elapsed)
	if len(c.latencies) > 256 {
		c.latencies = c.latencies[len(c.latencies)-256:]
	}
}

// TelemetryFor returns the per-owner dispatch counters and a p50/avg
// latency summary over the trailing 256-sample window.
func (d *Dispatcher) TelemetryFor(owner string) (dispatchTotal, notFound, errorsTotal, fallbacks int, p50, avg time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counters[owner]
	if !ok {
		return 0, 0, 0, 0, 0, 0
	}
	dispatchTotal, notFound, errorsTotal, fallbacks = c.dispatchTotal, c.notFound, c.errors, c.fallbacks

	if len(c.latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 = sorted[len(sorted)/2]
	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))
	return
}

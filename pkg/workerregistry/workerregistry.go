// Package workerregistry is the event-sourced registry of worker
// snapshots: registration, heartbeat liveness, owner-bound
// status transitions, and provider qualification probing.
package workerregistry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openagents/control/pkg/apierr"
)

type Status string

const (
	StatusRegistering Status = "Registering"
	StatusRunning      Status = "Running"
	StatusIdle         Status = "Idle"
	StatusFailed       Status = "Failed"
)

// Liveness is derived from the gap between now and the last heartbeat.
type Liveness string

const (
	LivenessFresh Liveness = "fresh"
	LivenessStale Liveness = "stale"
	LivenessLost  Liveness = "lost"
)

// Snapshot is the full materialized view of a worker.
type Snapshot struct {
	WorkerID        string                 `json:"worker_id"`
	Owner           string                 `json:"owner"`
	Status          Status                 `json:"status"`
	Roles           []string               `json:"roles"`
	Capabilities    []string               `json:"capabilities"`
	Metadata        map[string]interface{} `json:"metadata"`
	RegisteredAt    time.Time              `json:"registered_at"`
	LastHeartbeatAt time.Time              `json:"last_heartbeat_at"`
	Qualified       bool                   `json:"qualified"`
	QualifiedAt     *time.Time             `json:"qualified_at,omitempty"`
	FailureStrikes  int                    `json:"failure_strikes"`
	Quarantined     bool                   `json:"quarantined"`
	SuccessCount    int                    `json:"success_count"`
	Lamport         uint64                 `json:"lamport"`
}

// RegisterRequest is the input to register_worker.
type RegisterRequest struct {
	Owner        string
	Roles        []string
	Capabilities []string
	Metadata     map[string]interface{}
}

// HealthProber probes a provider's qualification endpoint.
type HealthProber func(ctx context.Context, baseURL string, timeout time.Duration) bool

func httpHealthProber(ctx context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Registry holds the in-memory worker snapshot materialized view.
type Registry struct {
	mu              sync.Mutex
	workers         map[string]*Snapshot
	lamport         uint64
	prober          HealthProber
	heartbeatTTL    time.Duration
	clock           func() time.Time
}

func New(heartbeatTTL time.Duration, prober HealthProber) *Registry {
	if prober == nil {
		prober = httpHealthProber
	}
	return &Registry{
		workers:      make(map[string]*Snapshot),
		prober:       prober,
		heartbeatTTL: heartbeatTTL,
		clock:        time.Now,
	}
}

func requiredProviderCapability(caps []string) bool {
	for _, c := range caps {
		if c == "oa.sandbox_run.v1" {
			return true
		}
	}
	return false
}

func isProvider(roles []string) bool {
	for _, r := range roles {
		if r == "provider" {
			return true
		}
	}
	return false
}

// RegisterWorker creates a snapshot and, for provider roles, probes the
// advertised base URL before marking the worker qualified.
func (r *Registry) RegisterWorker(ctx context.Context, req RegisterRequest) (*Snapshot, error) {
	if isProvider(req.Roles) {
		baseURL, _ := req.Metadata["provider_base_url"].(string)
		caps, _ := req.Metadata["capabilities"].([]string)
		if baseURL == "" || !requiredProviderCapability(caps) {
			return nil, apierr.New(apierr.InvalidRequest, "provider workers require provider_base_url and oa.sandbox_run.v1 capability")
		}
	}

	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}

	r.mu.Lock()
	r.lamport++
	now := r.clock()
	snap := &Snapshot{
		WorkerID:        uuid.NewString(),
		Owner:           req.Owner,
		Status:          StatusRegistering,
		Roles:           req.Roles,
		Capabilities:    req.Capabilities,
		Metadata:        req.Metadata,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Lamport:         r.lamport,
	}
	r.workers[snap.WorkerID] = snap
	r.mu.Unlock()

	if isProvider(req.Roles) {
		baseURL, _ := req.Metadata["provider_base_url"].(string)
		qualified := r.prober(ctx, baseURL, 2*time.Second)
		r.mu.Lock()
		if qualified {
			t := r.clock()
			snap.Qualified = true
			snap.QualifiedAt = &t
		}
		r.mu.Unlock()
	}

	return cloneSnapshot(snap), nil
}

// Heartbeat refreshes liveness and deep-merges the metadata patch.
func (r *Registry) Heartbeat(workerID, owner string, patch map[string]interface{}) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.workers[workerID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "worker not found")
	}
	if snap.Owner != owner {
		return nil, apierr.New(apierr.Forbidden, "owner mismatch").WithReason(apierr.ReasonOwnerMismatch)
	}

	snap.LastHeartbeatAt = r.clock()
	deepMerge(snap.Metadata, patch)
	return cloneSnapshot(snap), nil
}

// TransitionStatus applies a legal worker status transition.
func (r *Registry) TransitionStatus(workerID, owner string, status Status, reason string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.workers[workerID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "worker not found")
	}
	if snap.Owner != owner {
		return nil, apierr.New(apierr.Forbidden, "owner mismatch").WithReason(apierr.ReasonOwnerMismatch)
	}

	if !legalTransition(snap.Status, status) {
		return nil, apierr.New(apierr.InvalidRequest, "illegal worker status transition").WithDetails(map[string]interface{}{
			"current_status": string(snap.Status),
			"requested":      string(status),
		})
	}

	snap.Status = status
	return cloneSnapshot(snap), nil
}

func legalTransition(from, to Status) bool {
	switch from {
	case StatusRegistering:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusIdle || to == StatusFailed
	case StatusIdle:
		return to == StatusRunning || to == StatusFailed
	case StatusFailed:
		// Only explicit admin re-registration resumes use; no direct
		// transition out of Failed is legal here.
		return false
	default:
		return false
	}
}

// LivenessOf classifies a worker's heartbeat freshness.
func (r *Registry) LivenessOf(workerID string) (Liveness, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.workers[workerID]
	if !ok {
		return "", apierr.New(apierr.NotFound, "worker not found")
	}
	age := r.clock().Sub(snap.LastHeartbeatAt)
	switch {
	case age <= r.heartbeatTTL:
		return LivenessFresh, nil
	case age <= 2*r.heartbeatTTL:
		return LivenessStale, nil
	default:
		return LivenessLost, nil
	}
}

// Get returns a copy of a worker's current snapshot.
func (r *Registry) Get(workerID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.workers[workerID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "worker not found")
	}
	return cloneSnapshot(snap), nil
}

// RecordFailureStrike increments a provider's failure-strike counter
// and quarantines it once the count reaches the given threshold.
func (r *Registry) RecordFailureStrike(workerID string, threshold int) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.workers[workerID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "worker not found")
	}
	snap.FailureStrikes++
	if snap.FailureStrikes >= threshold {
		snap.Quarantined = true
		snap.Status = StatusFailed
	}
	return cloneSnapshot(snap), nil
}

// RecordSuccess increments the provider's success counter once per
// (worker_id, job_hash); callers are responsible for dedup by job_hash.
func (r *Registry) RecordSuccess(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.workers[workerID]
	if !ok {
		return apierr.New(apierr.NotFound, "worker not found")
	}
	snap.SuccessCount++
	return nil
}

// Eligible lists workers matching the owner/capability/liveness/quarantine
// filters used by the marketplace dispatcher's selection tiers.
func (r *Registry) Eligible(owner string, capability string, reservePool bool) []*Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Snapshot
	for _, snap := range r.workers {
		if !snap.Qualified || snap.Quarantined || snap.Status != StatusRunning {
			continue
		}
		if r.clock().Sub(snap.LastHeartbeatAt) > r.heartbeatTTL {
			continue
		}
		if !hasCapability(snap.Capabilities, capability) {
			continue
		}
		if reservePool {
			if rp, _ := snap.Metadata["reserve_pool"].(bool); !rp {
				continue
			}
		} else if snap.Owner != owner {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	return out
}

func hasCapability(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

func deepMerge(dst, patch map[string]interface{}) {
	for k, v := range patch {
		if nested, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(existing, nested)
				continue
			}
		}
		dst[k] = v
	}
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := *s
	out.Roles = append([]string(nil), s.Roles...)
	out.Capabilities = append([]string(nil), s.Capabilities...)
	out.Metadata = make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

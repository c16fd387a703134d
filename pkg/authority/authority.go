// Package authority is the append-only per-run event log and run state
// machine. It is the single place a run's facts are written;
// every other component folds or reacts to what it appends.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/openagents/control/internal/metrics"
	"github.com/openagents/control/pkg/apierr"
)

// RunState is the finite set of states a run can occupy.
type RunState string

const (
	StateRunning    RunState = "Running"
	StateCancelling RunState = "Cancelling"
	StateCancelled  RunState = "Cancelled"
	StateSucceeded  RunState = "Succeeded"
	StateFailed     RunState = "Failed"
)

func (s RunState) Terminal() bool {
	switch s {
	case StateCancelled, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// RunEvent is one entry in a run's hash-chained event log. Seq is the
// sole ordering and concurrency key.
type RunEvent struct {
	Seq            uint64                 `json:"seq"`
	EventType      string                 `json:"event_type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Timestamp      time.Time              `json:"ts"`
	ContentHash    string                 `json:"content_hash"`
	PrevHash       string                 `json:"prev_hash"`
}

// Run is the runtime entity events are appended against.
type Run struct {
	RunID    string                 `json:"run_id"`
	WorkerID *string                `json:"worker_id,omitempty"`
	State    RunState               `json:"state"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Events   []RunEvent             `json:"events"`
}

func (r *Run) LastSeq() uint64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].Seq
}

func (r *Run) HeadHash() string {
	if len(r.Events) == 0 {
		return genesisHash
	}
	return r.Events[len(r.Events)-1].ContentHash
}

// AppendRequest is the caller-supplied payload for Append.
type AppendRequest struct {
	EventType           string
	Payload             map[string]interface{}
	IdempotencyKey      string
	ExpectedPreviousSeq *uint64
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Store is the durable interface for run management. Both the
// in-memory and Postgres implementations satisfy it.
type Store interface {
	StartRun(ctx context.Context, workerID *string, metadata map[string]interface{}) (*Run, error)
	Append(ctx context.Context, runID string, req AppendRequest) (*Run, error)
	// AppendSystem is the treasury-only counterpart to Append: the sole
	// path that may emit a payment event. Client callers never
	// reach this method.
	AppendSystem(ctx context.Context, runID string, req AppendRequest) (*Run, error)
	Get(ctx context.Context, runID string) (*Run, error)
	Verify(ctx context.Context, runID string) (bool, string, error)
}

// passthroughEvents are always legal while the run is non-terminal
// and never change the current state.
var passthroughEvents = map[string]bool{
	"receipt":      true,
	"verification": true,
	"payment":      true,
}

// MemoryStore is a single-process, map-backed Store used for tests and
// single-node deployments.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*Run
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), clock: time.Now}
}

// WithClock overrides the wall clock, for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) StartRun(ctx context.Context, workerID *string, metadata map[string]interface{}) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{
		RunID:    uuid.NewString(),
		WorkerID: workerID,
		State:    StateRunning,
		Metadata: metadata,
	}
	ev, err := s.buildEvent(run, 1, "run.started", nil, "")
	if err != nil {
		return nil, err
	}
	run.Events = append(run.Events, ev)
	s.runs[run.RunID] = run
	return cloneRun(run), nil
}

func (s *MemoryStore) Append(ctx context.Context, runID string, req AppendRequest) (*Run, error) {
	if req.EventType == "payment" {
		return nil, apierr.New(apierr.InvalidRequest, "payment events may only be emitted by the treasury")
	}
	return s.appendLocked(runID, req)
}

// AppendSystem is the treasury's path to appending a payment event; it
// is never reachable from a client-supplied request.
func (s *MemoryStore) AppendSystem(ctx context.Context, runID string, req AppendRequest) (*Run, error) {
	return s.appendLocked(runID, req)
}

func (s *MemoryStore) appendLocked(runID string, req AppendRequest) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "run not found")
	}

	if req.EventType == "" {
		return nil, apierr.New(apierr.InvalidRequest, "event_type is required")
	}

	if req.IdempotencyKey != "" {
		if ev, ok := findByIdempotencyKey(run, req.IdempotencyKey); ok {
			_ = ev
			return cloneRun(run), nil
		}
	}

	lastSeq := run.LastSeq()
	if req.ExpectedPreviousSeq != nil && *req.ExpectedPreviousSeq != lastSeq {
		return nil, apierr.New(apierr.Conflict, "sequence conflict").WithDetails(map[string]interface{}{
			"expected_previous_seq": *req.ExpectedPreviousSeq,
			"actual_seq":            lastSeq,
		})
	}

	newState, err := transition(run.State, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}

	ev, err := s.buildEvent(run, lastSeq+1, req.EventType, req.Payload, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	run.Events = append(run.Events, ev)
	run.State = newState
	metrics.RunEventsAppendedTotal.WithLabelValues(req.EventType).Inc()
	return cloneRun(run), nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "run not found")
	}
	return cloneRun(run), nil
}

// Verify recomputes the run's hash chain end to end, for audit tooling.
func (s *MemoryStore) Verify(ctx context.Context, runID string) (bool, string, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false, "", apierr.New(apierr.NotFound, "run not found")
	}

	prev := genesisHash
	for _, ev := range run.Events {
		want, err := eventHash(runID, ev.Seq, ev.EventType, ev.Payload, prev)
		if err != nil {
			return false, "", err
		}
		if want != ev.ContentHash {
			return false, fmt.Sprintf("hash mismatch at seq %d", ev.Seq), nil
		}
		prev = ev.ContentHash
	}
	return true, "", nil
}

func (s *MemoryStore) buildEvent(run *Run, seq uint64, eventType string, payload map[string]interface{}, idemKey string) (RunEvent, error) {
	prev := run.HeadHash()
	hash, err := eventHash(run.RunID, seq, eventType, payload, prev)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:            seq,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idemKey,
		Timestamp:      s.clock().UTC(),
		ContentHash:    hash,
		PrevHash:       prev,
	}, nil
}

func eventHash(runID string, seq uint64, eventType string, payload map[string]interface{}, prevHash string) (string, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"run_id":     runID,
		"seq":        seq,
		"event_type": eventType,
		"payload":    payload,
		"prev_hash":  prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func findByIdempotencyKey(run *Run, key string) (RunEvent, bool) {
	for _, ev := range run.Events {
		if ev.IdempotencyKey == key {
			return ev, true
		}
	}
	return RunEvent{}, false
}

// transition validates the run state machine and returns the new
// state, or an invalid-request error if the transition is illegal.
func transition(current RunState, eventType string, payload map[string]interface{}) (RunState, error) {
	if current.Terminal() {
		return "", apierr.New(apierr.InvalidRequest, "run is already terminal").WithDetails(map[string]interface{}{
			"current_state": string(current),
		})
	}

	switch eventType {
	case "run.cancel_requested":
		if current != StateRunning {
			return "", invalidTransition(current, eventType)
		}
		return StateCancelling, nil

	case "run.finished":
		status, _ := payload["status"].(string)
		switch status {
		case "cancelled":
			if current != StateCancelling && current != StateRunning {
				return "", invalidTransition(current, eventType)
			}
			return StateCancelled, nil
		case "succeeded":
			if current != StateRunning {
				return "", invalidTransition(current, eventType)
			}
			return StateSucceeded, nil
		case "failed":
			if current != StateRunning {
				return "", invalidTransition(current, eventType)
			}
			return StateFailed, nil
		default:
			return "", apierr.New(apierr.InvalidRequest, "run.finished requires a recognized status")
		}

	default:
		if passthroughEvents[eventType] || hasPrefix(eventType, "run.step.") {
			return current, nil
		}
		// Any other event type is accepted and preserves state; the
		// spec only constrains the named lifecycle events above.
		return current, nil
	}
}

func invalidTransition(current RunState, eventType string) error {
	return apierr.New(apierr.InvalidRequest, "invalid state transition").WithDetails(map[string]interface{}{
		"current_state": string(current),
		"event_type":    eventType,
	})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func cloneRun(r *Run) *Run {
	out := *r
	out.Events = make([]RunEvent, len(r.Events))
	copy(out.Events, r.Events)
	return &out
}

// Package projector folds authority events into the two materialized
// views consumers read instead of replaying the authority log
// themselves.
package projector

import (
	"sync"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authority"
)

// RunSummary is the fold result for a single run.
type RunSummary struct {
	RunID              string         `json:"run_id"`
	Status             string         `json:"status"`
	ReasonClass        string         `json:"reason_class,omitempty"`
	LastSeq            uint64         `json:"last_seq"`
	EventCountsByType  map[string]int `json:"event_counts_by_type"`
	PaymentsMsatsTotal int64          `json:"payments_msats_total"`
	ViolationsTotal    int            `json:"violations_total"`
}

// TopicDriftReport tracks how far a topic's fanout head trails the
// authority log's event count for that topic.
type TopicDriftReport struct {
	Topic            string `json:"topic"`
	ExpectedHeadSeq  uint64 `json:"expected_head_seq"`
	ObservedHeadSeq  uint64 `json:"observed_head_seq"`
	LagEvents        uint64 `json:"lag_events"`
	LastUpdatedAtUTC string `json:"last_updated_at"`
}

func (r TopicDriftReport) recompute() TopicDriftReport {
	if r.ExpectedHeadSeq > r.ObservedHeadSeq {
		r.LagEvents = r.ExpectedHeadSeq - r.ObservedHeadSeq
	} else {
		r.LagEvents = 0
	}
	return r
}

// Projector folds authority.RunEvent streams into RunSummary and
// TopicDriftReport, mirroring the event-sourced Apply pattern used
// elsewhere in this fleet for materialized views: state is derived
// exclusively from the events it is given, so replaying the same
// stream from seq 1 always reaches the same summary (idempotent fold).
type Projector struct {
	mu       sync.RWMutex
	runs     map[string]*RunSummary
	drift    map[string]*TopicDriftReport
	lastSeen map[string]uint64 // run_id -> last folded seq, for idempotent replay
}

func New() *Projector {
	return &Projector{
		runs:     make(map[string]*RunSummary),
		drift:    make(map[string]*TopicDriftReport),
		lastSeen: make(map[string]uint64),
	}
}

// Fold applies one run event to the run summary view. Applying the
// same (run_id, seq) twice is a no-op, so replaying the authority log
// from the start is always safe.
func (p *Projector) Fold(runID string, ev authority.RunEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seen, ok := p.lastSeen[runID]; ok && ev.Seq <= seen {
		return
	}
	p.lastSeen[runID] = ev.Seq

	summary, ok := p.runs[runID]
	if !ok {
		summary = &RunSummary{RunID: runID, Status: "running", EventCountsByType: make(map[string]int)}
		p.runs[runID] = summary
	}

	summary.LastSeq = ev.Seq
	summary.EventCountsByType[ev.EventType]++

	switch ev.EventType {
	case "run.finished":
		if status, ok := ev.Payload["status"].(string); ok {
			summary.Status = status
		}
		if reason, ok := ev.Payload["reason_class"].(string); ok {
			summary.ReasonClass = reason
		}
	case "run.cancel_requested":
		summary.Status = "cancelling"
	case "payment":
		if amt, ok := numericField(ev.Payload, "amount_msats"); ok {
			summary.PaymentsMsatsTotal += amt
		}
	case "violation":
		summary.ViolationsTotal++
	}
}

// ReplayFrom rebuilds a run's summary entirely from an ordered event
// slice fetched from the authority store, used for cold-start and
// after a consumer detects drift.
func (p *Projector) ReplayFrom(runID string, events []authority.RunEvent) {
	p.mu.Lock()
	delete(p.runs, runID)
	delete(p.lastSeen, runID)
	p.mu.Unlock()

	for _, ev := range events {
		p.Fold(runID, ev)
	}
}

// RunSummaryFor returns a copy of a run's current summary.
func (p *Projector) RunSummaryFor(runID string) (*RunSummary, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	summary, ok := p.runs[runID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "run summary not found")
	}
	out := *summary
	out.EventCountsByType = make(map[string]int, len(summary.EventCountsByType))
	for k, v := range summary.EventCountsByType {
		out.EventCountsByType[k] = v
	}
	return &out, nil
}

// RecordTopicHead tells the projector what the fanout hub's head
// sequence for a topic currently is, so drift against the expected
// head (e.g. the authority log's event count destined for that topic)
// can be computed.
func (p *Projector) RecordTopicHead(topic string, expectedHeadSeq, observedHeadSeq uint64, updatedAtUTC string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := TopicDriftReport{
		Topic:            topic,
		ExpectedHeadSeq:  expectedHeadSeq,
		ObservedHeadSeq:  observedHeadSeq,
		LastUpdatedAtUTC: updatedAtUTC,
	}.recompute()
	p.drift[topic] = &r
}

// DriftReportFor returns the current drift report for a topic. Drift
// lookups require a topic parameter; there is no "all topics" view.
func (p *Projector) DriftReportFor(topic string) (*TopicDriftReport, error) {
	if topic == "" {
		return nil, apierr.New(apierr.InvalidRequest, "topic is required")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.drift[topic]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "drift report not found")
	}
	out := *r
	return &out, nil
}

func numericField(payload map[string]interface{}, key string) (int64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

package treasury

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openagents/control/internal/metrics"
	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authority"
	"github.com/openagents/control/pkg/ledger"
	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/workerregistry"
)

// ReservationStatus is a compute-job reservation's lifecycle state.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "Reserved"
	ReservationReleased ReservationStatus = "Released"
	ReservationWithheld ReservationStatus = "Withheld"
)

type reservation struct {
	ID            string
	OwnerKey      string
	JobHash       string
	ProviderID    string
	AmountMsats   int64
	Status        ReservationStatus
	SettledExit   *int
	SettledPassed *bool
}

// Treasury holds compute-job reservations and drives settlement.
type Treasury struct {
	mu            sync.Mutex
	reservations  map[string]*reservation // keyed by job_hash
	ownerLedgers  map[string]*ledger.Ledger
	outcomeMarked map[string]bool // job_hash -> strike/success already recorded
	registry      *workerregistry.Registry
	authorityDB   authority.Store
	clock         func() time.Time
}

func New(registry *workerregistry.Registry, authorityDB authority.Store) *Treasury {
	return &Treasury{
		reservations:  make(map[string]*reservation),
		ownerLedgers:  make(map[string]*ledger.Ledger),
		outcomeMarked: make(map[string]bool),
		registry:      registry,
		authorityDB:   authorityDB,
		clock:         time.Now,
	}
}

// markOutcomeRecorded reports whether this is the first call for
// job_hash, and marks it recorded either way. Dedupes the same way
// Dispatcher.strike dedupes by (worker_id, job_hash) in
// pkg/marketplace/marketplace.go, so a retried settlement never
// strikes or credits a provider twice for one job.
func (t *Treasury) markOutcomeRecorded(jobHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcomeMarked[jobHash] {
		return false
	}
	t.outcomeMarked[jobHash] = true
	return true
}

// ownerLedger returns (creating if needed) the hash-chained reservation/
// settlement log for one owner_key, giving the treasury the same
// tamper-evidence property as the authority store, independent of and
// in addition to the run's own payment events.
func (t *Treasury) ownerLedger(ownerKey string) *ledger.Ledger {
	l, ok := t.ownerLedgers[ownerKey]
	if !ok {
		l = ledger.NewLedger(ledger.LedgerType("treasury:" + ownerKey)).WithClock(t.clock)
		t.ownerLedgers[ownerKey] = l
	}
	return l
}

// OwnerLedgerHead returns the current hash-chain head for an owner's
// settlement ledger, or the empty string if the owner has no entries.
func (t *Treasury) OwnerLedgerHead(ownerKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ownerLedgers[ownerKey]
	if !ok {
		return ""
	}
	return l.Head()
}

// ReserveComputeJob is idempotent: an identical repeat returns the same
// reservation; any disagreement on (owner_key, provider_id, amount) is
// a conflict.
func (t *Treasury) ReserveComputeJob(ownerKey, jobHash, providerID string, amountMsats int64) (*reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.reservations[jobHash]; ok {
		if existing.OwnerKey != ownerKey || existing.ProviderID != providerID || existing.AmountMsats != amountMsats {
			return nil, apierr.New(apierr.Conflict, "reservation disagrees with an existing reservation for this job_hash")
		}
		return existing, nil
	}

	r := &reservation{
		ID:          uuid.NewString(),
		OwnerKey:    ownerKey,
		JobHash:     jobHash,
		ProviderID:  providerID,
		AmountMsats: amountMsats,
		Status:      ReservationReserved,
	}
	t.reservations[jobHash] = r

	if _, err := t.ownerLedger(ownerKey).Append("reservation", providerID, map[string]interface{}{
		"reservation_id": r.ID,
		"job_hash":       jobHash,
		"amount_msats":   amountMsats,
		"status":         string(ReservationReserved),
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// SettleComputeJob finalizes a reservation's outcome. A second call
// with the identical outcome is a no-op; a conflicting outcome fails.
func (t *Treasury) SettleComputeJob(jobHash string, passed bool, exitCode int) (status ReservationStatus, amountMsats int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.reservations[jobHash]
	if !ok {
		return "", 0, apierr.New(apierr.NotFound, "job has not been reserved")
	}

	wantStatus := ReservationWithheld
	if passed {
		wantStatus = ReservationReleased
	}

	if r.SettledPassed != nil {
		if *r.SettledPassed != passed {
			return "", 0, apierr.New(apierr.Conflict, "settlement outcome conflicts with prior settlement")
		}
		if r.Status != wantStatus {
			return "", 0, apierr.New(apierr.Conflict, "settlement status conflicts with prior settlement")
		}
		amt := int64(0)
		if passed {
			amt = r.AmountMsats
		}
		return r.Status, amt, nil
	}

	r.Status = wantStatus
	r.SettledPassed = &passed
	r.SettledExit = &exitCode

	amt := int64(0)
	if passed {
		amt = r.AmountMsats
	}

	if _, err := t.ownerLedger(r.OwnerKey).Append("settlement", r.ProviderID, map[string]interface{}{
		"reservation_id": r.ID,
		"job_hash":       jobHash,
		"amount_msats":   amt,
		"status":         string(r.Status),
		"exit_code":      exitCode,
	}); err != nil {
		return "", 0, err
	}
	return r.Status, amt, nil
}

// SettleSandboxRunRequest is the full input to the ten-step algorithm.
type SettleSandboxRunRequest struct {
	RunID            string                          `json:"run_id"`
	ProviderID       string                          `json:"provider_id"`
	ProviderWorkerID string                          `json:"provider_worker_id"`
	AmountMsats      int64                           `json:"amount_msats"`
	Request          marketplace.SandboxRunRequest   `json:"request"`
	Response         marketplace.SandboxRunResponse  `json:"response"`
	OwnerKey         string                          `json:"owner_key"`
}

// SettleSandboxRunResult is what settle_sandbox_run returns.
type SettleSandboxRunResult struct {
	Status      ReservationStatus
	AmountMsats int64
	JobHash     string
	Verify      VerifyResult
}

// SettleSandboxRun runs the pay-after-verify algorithm described in
// settlement step by step: reserve, verify, settle, then append the receipt
// and payment events to the run's authority log.
func (t *Treasury) SettleSandboxRun(ctx context.Context, req SettleSandboxRunRequest) (SettleSandboxRunResult, error) {
	if req.ProviderID == "" || req.ProviderWorkerID == "" || req.AmountMsats <= 0 {
		return SettleSandboxRunResult{}, apierr.New(apierr.InvalidRequest, "provider ids and amount_msats are required")
	}
	if err := marketplace.ValidatePhase0(req.Request, 0); err != nil {
		return SettleSandboxRunResult{}, err
	}

	jobHash, err := marketplace.JobHash(req.Request)
	if err != nil {
		return SettleSandboxRunResult{}, err
	}

	resv, err := t.ReserveComputeJob(req.OwnerKey, jobHash, req.ProviderID, req.AmountMsats)
	if err != nil {
		return SettleSandboxRunResult{}, err
	}

	if _, err := t.authorityDB.Append(ctx, req.RunID, authority.AppendRequest{
		EventType:      "receipt",
		IdempotencyKey: "budget-reserved:" + jobHash,
		Payload: map[string]interface{}{
			"kind":           "BudgetReserved",
			"job_hash":       jobHash,
			"reservation_id": resv.ID,
		},
	}); err != nil {
		return SettleSandboxRunResult{}, err
	}

	verdict := VerifySandboxRun(req.Request, req.Response)
	if t.markOutcomeRecorded(jobHash) {
		if !verdict.Passed {
			_, _ = t.registry.RecordFailureStrike(req.ProviderWorkerID, 3)
		} else {
			_ = t.registry.RecordSuccess(req.ProviderWorkerID)
		}
	}

	verifyKind := "VerificationFailed"
	if verdict.Passed {
		verifyKind = "VerificationPassed"
	}
	if _, err := t.authorityDB.Append(ctx, req.RunID, authority.AppendRequest{
		EventType:      "receipt",
		IdempotencyKey: "verify:" + jobHash,
		Payload: map[string]interface{}{
			"kind":       verifyKind,
			"job_hash":   jobHash,
			"violations": verdict.Violations,
		},
	}); err != nil {
		return SettleSandboxRunResult{}, err
	}

	if _, err := t.authorityDB.Append(ctx, req.RunID, authority.AppendRequest{
		EventType:      "verification",
		IdempotencyKey: "verification:" + jobHash,
		Payload: map[string]interface{}{
			"command":     req.Request.Commands,
			"exit_code":   verdict.ExitCode,
			"duration_ms": 0,
		},
	}); err != nil {
		return SettleSandboxRunResult{}, err
	}

	status, amount, err := t.SettleComputeJob(jobHash, verdict.Passed, verdict.ExitCode)
	if err != nil {
		return SettleSandboxRunResult{}, err
	}
	metrics.SettlementsTotal.WithLabelValues(string(status)).Inc()

	paymentProof := map[string]interface{}{"method": "internal_ledger", "settled_at": t.clock().UTC().Format(time.RFC3339)}
	if _, err := t.authorityDB.AppendSystem(ctx, req.RunID, authority.AppendRequest{
		EventType:      "payment",
		IdempotencyKey: fmt.Sprintf("payment:%s:%s", jobHash, status),
		Payload: map[string]interface{}{
			"rail":          "lightning",
			"asset_id":      "BTC_LN",
			"amount_msats":  float64(amount),
			"payment_proof": paymentProof,
			"status":        string(status),
		},
	}); err != nil {
		return SettleSandboxRunResult{}, err
	}

	receiptKind := "PaymentWithheld"
	if status == ReservationReleased {
		receiptKind = "PaymentReleased"
	}
	if _, err := t.authorityDB.Append(ctx, req.RunID, authority.AppendRequest{
		EventType:      "receipt",
		IdempotencyKey: fmt.Sprintf("receipt-payment:%s:%s", jobHash, status),
		Payload: map[string]interface{}{
			"kind":           receiptKind,
			"amount_msats":   float64(amount),
			"reservation_id": resv.ID,
			"provider_id":    req.ProviderID,
		},
	}); err != nil {
		return SettleSandboxRunResult{}, err
	}

	return SettleSandboxRunResult{Status: status, AmountMsats: amount, JobHash: jobHash, Verify: verdict}, nil
}

package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openagents/control/internal/metrics"
	"github.com/openagents/control/pkg/apierr"
)

func nowUTC() time.Time { return time.Now().UTC() }

// PostgresStore is a multi-node-safe Store backed by Postgres. Event
// append uses SELECT ... FOR UPDATE on the run row to serialize
// concurrent appends to the same run while leaving unrelated runs free
// to progress concurrently.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the authority schema if it does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS authority_runs (
	run_id TEXT PRIMARY KEY,
	worker_id TEXT,
	state TEXT NOT NULL,
	metadata JSONB
);
CREATE TABLE IF NOT EXISTS authority_events (
	run_id TEXT NOT NULL REFERENCES authority_runs(run_id),
	seq BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB,
	idempotency_key TEXT,
	ts TIMESTAMPTZ NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS authority_events_idem_key
	ON authority_events (run_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
`)
	return err
}

func (s *PostgresStore) StartRun(ctx context.Context, workerID *string, metadata map[string]interface{}) (*Run, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	run := &Run{RunID: uuid.NewString(), WorkerID: workerID, State: StateRunning, Metadata: metadata}
	ev, err := buildEventFor(run.RunID, 1, "run.started", nil, "")
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_runs (run_id, worker_id, state, metadata) VALUES ($1, $2, $3, $4)`,
		run.RunID, workerID, string(StateRunning), metaJSON,
	); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, run.RunID, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	run.Events = []RunEvent{ev}
	return run, nil
}

// Append leases the run row with SELECT ... FOR UPDATE so that two
// concurrent appends to the same run serialize instead of racing on
// the sequence number. Unlike a work queue, per-run appends must never
// skip each other, so there is no SKIP LOCKED here.
func (s *PostgresStore) Append(ctx context.Context, runID string, req AppendRequest) (*Run, error) {
	if req.EventType == "payment" {
		return nil, apierr.New(apierr.InvalidRequest, "payment events may only be emitted by the treasury")
	}
	return s.appendTx(ctx, runID, req)
}

// AppendSystem is the treasury's path to appending a payment event; it
// is never reachable from a client-supplied request.
func (s *PostgresStore) AppendSystem(ctx context.Context, runID string, req AppendRequest) (*Run, error) {
	return s.appendTx(ctx, runID, req)
}

func (s *PostgresStore) appendTx(ctx context.Context, runID string, req AppendRequest) (*Run, error) {
	if req.EventType == "" {
		return nil, apierr.New(apierr.InvalidRequest, "event_type is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var stateStr string
	var metaJSON []byte
	var workerID sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT state, metadata, worker_id FROM authority_runs WHERE run_id = $1 FOR UPDATE`, runID)
	if err := row.Scan(&stateStr, &metaJSON, &workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "run not found")
		}
		return nil, err
	}

	if req.IdempotencyKey != "" {
		var existingSeq uint64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM authority_events WHERE run_id = $1 AND idempotency_key = $2`,
			runID, req.IdempotencyKey).Scan(&existingSeq)
		if err == nil {
			run, gerr := s.Get(ctx, runID)
			if gerr != nil {
				return nil, gerr
			}
			return run, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	var lastSeq uint64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, content_hash FROM authority_events WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID).
		Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	prevHash := genesisHash
	if lastHash.Valid {
		prevHash = lastHash.String
	}

	if req.ExpectedPreviousSeq != nil && *req.ExpectedPreviousSeq != lastSeq {
		return nil, apierr.New(apierr.Conflict, "sequence conflict").WithDetails(map[string]interface{}{
			"expected_previous_seq": *req.ExpectedPreviousSeq,
			"actual_seq":            lastSeq,
		})
	}

	newState, terr := transition(RunState(stateStr), req.EventType, req.Payload)
	if terr != nil {
		return nil, terr
	}

	ev, err := buildEventForWithPrev(runID, lastSeq+1, req.EventType, req.Payload, req.IdempotencyKey, prevHash)
	if err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, runID, ev); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE authority_runs SET state = $1 WHERE run_id = $2`, string(newState), runID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.RunEventsAppendedTotal.WithLabelValues(req.EventType).Inc()
	return s.Get(ctx, runID)
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*Run, error) {
	var stateStr string
	var metaJSON []byte
	var workerID sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT state, metadata, worker_id FROM authority_runs WHERE run_id = $1`, runID)
	if err := row.Scan(&stateStr, &metaJSON, &workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "run not found")
		}
		return nil, err
	}

	run := &Run{RunID: runID, State: RunState(stateStr)}
	if workerID.Valid {
		run.WorkerID = &workerID.String
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &run.Metadata)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, payload, idempotency_key, ts, content_hash, prev_hash
		 FROM authority_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev RunEvent
		var payloadJSON []byte
		var idemKey sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.EventType, &payloadJSON, &idemKey, &ev.Timestamp, &ev.ContentHash, &ev.PrevHash); err != nil {
			return nil, err
		}
		if idemKey.Valid {
			ev.IdempotencyKey = idemKey.String
		}
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &ev.Payload)
		}
		run.Events = append(run.Events, ev)
	}
	return run, rows.Err()
}

func (s *PostgresStore) Verify(ctx context.Context, runID string) (bool, string, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return false, "", err
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

func insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev RunEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	var idemKey interface{}
	if ev.IdempotencyKey != "" {
		idemKey = ev.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO authority_events (run_id, seq, event_type, payload, idempotency_key, ts, content_hash, prev_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		runID, ev.Seq, ev.EventType, payloadJSON, idemKey, ev.Timestamp, ev.ContentHash, ev.PrevHash)
	return err
}

func buildEventFor(runID string, seq uint64, eventType string, payload map[string]interface{}, idemKey string) (RunEvent, error) {
	return buildEventForWithPrev(runID, seq, eventType, payload, idemKey, genesisHash)
}

func buildEventForWithPrev(runID string, seq uint64, eventType string, payload map[string]interface{}, idemKey, prevHash string) (RunEvent, error) {
	hash, err := eventHash(runID, seq, eventType, payload, prevHash)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:            seq,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idemKey,
		Timestamp:      nowUTC(),
		ContentHash:    hash,
		PrevHash:       prevHash,
	}, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
)

// Fan-out statuses stored in harborfanout.fanouts.
const (
	StatusDelivered = "delivered"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusNoop      = "noop"
	StatusDead      = "dead"
)

// DB is the subset of *pgxpool.Pool the ledger uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Ledger records the result of every fan-out attempt in Postgres.
type Ledger struct {
	db DB
}

func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Status summarizes a dispatch result for the fanouts table.
func Status(res dispatch.Result, err error) string {
	switch {
	case err != nil:
		return StatusFailed
	case len(res.Outcomes) == 0:
		return StatusNoop
	case len(res.Failed()) > 0:
		return StatusPartial
	default:
		return StatusDelivered
	}
}

const upsertFanout = `
	INSERT INTO harborfanout.fanouts(id, attempt, status, endpoints, attempted, last_error)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE
	SET attempt=EXCLUDED.attempt, status=EXCLUDED.status, attempted=EXCLUDED.attempted,
	    last_error=EXCLUDED.last_error, updated_at=now()`

const insertAttempt = `
	INSERT INTO harborfanout.fanout_attempts(fanout_id, attempt, position, endpoint, http_status, latency_ms, reason, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// RecordFanout stores one fanouts row and one fanout_attempts row per
// outcome, in a single batch.
func (l *Ledger) RecordFanout(ctx context.Context, job delivery.Job, res dispatch.Result, dispatchErr error) error {
	b := &pgx.Batch{}
	b.Queue(upsertFanout,
		job.FanoutID, job.Attempt, Status(res, dispatchErr), len(job.Endpoints), len(res.Outcomes), nullableError(dispatchErr))

	for i, o := range res.Outcomes {
		var status *int
		if o.StatusCode != 0 {
			code := o.StatusCode
			status = &code
		}
		var reason *string
		if r := o.Reason(); r != "" {
			reason = &r
		}
		b.Queue(insertAttempt,
			job.FanoutID, job.Attempt, i, o.Endpoint, status, int(o.Latency.Milliseconds()), reason, nullableError(o.Err))
	}

	br := l.db.SendBatch(ctx, b)
	var errs []error
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("record fanout %s: %w", job.FanoutID, errors.Join(errs...))
	}
	return nil
}

// MarkDead flags a fan-out as dead and adds it to the DLQ table.
func (l *Ledger) MarkDead(ctx context.Context, fanoutID, reason string) error {
	if _, err := l.db.Exec(ctx, `
		INSERT INTO harborfanout.dlq(fanout_id, reason) VALUES ($1, $2)
		ON CONFLICT (fanout_id) DO UPDATE SET reason=EXCLUDED.reason`,
		fanoutID, reason); err != nil {
		return fmt.Errorf("dlq insert: %w", err)
	}
	if _, err := l.db.Exec(ctx, `
		UPDATE harborfanout.fanouts SET status=$2, dead_at=now(), updated_at=now()
		WHERE id=$1`, fanoutID, StatusDead); err != nil {
		return fmt.Errorf("dlq status update: %w", err)
	}
	return nil
}

func nullableError(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

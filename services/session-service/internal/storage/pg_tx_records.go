package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/mentorbridge/platform/libs/otel"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
)

const paymentColumns = `
	id::text, session_id::text, gateway, gateway_txn_id,
	amount_cents, commission_cents, payout_cents,
	status, refund_cents, failure_reason,
	paid_at, refunded_at, released_at, created_at`

func scanPayment(row pgx.Row) (model.Payment, error) {
	var p model.Payment
	err := row.Scan(
		&p.ID, &p.SessionID, &p.Gateway, &p.GatewayTxnID,
		&p.AmountCents, &p.CommissionCents, &p.PayoutCents,
		&p.Status, &p.RefundCents, &p.FailureReason,
		&p.PaidAt, &p.RefundedAt, &p.ReleasedAt, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Payment{}, ErrNotFound
	}
	return p, err
}

func (t *sqlTx) CreatePayment(ctx context.Context, p *model.Payment) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO payments
			(id, session_id, gateway, gateway_txn_id, amount_cents, commission_cents, payout_cents, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, p.ID, p.SessionID, p.Gateway, p.GatewayTxnID,
		p.AmountCents, p.CommissionCents, p.PayoutCents, p.Status, p.PaidAt).Scan(&p.CreatedAt)
}

func (t *sqlTx) PaymentForUpdate(ctx context.Context, sessionID string) (model.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE session_id = $1
		FOR UPDATE
	`, sessionID))
}

func (t *sqlTx) SavePayment(ctx context.Context, p *model.Payment) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			gateway_txn_id = $3,
			refund_cents = $4,
			failure_reason = $5,
			paid_at = $6,
			refunded_at = $7,
			released_at = $8
		WHERE id = $1
	`, p.ID, p.Status, p.GatewayTxnID, p.RefundCents, p.FailureReason,
		p.PaidAt, p.RefundedAt, p.ReleasedAt)
	return err
}

func (t *sqlTx) CreateReschedule(ctx context.Context, r *model.RescheduleRequest) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reschedule_requests
			(id, session_id, proposed_by, original_start, proposed_start, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, r.ID, r.SessionID, r.ProposedBy, r.OriginalStart, r.ProposedStart, r.Reason, r.Status).Scan(&r.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrReschedulePending
	}
	return err
}

func (t *sqlTx) RescheduleForUpdate(ctx context.Context, id string) (model.RescheduleRequest, error) {
	var r model.RescheduleRequest
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, session_id::text, proposed_by, original_start, proposed_start, reason, status, resolved_at, created_at
		FROM reschedule_requests
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&r.ID, &r.SessionID, &r.ProposedBy, &r.OriginalStart, &r.ProposedStart, &r.Reason, &r.Status, &r.ResolvedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RescheduleRequest{}, ErrNotFound
	}
	return r, err
}

func (t *sqlTx) SaveReschedule(ctx context.Context, r *model.RescheduleRequest) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reschedule_requests
		SET status = $2, resolved_at = $3
		WHERE id = $1
	`, r.ID, r.Status, r.ResolvedAt)
	return err
}

func (t *sqlTx) HasReview(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reviews WHERE session_id = $1)
	`, sessionID).Scan(&exists)
	return exists, err
}

func (t *sqlTx) EnqueueJob(ctx context.Context, sessionID, kind string, runAt time.Time) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO scheduler_jobs (session_id, kind, run_at, next_run_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $3, $4, $5)
		ON CONFLICT (session_id, kind) DO NOTHING
	`, sessionID, kind, runAt, traceparent, tracestate)
	return err
}

func (t *sqlTx) ClaimDueJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, session_id::text, kind, run_at, attempts, max_attempts, next_run_at, traceparent, tracestate
		FROM scheduler_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Kind, &j.RunAt, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.Traceparent, &j.Tracestate); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func (t *sqlTx) DeferJob(ctx context.Context, id int64, runAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE scheduler_jobs
		SET run_at = $2, next_run_at = $2, updated_at = now()
		WHERE id = $1
	`, id, runAt)
	return err
}

func (t *sqlTx) MarkJobDone(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE scheduler_jobs
		SET status = 'done', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (t *sqlTx) MarkJobFailed(ctx context.Context, id int64, attempts int, nextRunAt time.Time, lastError string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE scheduler_jobs
		SET attempts = $2,
			status = CASE WHEN $2 >= max_attempts THEN 'failed' ELSE 'pending' END,
			next_run_at = $3,
			last_error = $4,
			updated_at = now()
		WHERE id = $1
	`, id, attempts, nextRunAt, lastError)
	return err
}

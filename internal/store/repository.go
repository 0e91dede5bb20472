package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skyward/skyguard/internal/quality"
	"github.com/skyward/skyguard/pkg/models"
)

var (
	ErrNotFound          = errors.New("quarantine record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository persists quarantine records and drives their review lifecycle.
// It implements quality.Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Persist inserts a quarantine record. Re-inserting the same ID is a no-op,
// so retries after partial failures stay safe.
func (r *Repository) Persist(ctx context.Context, rec quality.QuarantineRecord) (string, error) {
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return "", fmt.Errorf("marshal reasons: %w", err)
	}
	record, err := json.Marshal(rec.Record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	score, err := json.Marshal(rec.Score)
	if err != nil {
		return "", fmt.Errorf("marshal score: %w", err)
	}
	anomalies, err := json.Marshal(rec.Anomalies)
	if err != nil {
		return "", fmt.Errorf("marshal anomalies: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
        INSERT INTO quarantine_records
            (id, icao24, quarantined_at, expires_at, status, reasons, record, score, anomalies)
        VALUES
            ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb)
        ON CONFLICT (id) DO NOTHING
    `, rec.ID, rec.ICAO24, rec.QuarantinedAt, rec.ExpiresAt, string(rec.Status),
		string(reasons), string(record), string(score), string(anomalies))
	if err != nil {
		return "", fmt.Errorf("insert quarantine record: %w", err)
	}

	return "quarantine_records/" + rec.ID, nil
}

// Get fetches one record by ID.
func (r *Repository) Get(ctx context.Context, id string) (quality.QuarantineRecord, error) {
	row := r.pool.QueryRow(ctx, `
        SELECT id, icao24, quarantined_at, expires_at, status, reasons, record, score, anomalies
        FROM quarantine_records
        WHERE id = $1
    `, id)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return quality.QuarantineRecord{}, ErrNotFound
	}
	return rec, err
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status quality.Status
	ICAO24 string
	Limit  int
}

// List returns records newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]quality.QuarantineRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	rows, err := r.pool.Query(ctx, `
        SELECT id, icao24, quarantined_at, expires_at, status, reasons, record, score, anomalies
        FROM quarantine_records
        WHERE ($1 = '' OR status = $1)
          AND ($2 = '' OR icao24 = $2)
        ORDER BY quarantined_at DESC
        LIMIT $3
    `, string(f.Status), f.ICAO24, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query quarantine records: %w", err)
	}
	defer rows.Close()

	out := make([]quality.QuarantineRecord, 0, f.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateStatus advances a record through the review lifecycle. The transition
// is checked against the current status inside a transaction so concurrent
// reviewers cannot race a record into an illegal state.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next quality.Status, reviewer, notes string) error {
	if !quality.ValidStatus(next) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
        SELECT status FROM quarantine_records WHERE id = $1 FOR UPDATE
    `, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock quarantine record: %w", err)
	}

	if !quality.Status(current).CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	_, err = tx.Exec(ctx, `
        UPDATE quarantine_records
        SET status = $2, reviewed_by = $3, review_notes = $4, updated_at = NOW()
        WHERE id = $1
    `, id, string(next), reviewer, notes)
	if err != nil {
		return fmt.Errorf("update quarantine status: %w", err)
	}

	return tx.Commit(ctx)
}

// ExpireOverdue moves records past their expiry into EXPIRED, honoring the
// lifecycle: only states that allow the transition are touched.
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
        UPDATE quarantine_records
        SET status = $1, updated_at = NOW()
        WHERE expires_at <= $2
          AND status IN ($3, $4)
    `, string(quality.StatusExpired), now,
		string(quality.StatusQuarantined), string(quality.StatusUnderReview))
	if err != nil {
		return 0, fmt.Errorf("expire quarantine records: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// PurgeExpired deletes terminal records whose expiry lies at least grace in
// the past. Expired rows linger for the grace window so operators can audit
// what aged out.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
        DELETE FROM quarantine_records
        WHERE expires_at <= $1
          AND status IN ($2, $3, $4)
    `, now.Add(-grace),
		string(quality.StatusExpired), string(quality.StatusRejected), string(quality.StatusReprocessed))
	if err != nil {
		return 0, fmt.Errorf("purge quarantine records: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// ApprovedForRelease returns records cleared by review, oldest first, ready
// for reprocessing.
func (r *Repository) ApprovedForRelease(ctx context.Context, limit int) ([]quality.QuarantineRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
        SELECT id, icao24, quarantined_at, expires_at, status, reasons, record, score, anomalies
        FROM quarantine_records
        WHERE status = $1
        ORDER BY quarantined_at ASC
        LIMIT $2
    `, string(quality.StatusApproved), limit)
	if err != nil {
		return nil, fmt.Errorf("query approved records: %w", err)
	}
	defer rows.Close()

	out := make([]quality.QuarantineRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusCounts summarizes the quarantine backlog by lifecycle state.
func (r *Repository) StatusCounts(ctx context.Context) (map[quality.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT status, COUNT(*) FROM quarantine_records GROUP BY status
    `)
	if err != nil {
		return nil, fmt.Errorf("count quarantine records: %w", err)
	}
	defer rows.Close()

	counts := make(map[quality.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[quality.Status(status)] = n
	}
	return counts, rows.Err()
}

func scanRecord(row pgx.Row) (quality.QuarantineRecord, error) {
	var rec quality.QuarantineRecord
	var status string
	var reasonsRaw, recordRaw, scoreRaw, anomaliesRaw []byte

	err := row.Scan(
		&rec.ID,
		&rec.ICAO24,
		&rec.QuarantinedAt,
		&rec.ExpiresAt,
		&status,
		&reasonsRaw,
		&recordRaw,
		&scoreRaw,
		&anomaliesRaw,
	)
	if err != nil {
		return quality.QuarantineRecord{}, err
	}

	rec.Status = quality.Status(status)
	if err := json.Unmarshal(reasonsRaw, &rec.Reasons); err != nil {
		return quality.QuarantineRecord{}, fmt.Errorf("unmarshal reasons: %w", err)
	}
	var sv models.StateVector
	if err := json.Unmarshal(recordRaw, &sv); err != nil {
		return quality.QuarantineRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	rec.Record = sv
	if err := json.Unmarshal(scoreRaw, &rec.Score); err != nil {
		return quality.QuarantineRecord{}, fmt.Errorf("unmarshal score: %w", err)
	}
	if len(anomaliesRaw) > 0 {
		_ = json.Unmarshal(anomaliesRaw, &rec.Anomalies)
	}
	rec.Location = "quarantine_records/" + rec.ID
	return rec, nil
}

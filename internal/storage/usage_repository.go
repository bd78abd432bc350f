package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"llm_dispatcher/internal/models"
)

// UsageRepository handles ai_usage_monthly operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// ApplyDeltas upserts every delta inside one transaction
func (r *UsageRepository) ApplyDeltas(ctx context.Context, deltas []*models.UsageDelta) error {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if err := applyDelta(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// applyDelta increments or creates the (user, month) row. Rows are only
// ever incremented, never overwritten.
func applyDelta(ctx context.Context, tx *sqlx.Tx, d *models.UsageDelta) error {
	upsert := `
		INSERT INTO ai_usage_monthly (user_id, month, total_requests, success_requests, failed_requests, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, month) DO UPDATE
		SET total_requests   = ai_usage_monthly.total_requests + EXCLUDED.total_requests,
		    success_requests = ai_usage_monthly.success_requests + EXCLUDED.success_requests,
		    failed_requests  = ai_usage_monthly.failed_requests + EXCLUDED.failed_requests,
		    updated_at       = NOW()
	`
	if _, err := tx.ExecContext(ctx, upsert, d.UserID, d.Month, d.Total, d.Success, d.Failed); err != nil {
		return fmt.Errorf("failed to upsert usage for %s/%s: %w", d.UserID, d.Month, err)
	}

	bump := `
		UPDATE ai_usage_monthly
		SET feature_counts = jsonb_set(
		        feature_counts,
		        ARRAY[$3::text],
		        to_jsonb(COALESCE((feature_counts->>$3)::bigint, 0) + $4)
		    )
		WHERE user_id = $1 AND month = $2
	`
	features := make([]string, 0, len(d.Features))
	for f := range d.Features {
		features = append(features, f)
	}
	sort.Strings(features)
	for _, f := range features {
		if _, err := tx.ExecContext(ctx, bump, d.UserID, d.Month, f, d.Features[f]); err != nil {
			return fmt.Errorf("failed to bump feature %s for %s/%s: %w", f, d.UserID, d.Month, err)
		}
	}
	return nil
}

// Get returns the aggregate for one user and month
func (r *UsageRepository) Get(ctx context.Context, userID, month string) (*models.MonthlyUsage, error) {
	query := `
		SELECT user_id, month, total_requests, success_requests, failed_requests,
		       feature_counts, updated_at
		FROM ai_usage_monthly
		WHERE user_id = $1 AND month = $2
	`

	var usage models.MonthlyUsage
	if err := r.db.conn.GetContext(ctx, &usage, query, userID, month); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &usage, nil
}

// ListMonth returns every user's aggregate for a month, busiest first
func (r *UsageRepository) ListMonth(ctx context.Context, month string, limit int) ([]*models.MonthlyUsage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT user_id, month, total_requests, success_requests, failed_requests,
		       feature_counts, updated_at
		FROM ai_usage_monthly
		WHERE month = $1
		ORDER BY total_requests DESC, user_id
		LIMIT $2
	`

	var rows []*models.MonthlyUsage
	if err := r.db.conn.SelectContext(ctx, &rows, query, month, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return rows, nil
}

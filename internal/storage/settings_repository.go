package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"llm_dispatcher/internal/models"
)

// SettingsRepository handles app_settings operations
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// All returns every setting as a key→value map
func (r *SettingsRepository) All(ctx context.Context) (map[string]string, error) {
	settings, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(settings))
	for _, s := range settings {
		values[s.Key] = s.Value
	}
	return values, nil
}

// List returns every setting row ordered by key
func (r *SettingsRepository) List(ctx context.Context) ([]models.Setting, error) {
	query := `SELECT key, value, updated_at FROM app_settings ORDER BY key`

	var settings []models.Setting
	if err := r.db.conn.SelectContext(ctx, &settings, query); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

// Get returns one setting
func (r *SettingsRepository) Get(ctx context.Context, key string) (models.Setting, error) {
	query := `SELECT key, value, updated_at FROM app_settings WHERE key = $1`

	var s models.Setting
	if err := r.db.conn.GetContext(ctx, &s, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Setting{}, ErrSettingNotFound
		}
		return models.Setting{}, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

// Set creates or replaces a setting
func (r *SettingsRepository) Set(ctx context.Context, key, value string) (models.Setting, error) {
	query := `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING key, value, updated_at
	`

	var s models.Setting
	if err := r.db.conn.GetContext(ctx, &s, query, key, value); err != nil {
		return models.Setting{}, fmt.Errorf("failed to set setting: %w", err)
	}
	return s, nil
}

// Delete removes a setting
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM app_settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSettingNotFound
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/utils"
)

const credentialColumns = `id, name, provider, model, encrypted_api_key, key_fingerprint,
	       active, created_at, updated_at`

// CredentialRepository handles ai_credentials operations
type CredentialRepository struct {
	db     *DB
	enc    *Encryption
	logger *utils.Logger
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB, enc *Encryption) *CredentialRepository {
	return &CredentialRepository{db: db, enc: enc, logger: utils.NewLogger("credentials")}
}

// ActiveCredentials loads and decrypts every active credential in creation
// order. Rows that fail to decrypt or carry an unknown provider are skipped
// with an error log so one bad row cannot take the pool down.
func (r *CredentialRepository) ActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM ai_credentials
		WHERE active = TRUE
		ORDER BY created_at, id
	`

	var records []models.CredentialRecord
	if err := r.db.conn.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}

	creds := make([]models.Credential, 0, len(records))
	for _, rec := range records {
		cred, err := r.decrypt(rec)
		if err != nil {
			r.logger.Error("Skipping unusable credential", "credential", rec.Name, "error", err)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Get loads and decrypts one credential regardless of its active flag
func (r *CredentialRepository) Get(ctx context.Context, id uuid.UUID) (models.Credential, error) {
	rec, err := r.getRecord(ctx, id)
	if err != nil {
		return models.Credential{}, err
	}
	return r.decrypt(*rec)
}

// List returns all credentials without secrets
func (r *CredentialRepository) List(ctx context.Context) ([]models.CredentialInfo, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM ai_credentials
		ORDER BY created_at, id
	`

	var records []models.CredentialRecord
	if err := r.db.conn.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	infos := make([]models.CredentialInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Info())
	}
	return infos, nil
}

// Create encrypts the API key and inserts a new active credential
func (r *CredentialRepository) Create(ctx context.Context, in models.NewCredentialInput) (models.CredentialInfo, error) {
	kind, err := models.ParseProviderKind(string(in.Provider))
	if err != nil {
		return models.CredentialInfo{}, err
	}

	encrypted, err := r.enc.EncryptString(in.APIKey)
	if err != nil {
		return models.CredentialInfo{}, fmt.Errorf("failed to encrypt api key: %w", err)
	}

	query := `
		INSERT INTO ai_credentials (id, name, provider, model, encrypted_api_key, key_fingerprint, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING ` + credentialColumns

	var rec models.CredentialRecord
	err = r.db.conn.GetContext(ctx, &rec, query,
		uuid.New(), in.Name, kind.String(), in.Model, encrypted, utils.Fingerprint(in.APIKey))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.CredentialInfo{}, ErrCredentialExists
		}
		return models.CredentialInfo{}, fmt.Errorf("failed to create credential: %w", err)
	}

	return rec.Info(), nil
}

// SetActive flips the active flag of a credential
func (r *CredentialRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE ai_credentials SET active = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.conn.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *CredentialRepository) getRecord(ctx context.Context, id uuid.UUID) (*models.CredentialRecord, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM ai_credentials
		WHERE id = $1
	`

	var rec models.CredentialRecord
	if err := r.db.conn.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &rec, nil
}

func (r *CredentialRepository) decrypt(rec models.CredentialRecord) (models.Credential, error) {
	kind, err := models.ParseProviderKind(rec.Provider)
	if err != nil {
		return models.Credential{}, err
	}
	key, err := r.enc.DecryptString(rec.EncryptedAPIKey)
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	return models.Credential{
		ID:       rec.ID,
		Name:     rec.Name,
		Provider: kind,
		Model:    rec.Model,
		APIKey:   key,
	}, nil
}

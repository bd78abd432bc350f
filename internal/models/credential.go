package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialRecord is a row of ai_credentials. The API key stays encrypted.
type CredentialRecord struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	Provider        string    `db:"provider"`
	Model           string    `db:"model"`
	EncryptedAPIKey string    `db:"encrypted_api_key"`
	KeyFingerprint  string    `db:"key_fingerprint"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Credential is one provider secret with its model and provider tag, as
// handed to the dispatcher. APIKey is plaintext and must never be logged.
type Credential struct {
	ID       uuid.UUID
	Name     string
	Provider ProviderKind
	Model    string
	APIKey   string
}

// LogFields returns the identifying fields that are safe to log.
func (c Credential) LogFields() []interface{} {
	return []interface{}{"credential", c.Name, "credential_id", c.ID, "provider", c.Provider}
}

// CredentialInfo is the secret-free view of a credential for listings.
type CredentialInfo struct {
	ID             uuid.UUID    `json:"id"`
	Name           string       `json:"name"`
	Provider       ProviderKind `json:"provider"`
	Model          string       `json:"model"`
	KeyFingerprint string       `json:"key_fingerprint"`
	Active         bool         `json:"active"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Info returns the listing view of the record.
func (r CredentialRecord) Info() CredentialInfo {
	return CredentialInfo{
		ID:             r.ID,
		Name:           r.Name,
		Provider:       ProviderKind(r.Provider),
		Model:          r.Model,
		KeyFingerprint: r.KeyFingerprint,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// NewCredentialInput carries what an operator supplies to add a credential.
type NewCredentialInput struct {
	Name     string       `json:"name" validate:"required,max=100"`
	Provider ProviderKind `json:"provider" validate:"required"`
	Model    string       `json:"model" validate:"required"`
	APIKey   string       `json:"api_key" validate:"required"`
}

package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential is not found
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists is returned when a credential name is already taken
	ErrCredentialExists = errors.New("credential already exists")

	// ErrSettingNotFound is returned when a setting key is not found
	ErrSettingNotFound = errors.New("setting not found")

	// ErrUsageNotFound is returned when no usage row exists for a user and month
	ErrUsageNotFound = errors.New("usage not found")

	// ErrReadOnlyStore is returned by mutations against the file store
	ErrReadOnlyStore = errors.New("store is read-only")
)

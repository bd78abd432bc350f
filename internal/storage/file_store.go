package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/utils"
)

// credentialNamespace seeds deterministic IDs for file credentials without one
var credentialNamespace = uuid.MustParse("6f1c2d7e-5a0b-4c8e-9d3f-2b7a1e4c9f60")

// fileDocument is the on-disk YAML layout
type fileDocument struct {
	Credentials []fileCredential  `yaml:"credentials"`
	Settings    map[string]string `yaml:"settings"`
}

type fileCredential struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	Active    *bool  `yaml:"active"`
}

type fileEntry struct {
	cred   models.Credential
	active bool
}

// FileStore serves credentials and settings from a YAML file. It is
// read-only at runtime; edit the file and the watcher reloads it.
type FileStore struct {
	path   string
	logger *utils.Logger

	mu       sync.RWMutex
	entries  []fileEntry
	settings map[string]string
	loadedAt time.Time

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewFileStore loads path and returns the store
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		logger:   utils.NewLogger("file-store"),
		stopChan: make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous contents stay in place.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	entries, err := parseFileCredentials(doc.Credentials)
	if err != nil {
		return err
	}

	settings := make(map[string]string, len(doc.Settings))
	for k, v := range doc.Settings {
		settings[k] = v
	}

	s.mu.Lock()
	s.entries = entries
	s.settings = settings
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Loaded store file", "path", s.path, "credentials", len(entries), "settings", len(settings))
	return nil
}

func parseFileCredentials(raw []fileCredential) ([]fileEntry, error) {
	seen := make(map[string]bool, len(raw))
	entries := make([]fileEntry, 0, len(raw))

	for i, fc := range raw {
		if fc.Name == "" {
			return nil, fmt.Errorf("credential %d: name is required", i)
		}
		if seen[fc.Name] {
			return nil, fmt.Errorf("credential %q: duplicate name", fc.Name)
		}
		seen[fc.Name] = true

		kind, err := models.ParseProviderKind(fc.Provider)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", fc.Name, err)
		}
		if fc.Model == "" {
			return nil, fmt.Errorf("credential %q: model is required", fc.Name)
		}

		key := fc.APIKey
		if fc.APIKeyEnv != "" {
			key = os.Getenv(fc.APIKeyEnv)
		}
		if key == "" {
			return nil, fmt.Errorf("credential %q: api_key or api_key_env is required", fc.Name)
		}

		id := uuid.NewSHA1(credentialNamespace, []byte(fc.Name))
		if fc.ID != "" {
			if id, err = uuid.Parse(fc.ID); err != nil {
				return nil, fmt.Errorf("credential %q: invalid id: %w", fc.Name, err)
			}
		}

		active := fc.Active == nil || *fc.Active
		entries = append(entries, fileEntry{
			cred: models.Credential{
				ID:       id,
				Name:     fc.Name,
				Provider: kind,
				Model:    fc.Model,
				APIKey:   key,
			},
			active: active,
		})
	}
	return entries, nil
}

// ActiveCredentials returns active credentials in file order
func (s *FileStore) ActiveCredentials(_ context.Context) ([]models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := make([]models.Credential, 0, len(s.entries))
	for _, e := range s.entries {
		if e.active {
			creds = append(creds, e.cred)
		}
	}
	return creds, nil
}

// Get returns one credential regardless of its active flag
func (s *FileStore) Get(_ context.Context, id uuid.UUID) (models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.cred.ID == id {
			return e.cred, nil
		}
	}
	return models.Credential{}, ErrCredentialNotFound
}

// List returns all credentials without secrets
func (s *FileStore) List(_ context.Context) ([]models.CredentialInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]models.CredentialInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, models.CredentialInfo{
			ID:             e.cred.ID,
			Name:           e.cred.Name,
			Provider:       e.cred.Provider,
			Model:          e.cred.Model,
			KeyFingerprint: utils.Fingerprint(e.cred.APIKey),
			Active:         e.active,
			CreatedAt:      s.loadedAt,
			UpdatedAt:      s.loadedAt,
		})
	}
	return infos, nil
}

// Create is not supported on the file store
func (s *FileStore) Create(context.Context, models.NewCredentialInput) (models.CredentialInfo, error) {
	return models.CredentialInfo{}, ErrReadOnlyStore
}

// SetActive is not supported on the file store
func (s *FileStore) SetActive(context.Context, uuid.UUID, bool) error {
	return ErrReadOnlyStore
}

// Settings returns the settings view of the store
func (s *FileStore) Settings() FileSettings {
	return FileSettings{store: s}
}

// FileSettings exposes the settings section of a FileStore
type FileSettings struct {
	store *FileStore
}

// All returns a copy of the settings map
func (f FileSettings) All(_ context.Context) (map[string]string, error) {
	s := f.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// List returns settings ordered by key
func (f FileSettings) List(_ context.Context) ([]models.Setting, error) {
	s := f.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.settings))
	for k := range s.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Setting, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.Setting{Key: k, Value: s.settings[k], UpdatedAt: s.loadedAt})
	}
	return out, nil
}

// Set is not supported on the file store
func (f FileSettings) Set(context.Context, string, string) (models.Setting, error) {
	return models.Setting{}, ErrReadOnlyStore
}

// Watch reloads the store when the file changes and then calls onChange.
// Reload errors are logged and the previous contents kept.
func (s *FileStore) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			s.logger.Error("Failed to close watcher", "error", closeErr)
		}
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(watcher, onChange)
	return nil
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher, onChange func()) {
	const debounceInterval = 100 * time.Millisecond
	base := filepath.Base(s.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			s.mu.Lock()
			if s.debounce != nil {
				s.debounce.Stop()
			}
			s.debounce = time.AfterFunc(debounceInterval, func() {
				if err := s.Reload(); err != nil {
					s.logger.Warn("Store reload failed, keeping previous contents", "error", err)
					return
				}
				if onChange != nil {
					onChange()
				}
			})
			s.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Store watcher error", "error", err)

		case <-s.stopChan:
			return
		}
	}
}

// Close stops the watcher
func (s *FileStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

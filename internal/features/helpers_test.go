package features

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/configcache"
	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/queue"
	"llm_dispatcher/internal/storage"
	"llm_dispatcher/internal/telemetry"
)

// fakeAdapter replies from a queue of scripted answers, then echoes
type fakeAdapter struct {
	kind       models.ProviderKind
	multimodal bool

	mu       sync.Mutex
	answers  []func(parts []providers.Part) (string, error)
	calls    int
	lastPart []providers.Part
	lastMdl  string
}

func (a *fakeAdapter) Kind() models.ProviderKind { return a.kind }

func (a *fakeAdapter) Multimodal() bool { return a.multimodal }

func (a *fakeAdapter) Send(_ context.Context, parts []providers.Part, model string, _ models.Credential) (string, error) {
	a.mu.Lock()
	a.calls++
	a.lastPart = parts
	a.lastMdl = model
	var next func([]providers.Part) (string, error)
	if len(a.answers) > 0 {
		next = a.answers[0]
		a.answers = a.answers[1:]
	}
	a.mu.Unlock()
	if next == nil {
		return "echo", nil
	}
	return next(parts)
}

func (a *fakeAdapter) script(answers ...func(parts []providers.Part) (string, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, answers...)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func answer(text string) func([]providers.Part) (string, error) {
	return func([]providers.Part) (string, error) { return text, nil }
}

func providerFailure(kind providers.ErrorKind) func([]providers.Part) (string, error) {
	return func([]providers.Part) (string, error) {
		return "", &providers.ProviderError{Kind: kind, Provider: models.ProviderKindOpenAI, Err: errors.New("provider said no")}
	}
}

// memoryStore implements CredentialStore and SettingsStore in memory
type memoryStore struct {
	mu       sync.Mutex
	creds    []models.Credential
	active   map[uuid.UUID]bool
	settings map[string]string
	fail     error
}

func newMemoryStore(creds ...models.Credential) *memoryStore {
	s := &memoryStore{active: map[uuid.UUID]bool{}, settings: map[string]string{}}
	for _, c := range creds {
		s.creds = append(s.creds, c)
		s.active[c.ID] = true
	}
	return s
}

func (s *memoryStore) ActiveCredentials(context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []models.Credential
	for _, c := range s.creds {
		if s.active[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Credential{}, storage.ErrCredentialNotFound
}

func (s *memoryStore) List(context.Context) ([]models.CredentialInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CredentialInfo, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, models.CredentialInfo{ID: c.ID, Name: c.Name, Provider: c.Provider, Model: c.Model, Active: s.active[c.ID]})
	}
	return out, nil
}

func (s *memoryStore) Create(_ context.Context, in models.NewCredentialInput) (models.CredentialInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := models.Credential{ID: uuid.New(), Name: in.Name, Provider: in.Provider, Model: in.Model, APIKey: in.APIKey}
	s.creds = append(s.creds, c)
	s.active[c.ID] = true
	return models.CredentialInfo{ID: c.ID, Name: c.Name, Provider: c.Provider, Model: c.Model, Active: true}, nil
}

func (s *memoryStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return storage.ErrCredentialNotFound
	}
	s.active[id] = active
	return nil
}

// settingsView adapts memoryStore to SettingsStore
type settingsView struct{ s *memoryStore }

func (v settingsView) All(context.Context) (map[string]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make(map[string]string, len(v.s.settings))
	for k, val := range v.s.settings {
		out[k] = val
	}
	return out, nil
}

func (v settingsView) List(ctx context.Context) ([]models.Setting, error) {
	all, _ := v.All(ctx)
	out := make([]models.Setting, 0, len(all))
	for k, val := range all {
		out = append(out, models.Setting{Key: k, Value: val})
	}
	return out, nil
}

func (v settingsView) Set(_ context.Context, key, value string) (models.Setting, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.settings[key] = value
	return models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}, nil
}

func testCred(name string, kind models.ProviderKind) models.Credential {
	return models.Credential{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Name:     name,
		Provider: kind,
		Model:    "own-" + name,
		APIKey:   "sk-" + name,
	}
}

type harness struct {
	text    *fakeAdapter
	media   *fakeAdapter
	store   *memoryStore
	cache   *configcache.Cache
	usage   *telemetry.Recorder
	disp    *dispatcher.Dispatcher
	service *Service
	admin   *Admin
	dlq     *storage.UsageQueueWorker
}

func newHarness(t *testing.T, creds ...models.Credential) *harness {
	t.Helper()
	text := &fakeAdapter{kind: models.ProviderKindOpenAI}
	media := &fakeAdapter{kind: models.ProviderKindGemini, multimodal: true}
	store := newMemoryStore(creds...)
	cache := configcache.New(settingsView{store})
	usage := telemetry.NewRecorder(nil)
	disp := dispatcher.New(dispatcher.NewState(), providers.NewRegistryWith(text, media), nil, dispatcher.Config{})

	cfg := queue.DefaultConfig("usage-features-test")
	worker := storage.NewUsageQueueWorker(
		queue.NewMemoryQueue[models.UsageEvent](cfg),
		queue.NewMemoryDeadLetterQueue[models.UsageEvent](),
		storage.NewLogUsageWriter(),
		cfg,
	)

	return &harness{
		text:    text,
		media:   media,
		store:   store,
		cache:   cache,
		usage:   usage,
		disp:    disp,
		service: NewService(disp, store, cache, usage, Config{}),
		admin:   NewAdmin(disp, store, settingsView{store}, cache, usage, worker),
		dlq:     worker,
	}
}

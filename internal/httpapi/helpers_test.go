package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"llm_dispatcher/internal/auth"
	"llm_dispatcher/internal/config"
	"llm_dispatcher/internal/configcache"
	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/features"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/storage"
	"llm_dispatcher/internal/telemetry"
	"llm_dispatcher/internal/utils"
)

const (
	primaryID = "0b6f3c1e-7d2a-4f59-8a41-3e5c9d0b7a11"
	backupID  = "5e2d8a4c-1b7f-4c36-9e02-6a8b3f1d4c22"
	clientKey = "app-key"
)

const twoCredentials = `
credentials:
  - id: ` + primaryID + `
    name: primary
    provider: openai
    model: gpt-4o-mini
    api_key: sk-primary
  - id: ` + backupID + `
    name: backup
    provider: gemini
    model: gemini-2.0-flash
    api_key: sk-backup
`

// routedAdapter answers per credential name; unscripted names say hello
type routedAdapter struct {
	kind       models.ProviderKind
	multimodal bool

	mu        sync.Mutex
	replies   map[string]func() (string, error)
	lastModel string
}

func (a *routedAdapter) Kind() models.ProviderKind { return a.kind }

func (a *routedAdapter) Multimodal() bool { return a.multimodal }

func (a *routedAdapter) Send(_ context.Context, _ []providers.Part, model string, cred models.Credential) (string, error) {
	a.mu.Lock()
	a.lastModel = model
	reply := a.replies[cred.Name]
	a.mu.Unlock()
	if reply == nil {
		return "hello from " + cred.Name, nil
	}
	return reply()
}

func (a *routedAdapter) on(name string, reply func() (string, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replies == nil {
		a.replies = map[string]func() (string, error){}
	}
	a.replies[name] = reply
}

func (a *routedAdapter) model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastModel
}

func failWith(kind providers.ErrorKind) func() (string, error) {
	return func() (string, error) {
		return "", &providers.ProviderError{Kind: kind, Provider: models.ProviderKindOpenAI, Err: errors.New("upstream refused")}
	}
}

// memorySettings is a writable settings store
type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memorySettings) All(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memorySettings) List(ctx context.Context) ([]models.Setting, error) {
	all, _ := m.All(ctx)
	out := make([]models.Setting, 0, len(all))
	for k, v := range all {
		out = append(out, models.Setting{Key: k, Value: v})
	}
	return out, nil
}

func (m *memorySettings) Set(_ context.Context, key, value string) (models.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}, nil
}

// fakeHistory serves one canned month
type fakeHistory struct {
	rows []*models.MonthlyUsage
}

func (f *fakeHistory) Get(_ context.Context, userID, month string) (*models.MonthlyUsage, error) {
	for _, r := range f.rows {
		if r.UserID == userID && r.Month == month {
			return r, nil
		}
	}
	return nil, storage.ErrUsageNotFound
}

func (f *fakeHistory) ListMonth(_ context.Context, month string, _ int) ([]*models.MonthlyUsage, error) {
	var out []*models.MonthlyUsage
	for _, r := range f.rows {
		if r.Month == month {
			out = append(out, r)
		}
	}
	return out, nil
}

type testServer struct {
	handler http.Handler
	cfg     *config.Config
	text    *routedAdapter
	media   *routedAdapter
	state   *dispatcher.State
	usage   *telemetry.Recorder
}

func newTestServer(t *testing.T, storeYAML string, history UsageHistory) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(storeYAML), 0o600))
	fs, err := storage.NewFileStore(path)
	require.NoError(t, err)

	text := &routedAdapter{kind: models.ProviderKindOpenAI}
	media := &routedAdapter{kind: models.ProviderKindGemini, multimodal: true}
	state := dispatcher.NewState()
	d := dispatcher.New(state, providers.NewRegistryWith(text, media), nil, dispatcher.Config{})

	settings := &memorySettings{}
	cache := configcache.New(settings)
	usage := telemetry.NewRecorder(nil)

	deps := &Dependencies{
		Service:      features.NewService(d, fs, cache, usage, features.Config{}),
		Admin:        features.NewAdmin(d, fs, settings, cache, usage, nil),
		UsageHistory: history,
		FileStore:    fs,
		Usage:        usage,
		logger:       utils.NewLogger("httpapi-test"),
	}
	t.Cleanup(func() { _ = deps.Close(context.Background()) })

	cfg := &config.Config{
		JWTSecret:     []byte("test-secret-key-for-testing"),
		ClientAPIKeys: []string{clientKey},
	}
	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)

	return &testServer{handler: mux, cfg: cfg, text: text, media: media, state: state, usage: usage}
}

func (s *testServer) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, _, err := auth.GenerateAdminJWT("ops@example.com", []auth.Role{role}, time.Hour, s.cfg)
	require.NoError(t, err)
	return token
}

// do sends body (marshalled unless it is already a string) and returns the
// recorder
func (s *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) generate(t *testing.T, body any) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, "/v1/generate", body, map[string]string{"X-API-Key": clientKey})
}

func (s *testServer) asRole(t *testing.T, role auth.Role, method, target string, body any) *httptest.ResponseRecorder {
	return s.do(t, method, target, body, map[string]string{"Authorization": "Bearer " + s.token(t, role)})
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

package httpapi

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_dispatcher/internal/auth"
	"llm_dispatcher/internal/features"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
)

func TestAdmin_Authorization(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	t.Run("missing token", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/admin/credentials", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/admin/credentials", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("viewer reads", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/stats", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("viewer cannot change", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodPost, "/admin/credentials/"+primaryID+"/test", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAdmin_ListCredentials(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody[struct {
		Credentials []models.CredentialInfo `json:"credentials"`
	}](t, w)
	require.Len(t, body.Credentials, 2)
	assert.Equal(t, "primary", body.Credentials[0].Name)
	assert.NotContains(t, w.Body.String(), "sk-primary")
}

func TestAdmin_CreateCredential(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	t.Run("unknown provider", func(t *testing.T) {
		w := s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials", map[string]string{
			"name": "third", "provider": "mistral", "model": "m", "api_key": "k",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials", map[string]string{
			"name": "third", "provider": "openai", "model": "gpt-4o-mini",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("file store is read-only", func(t *testing.T) {
		w := s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials", map[string]string{
			"name": "third", "provider": "openai", "model": "gpt-4o-mini", "api_key": "sk-third",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestAdmin_DeactivateCredential(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials/not-a-uuid/deactivate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials/"+primaryID+"/deactivate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdmin_TestCredential(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials/"+backupID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decodeBody[features.TestResult](t, w)
	assert.True(t, result.OK)
	assert.Empty(t, result.Error)

	s.text.on("primary", failWith(providers.RateLimited))
	w = s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials/"+primaryID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result = decodeBody[features.TestResult](t, w)
	assert.False(t, result.OK)
	assert.True(t, result.RateLimited)
	assert.False(t, result.CooldownUntil.IsZero())
	assert.True(t, s.state.CoolingDown(mustUUID(t, primaryID)))

	w = s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/credentials/7a7a7a7a-0000-4000-8000-000000000000/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Settings(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleAdmin, http.MethodPut, "/admin/settings/model.roleplay", SetSettingRequest{Value: "claude-3-5-haiku-latest"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[struct {
		Settings []models.Setting `json:"settings"`
	}](t, w)
	require.Len(t, body.Settings, 1)
	assert.Equal(t, "model.roleplay", body.Settings[0].Key)
	assert.Equal(t, "claude-3-5-haiku-latest", body.Settings[0].Value)

	w = s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/settings/invalidate", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.asRole(t, auth.RoleAdmin, http.MethodPut, "/admin/settings/model.roleplay", `{"value": 3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Stats(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)
	s.text.on("primary", failWith(providers.Transient))

	w := s.generate(t, GenerateRequest{Prompt: "hi", Feature: "roleplay", UserID: "user-9"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[features.StatsReport](t, w)

	assert.Equal(t, uint64(1), report.Cursor)
	require.Len(t, report.Credentials, 2)
	for _, c := range report.Credentials {
		switch c.Name {
		case "primary":
			assert.Equal(t, int64(1), c.FailureCount)
			assert.Equal(t, int64(0), c.UseCount)
		case "backup":
			assert.Equal(t, int64(1), c.UseCount)
			assert.False(t, c.LastUsedAt.IsZero())
		}
	}
	assert.Equal(t, int64(1), report.Usage["user-9"].Success)
}

func TestAdmin_DeadLetterWithoutQueue(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/dead-letter", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/dead-letter?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.asRole(t, auth.RoleAdmin, http.MethodPost, "/admin/usage/dead-letter/abc/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_MonthlyUsage(t *testing.T) {
	t.Run("not persisted", func(t *testing.T) {
		s := newTestServer(t, twoCredentials, nil)
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/2026-03", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	history := &fakeHistory{rows: []*models.MonthlyUsage{
		{UserID: "user-1", Month: "2026-03", TotalRequests: 7, SuccessRequests: 6, FailedRequests: 1},
		{UserID: "user-2", Month: "2026-03", TotalRequests: 2, SuccessRequests: 2},
	}}
	s := newTestServer(t, twoCredentials, history)

	t.Run("whole month", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/2026-03", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody[struct {
			Month string                 `json:"month"`
			Users []*models.MonthlyUsage `json:"users"`
		}](t, w)
		assert.Equal(t, "2026-03", body.Month)
		assert.Len(t, body.Users, 2)
	})

	t.Run("one user", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/2026-03?user_id=user-1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, int64(7), decodeBody[models.MonthlyUsage](t, w).TotalRequests)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/2026-03?user_id=nobody", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad month", func(t *testing.T) {
		w := s.asRole(t, auth.RoleViewer, http.MethodGet, "/admin/usage/March", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

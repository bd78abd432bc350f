package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_dispatcher/internal/auth"
	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/utils"
)

func TestGenerate_Success(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.generate(t, GenerateRequest{Prompt: "Translate: hola", Feature: "translate", UserID: "user-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[GenerateResponse](t, w)
	assert.Equal(t, "hello from primary", resp.Text)
	assert.Equal(t, "primary", resp.CredentialName)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)

	counters := s.usage.User("user-1")
	assert.Equal(t, int64(1), counters.Success)
}

func TestGenerate_RequiresClientKey(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.do(t, http.MethodPost, "/v1/generate", GenerateRequest{Prompt: "hi", Feature: "roleplay"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGenerate_Validation(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing prompt", GenerateRequest{Feature: "translate"}},
		{"missing feature", GenerateRequest{Prompt: "hi"}},
		{"attachment without mime type", GenerateRequest{Prompt: "hi", Feature: "pronunciation", Attachment: &AttachmentPayload{Data: "AAEC"}}},
		{"attachment not base64", GenerateRequest{Prompt: "hi", Feature: "pronunciation", Attachment: &AttachmentPayload{MIMEType: "audio/wav", Data: "%%%"}}},
		{"unknown field", `{"prompt":"hi","feature":"translate","temperature":2}`},
		{"empty body", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.generate(t, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, codeInvalidRequest, decodeBody[utils.ErrorResponse](t, w).Code)
		})
	}
}

func TestGenerate_FailsOverToNextCredential(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)
	s.text.on("primary", failWith(providers.RateLimited))

	w := s.generate(t, GenerateRequest{Prompt: "hi", Feature: "roleplay"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[GenerateResponse](t, w)
	assert.Equal(t, "backup", resp.CredentialName)
	assert.Equal(t, 2, resp.Attempts)

	primary := s.state.Stats(mustUUID(t, primaryID))
	assert.Equal(t, int64(1), primary.FailureCount)
	assert.True(t, s.state.CoolingDown(mustUUID(t, primaryID)))
}

func TestGenerate_AllCredentialsFail(t *testing.T) {
	tests := []struct {
		name     string
		kind     providers.ErrorKind
		wantCode string
	}{
		{"transient", providers.Transient, codeProvidersUnavailable},
		{"rate limited", providers.RateLimited, codeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, twoCredentials, nil)
			s.text.on("primary", failWith(tt.kind))
			s.media.on("backup", failWith(tt.kind))

			w := s.generate(t, GenerateRequest{Prompt: "hi", Feature: "roleplay", UserID: "user-2"})
			require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decodeBody[utils.ErrorResponse](t, w).Code)
			assert.Equal(t, int64(1), s.usage.User("user-2").Failed)
		})
	}
}

func TestGenerate_AttachmentSkipsTextOnlyCredential(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.generate(t, GenerateRequest{
		Prompt:  "Rate my pronunciation",
		Feature: "pronunciation",
		Attachment: &AttachmentPayload{
			MIMEType: "audio/wav",
			Data:     base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE")),
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[GenerateResponse](t, w)
	assert.Equal(t, "backup", resp.CredentialName)
	assert.Equal(t, 2, resp.Attempts)
}

func TestGenerate_NoCredentials(t *testing.T) {
	s := newTestServer(t, "credentials: []\n", nil)

	w := s.generate(t, GenerateRequest{Prompt: "hi", Feature: "translate"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, codeNoCredentials, decodeBody[utils.ErrorResponse](t, w).Code)
}

func TestGenerate_UsesFeatureModelSetting(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.asRole(t, auth.RoleAdmin, http.MethodPut, "/admin/settings/model.translate", SetSettingRequest{Value: "gpt-4.1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.generate(t, GenerateRequest{Prompt: "hi", Feature: "translate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "gpt-4.1", decodeBody[GenerateResponse](t, w).Model)
	assert.Equal(t, "gpt-4.1", s.text.model())
}

func TestWriteDispatchError_CallerDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil).WithContext(ctx)

	w := httptest.NewRecorder()
	writeDispatchError(w, req, &dispatcher.AggregateFailure{Attempts: 0, Last: context.Canceled})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	// A per-attempt timeout with a live caller is an upstream failure
	live := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	w = httptest.NewRecorder()
	writeDispatchError(w, live, &dispatcher.AggregateFailure{Attempts: 2, Last: context.DeadlineExceeded})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = httptest.NewRecorder()
	writeDispatchError(w, live, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, twoCredentials, nil)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

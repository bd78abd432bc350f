package features

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
)

func TestSendRequest_Success(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	h.text.script(answer("hola"))

	out, err := h.service.SendRequest(context.Background(), "hello", "translate to Spanish", FeatureTranslate, nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "hola", out)

	require.Len(t, h.text.lastPart, 2)
	assert.True(t, h.text.lastPart[0].Context)
	assert.Equal(t, "translate to Spanish", h.text.lastPart[0].Text)
	assert.Equal(t, "hello", h.text.lastPart[1].Text)
	assert.Equal(t, "own-a", h.text.lastMdl, "credential model when nothing is configured")

	u := h.usage.User("user-1")
	assert.Equal(t, int64(1), u.Success)
	assert.Equal(t, int64(1), u.Features[FeatureTranslate])
}

func TestSendRequest_ConfiguredModelOverrides(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	h.store.settings["model."+FeatureTranslate] = "gpt-4o-mini"

	_, err := h.service.SendRequest(context.Background(), "hello", "", FeatureTranslate, nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", h.text.lastMdl)
	require.Len(t, h.text.lastPart, 1, "no context part without context")
}

func TestSendRequest_DefaultModel(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	h.service = NewService(h.disp, h.store, h.cache, h.usage, Config{DefaultModel: "house-model"})

	_, err := h.service.SendRequest(context.Background(), "hello", "", FeatureRoleplay, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "house-model", h.text.lastMdl)
}

func TestSendRequest_NoCredentials(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.SendRequest(context.Background(), "hello", "", FeatureTranslate, nil, "user-1")
	require.Error(t, err)
	assert.True(t, dispatcher.IsConfigurationError(err))
	assert.Equal(t, int64(0), h.usage.User("user-1").Total, "configuration errors are not usage")
}

func TestSendRequest_CredentialLoadFailure(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	h.store.fail = errors.New("connection refused")

	_, err := h.service.SendRequest(context.Background(), "hello", "", FeatureTranslate, nil, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load credentials")
}

func TestSendRequest_AllFailRecordsFailure(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI), testCred("b", models.ProviderKindOpenAI))
	h.text.script(providerFailure(providers.Transient), providerFailure(providers.RateLimited))

	_, err := h.service.SendRequest(context.Background(), "hello", "", FeatureTranslate, nil, "user-1")
	require.Error(t, err)
	assert.True(t, dispatcher.IsAggregateFailure(err))
	assert.True(t, providers.IsRateLimited(errors.Unwrap(err)))
	assert.Equal(t, int64(1), h.usage.User("user-1").Failed)
}

func TestSendRequest_AttachmentRoutesToMultimodal(t *testing.T) {
	h := newHarness(t, testCred("text", models.ProviderKindOpenAI), testCred("media", models.ProviderKindGemini))
	h.media.script(answer("SCORE: 80\nFEEDBACK: good"))

	out, err := h.service.SendRequest(context.Background(), "rate this", "", FeaturePronunciation,
		&Attachment{Data: []byte("RIFF"), MIMEType: "audio/wav"}, "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "SCORE: 80")
	assert.Equal(t, 0, h.text.callCount())

	require.Len(t, h.media.lastPart, 2)
	assert.Equal(t, "audio/wav", h.media.lastPart[1].MIMEType)
}

func TestSendRequest_DetailedReportsCredential(t *testing.T) {
	cred := testCred("a", models.ProviderKindOpenAI)
	h := newHarness(t, cred)

	res, err := h.service.SendRequestDetailed(context.Background(), "hello", "", FeatureTranslate, nil, "user-1", "req-42")
	require.NoError(t, err)
	assert.Equal(t, cred.ID, res.CredentialID)
	assert.Equal(t, 1, res.Attempts)
}

func TestBuildParts(t *testing.T) {
	parts := buildParts("p", "c", &Attachment{Data: []byte{1}, MIMEType: "image/png"})
	require.Len(t, parts, 3)
	assert.True(t, parts[0].Context)
	assert.Equal(t, "p", parts[1].Text)
	assert.True(t, parts[2].IsBinary())

	parts = buildParts("p", "", &Attachment{})
	require.Len(t, parts, 1, "empty attachments are dropped")
}

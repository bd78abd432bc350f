package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/storage"
)

func TestAdmin_TestCredential(t *testing.T) {
	cred := testCred("a", models.ProviderKindOpenAI)
	h := newHarness(t, cred)
	ctx := context.Background()

	res, err := h.admin.TestCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.RateLimited)
	assert.Empty(t, res.Error)

	h.text.script(providerFailure(providers.RateLimited))
	res, err = h.admin.TestCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.RateLimited)
	assert.WithinDuration(t, time.Now().Add(dispatcher.DefaultCooldown), res.CooldownUntil, 5*time.Second)
	assert.True(t, h.disp.State().CoolingDown(cred.ID))

	h.text.script(providerFailure(providers.Transient))
	res, err = h.admin.TestCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, res.RateLimited)
	assert.Contains(t, res.Error, "provider said no")

	_, err = h.admin.TestCredential(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestAdmin_DeactivateRemovesFromRotation(t *testing.T) {
	a, b := testCred("a", models.ProviderKindOpenAI), testCred("b", models.ProviderKindOpenAI)
	h := newHarness(t, a, b)
	ctx := context.Background()

	require.NoError(t, h.admin.DeactivateCredential(ctx, a.ID))
	for i := 0; i < 3; i++ {
		res, err := h.service.SendRequestDetailed(ctx, "hi", "", FeatureTranslate, nil, "", "")
		require.NoError(t, err)
		assert.Equal(t, b.ID, res.CredentialID)
	}

	require.NoError(t, h.admin.ActivateCredential(ctx, a.ID))
	active, _ := h.store.ActiveCredentials(ctx)
	assert.Len(t, active, 2)

	assert.ErrorIs(t, h.admin.DeactivateCredential(ctx, uuid.New()), storage.ErrCredentialNotFound)
}

func TestAdmin_SetSettingInvalidatesCache(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	ctx := context.Background()

	_, err := h.service.SendRequest(ctx, "hi", "", FeatureTranslate, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "own-a", h.text.lastMdl)
	refreshes := h.cache.Refreshes()

	setting, err := h.admin.SetSetting(ctx, "model."+FeatureTranslate, "claude-haiku")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku", setting.Value)

	_, err = h.service.SendRequest(ctx, "hi", "", FeatureTranslate, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku", h.text.lastMdl)
	assert.Equal(t, refreshes+1, h.cache.Refreshes())

	settings, err := h.admin.Settings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, 1)

	_, err = h.admin.SetSetting(ctx, "", "x")
	assert.Error(t, err)
}

func TestAdmin_CreateAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.admin.CreateCredential(ctx, models.NewCredentialInput{
		Name: "primary", Provider: models.ProviderKindAnthropic, Model: "claude-3-5-haiku-latest", APIKey: "sk-ant",
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", info.Name)

	list, err := h.admin.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)
}

func TestAdmin_Stats(t *testing.T) {
	a, b := testCred("a", models.ProviderKindOpenAI), testCred("b", models.ProviderKindOpenAI)
	h := newHarness(t, a, b)
	ctx := context.Background()

	h.text.script(providerFailure(providers.RateLimited))
	_, err := h.service.SendRequest(ctx, "hi", "", FeatureTranslate, nil, "user-1")
	require.NoError(t, err)

	report, err := h.admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Cursor)
	require.Len(t, report.Credentials, 2)

	byName := map[string]CredentialStatus{}
	for _, c := range report.Credentials {
		byName[c.Name] = c
	}
	assert.Equal(t, int64(1), byName["a"].FailureCount)
	assert.False(t, byName["a"].CoolingDownUntil.IsZero())
	assert.Equal(t, int64(1), byName["b"].UseCount)
	assert.True(t, byName["b"].CoolingDownUntil.IsZero())
	assert.Equal(t, int64(1), report.Usage["user-1"].Success)
}

func TestAdmin_DeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	items, err := h.admin.DeadLetterItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = h.admin.RetryDeadLetter(ctx, "missing")
	assert.Error(t, err)

	noDLQ := NewAdmin(h.disp, h.store, settingsView{h.store}, h.cache, h.usage, nil)
	_, err = noDLQ.DeadLetterItems(ctx, 10)
	assert.True(t, errors.Is(err, ErrNoDeadLetterQueue))
	assert.ErrorIs(t, noDLQ.RetryDeadLetter(ctx, "x"), ErrNoDeadLetterQueue)
}

func TestAdmin_InvalidateConfig(t *testing.T) {
	h := newHarness(t, testCred("a", models.ProviderKindOpenAI))
	ctx := context.Background()

	h.cache.Get(ctx, FeatureTranslate, "")
	h.store.settings["model."+FeatureTranslate] = "new-model"
	h.admin.InvalidateConfig()
	assert.Equal(t, "new-model", h.cache.Get(ctx, FeatureTranslate, ""))
}

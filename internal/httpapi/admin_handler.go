package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"llm_dispatcher/internal/features"
	"llm_dispatcher/internal/middleware"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/queue"
	"llm_dispatcher/internal/storage"
	"llm_dispatcher/internal/utils"
)

const defaultDeadLetterLimit = 50

// AdminHandler serves the operator endpoints
type AdminHandler struct {
	admin   *features.Admin
	history UsageHistory
	logger  *utils.Logger
}

// NewAdminHandler creates the admin handler. history may be nil.
func NewAdminHandler(admin *features.Admin, history UsageHistory) *AdminHandler {
	return &AdminHandler{
		admin:   admin,
		history: history,
		logger:  utils.NewLogger("admin-api"),
	}
}

// SetSettingRequest is the body of PUT /admin/settings/{key}
type SetSettingRequest struct {
	Value string `json:"value" validate:"max=256"`
}

// ListCredentials handles GET /admin/credentials
func (h *AdminHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.admin.ListCredentials(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

// CreateCredential handles POST /admin/credentials
func (h *AdminHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var in models.NewCredentialInput
	if err := utils.DecodeJSON(w, r, &in); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := validate.Struct(&in); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return
	}
	kind, err := models.ParseProviderKind(string(in.Provider))
	if err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	in.Provider = kind

	info, err := h.admin.CreateCredential(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "credential created", "credential_id", info.ID)
	utils.RespondWithJSON(w, http.StatusCreated, info)
}

// TestCredential handles POST /admin/credentials/{id}/test
func (h *AdminHandler) TestCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(r, "id")
	if !ok {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "invalid credential id")
		return
	}
	result, err := h.admin.TestCredential(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

// DeactivateCredential handles POST /admin/credentials/{id}/deactivate
func (h *AdminHandler) DeactivateCredential(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// ActivateCredential handles POST /admin/credentials/{id}/activate
func (h *AdminHandler) ActivateCredential(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := parseUUIDParam(r, "id")
	if !ok {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "invalid credential id")
		return
	}

	var err error
	if active {
		err = h.admin.ActivateCredential(r.Context(), id)
	} else {
		err = h.admin.DeactivateCredential(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "credential active changed", "credential_id", id, "active", active)
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

// ListSettings handles GET /admin/settings
func (h *AdminHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.admin.Settings(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// SetSetting handles PUT /admin/settings/{key}
func (h *AdminHandler) SetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" || len(key) > 128 {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "invalid setting key")
		return
	}

	var req SetSettingRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return
	}

	setting, err := h.admin.SetSetting(r.Context(), key, req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "setting changed", "key", key)
	utils.RespondWithJSON(w, http.StatusOK, setting)
}

// InvalidateConfig handles POST /admin/settings/invalidate
func (h *AdminHandler) InvalidateConfig(w http.ResponseWriter, r *http.Request) {
	h.admin.InvalidateConfig()
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}

// DeadLetterItems handles GET /admin/usage/dead-letter
func (h *AdminHandler) DeadLetterItems(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	items, err := h.admin.DeadLetterItems(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RetryDeadLetter handles POST /admin/usage/dead-letter/{id}/retry
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.admin.RetryDeadLetter(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "usage event requeued", "item_id", id)
	w.WriteHeader(http.StatusAccepted)
}

// MonthlyUsage handles GET /admin/usage/{month}, optionally for one user
func (h *AdminHandler) MonthlyUsage(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		utils.RespondWithError(w, http.StatusNotFound, "usage history is not persisted in this store mode")
		return
	}
	month := r.PathValue("month")
	if _, err := time.Parse("2006-01", month); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "month must be YYYY-MM")
		return
	}

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		usage, err := h.history.Get(r.Context(), userID, month)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, usage)
		return
	}

	rows, err := h.history.ListMonth(r.Context(), month, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"month": month, "users": rows})
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrCredentialNotFound),
		errors.Is(err, storage.ErrSettingNotFound),
		errors.Is(err, storage.ErrUsageNotFound),
		errors.Is(err, queue.ErrItemNotFound),
		errors.Is(err, features.ErrNoDeadLetterQueue):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCredentialExists),
		errors.Is(err, storage.ErrReadOnlyStore):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Admin request failed", "path", r.URL.Path, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *AdminHandler) audit(r *http.Request, msg string, keyvals ...any) {
	adminID, _ := middleware.GetAdminID(r.Context())
	h.logger.Info("Admin "+msg, append([]any{"admin", adminID}, keyvals...)...)
}

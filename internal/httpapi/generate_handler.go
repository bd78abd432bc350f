package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/features"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/utils"
)

// GenerateRequest is the body of POST /v1/generate
type GenerateRequest struct {
	Prompt     string             `json:"prompt" validate:"required"`
	Context    string             `json:"context,omitempty"`
	Feature    string             `json:"feature" validate:"required,max=64"`
	UserID     string             `json:"user_id,omitempty" validate:"max=128"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload carries binary input as base64
type AttachmentPayload struct {
	MIMEType string `json:"mime_type" validate:"required"`
	Data     string `json:"data" validate:"required,base64"`
}

// GenerateResponse is the answer of POST /v1/generate
type GenerateResponse struct {
	Text           string `json:"text"`
	RequestID      string `json:"request_id"`
	CredentialName string `json:"credential_name"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Attempts       int    `json:"attempts"`
}

// Error codes returned next to the message
const (
	codeInvalidRequest       = "invalid_request"
	codeNoCredentials        = "no_credentials"
	codeProvidersUnavailable = "providers_unavailable"
	codeRateLimited          = "rate_limited"
	codeTimeout              = "timeout"
	codeInternal             = "internal_error"
)

var validate = validator.New()

// handleGenerate runs one prompt through the dispatcher.
//
// Flow:
//  1. Decode and validate the JSON body
//  2. Decode the optional base64 attachment
//  3. Resolve model, rotate credentials and fail over (features.Service)
//  4. Map the terminal error, or return the text
func (d *Dependencies) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := newRequestID()

	var req GenerateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return
	}

	var attachment *features.Attachment
	if req.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(req.Attachment.Data)
		if err != nil || len(data) == 0 {
			utils.RespondWithErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "attachment data must be non-empty base64")
			return
		}
		attachment = &features.Attachment{Data: data, MIMEType: req.Attachment.MIMEType}
	}

	res, err := d.Service.SendRequestDetailed(r.Context(), req.Prompt, req.Context, req.Feature, attachment, req.UserID, reqID)
	if err != nil {
		d.logger.Warn("Generate failed", "request_id", reqID, "feature", req.Feature, "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		writeDispatchError(w, r, err)
		return
	}

	d.logger.Debug("Generate served",
		"request_id", reqID,
		"feature", req.Feature,
		"credential", res.CredentialName,
		"attempts", res.Attempts,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	utils.RespondWithJSON(w, http.StatusOK, GenerateResponse{
		Text:           res.Text,
		RequestID:      reqID,
		CredentialName: res.CredentialName,
		Provider:       string(res.Provider),
		Model:          res.Model,
		Attempts:       res.Attempts,
	})
}

// writeDispatchError is the single place dispatch errors become statuses.
// A per-attempt timeout inside an aggregate failure is still a 502; only the
// caller's own deadline maps to 504.
func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case dispatcher.IsConfigurationError(err):
		utils.RespondWithErrorCode(w, http.StatusServiceUnavailable, codeNoCredentials, "no provider credentials are configured")
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		utils.RespondWithErrorCode(w, http.StatusGatewayTimeout, codeTimeout, "request timed out")
	case dispatcher.IsAggregateFailure(err):
		code := codeProvidersUnavailable
		if providers.IsRateLimited(err) {
			code = codeRateLimited
		}
		utils.RespondWithErrorCode(w, http.StatusBadGateway, code, "all provider credentials failed")
	default:
		utils.RespondWithErrorCode(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + " (" + fe.Tag() + ")"
	}
	return err.Error()
}

// newRequestID generates a unique request ID
func newRequestID() string {
	return uuid.New().String()
}

// parseUUIDParam reads a path value as a UUID
func parseUUIDParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

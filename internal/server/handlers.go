package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mkvid/commentary-api/internal/orchestrator"
	"github.com/mkvid/commentary-api/internal/pipeline"
	"github.com/mkvid/commentary-api/internal/quota"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	orch      *orchestrator.Orchestrator
	authority *quota.Authority
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator, authority *quota.Authority, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orch:      orch,
		authority: authority,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ValidateSession handles POST /sessions requests.
//
// Validation is side-effectful: the first successful validation binds the
// username to the code. The decision is reported with 200 either way so
// clients can show the rejection message.
func (h *Handlers) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req ValidateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	decision, err := h.authority.Validate(r.Context(), req.Username, req.Code)
	if err != nil {
		h.logger.Error("session validation failed",
			slog.String("username", req.Username),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to validate session", "VALIDATION_FAILED")
		return
	}

	resp := SessionResponse{
		Accepted:  decision.Accepted,
		Remaining: decision.Remaining,
		NewUser:   decision.NewUser,
	}
	if !decision.Accepted {
		resp.Message = decision.Reason.Message()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitJob handles POST /jobs requests.
//
// The pipeline runs synchronously: at most one job is in flight, and the
// response carries the delivered artifact. A second submission while a job
// is running gets 409.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	result, err := h.orch.Submit(r.Context(), orchestrator.Submission{
		Username: req.Username,
		Code:     req.Code,
		Source:   pipeline.Source{URL: req.SourceURL, LocalPath: req.LocalPath},
		Settings: pipeline.Settings{Style: req.Style, Language: req.Language},
	})
	if err != nil {
		h.writeSubmitError(w, req.Username, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitJobResponse{
		Title:     result.Artifact.Title,
		Path:      result.Artifact.Path,
		URL:       result.Artifact.URL,
		Remaining: result.Remaining,
	})
}

// writeSubmitError maps orchestrator errors to HTTP responses.
func (h *Handlers) writeSubmitError(w http.ResponseWriter, username string, err error) {
	var rejected *orchestrator.RejectedError
	var stageErr *pipeline.StageError

	switch {
	case errors.As(err, &rejected):
		writeError(w, http.StatusForbidden, rejected.Error(), "POLICY_REJECTED")
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, "a job is already in progress, please wait", "BUSY")
	case errors.As(err, &stageErr):
		h.logger.Error("pipeline stage failed",
			slog.String("username", username),
			slog.String("stage", stageErr.Stage),
			slog.String("error", stageErr.Error()),
		)
		writeError(w, http.StatusBadGateway, stageErr.Error(), "PIPELINE_FAILED")
	default:
		h.logger.Error("job submission failed",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to run job", "JOB_FAILED")
	}
}

// CurrentJob handles GET /jobs/current requests.
func (h *Handlers) CurrentJob(w http.ResponseWriter, r *http.Request) {
	status := h.orch.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:     string(status.State),
		Username:  status.Username,
		StartedAt: status.StartedAt,
	})
}

// IssueCodes handles POST /admin/codes requests.
func (h *Handlers) IssueCodes(w http.ResponseWriter, r *http.Request) {
	var req IssueCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	codes, err := h.authority.IssueCodes(r.Context(), req.Count, req.MaxUses, req.Prefix)
	if err != nil {
		h.logger.Error("failed to issue codes",
			slog.Int("count", req.Count),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to issue codes", "ISSUANCE_FAILED")
		return
	}

	h.logger.Info("codes issued",
		slog.Int("count", len(codes)),
		slog.Int("max_uses", req.MaxUses),
	)
	writeJSON(w, http.StatusCreated, IssueCodesResponse{Codes: codes})
}

// ListCodes handles GET /admin/codes requests.
func (h *Handlers) ListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.authority.ListCodes(r.Context())
	if err != nil {
		h.logger.Error("failed to list codes", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list codes", "REPORT_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, CodesReportResponse{Codes: codes})
}

// ListUsers handles GET /admin/users requests.
// The optional "code" query parameter restricts the report to one code.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.authority.ListUsers(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Error("failed to list users", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list users", "REPORT_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, UsersReportResponse{Users: users})
}

// RevokeCode handles DELETE /admin/codes/{code} requests.
// Revocation cascades: users bound to the code lose access. Revoking an
// unknown code is a no-op.
func (h *Handlers) RevokeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required", "MISSING_CODE")
		return
	}

	if err := h.authority.RevokeCode(r.Context(), code); err != nil {
		h.logger.Error("failed to revoke code",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to revoke code", "REVOCATION_FAILED")
		return
	}

	h.logger.Info("code revoked", slog.String("code", code))
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

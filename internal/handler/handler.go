// Package handler exposes the persistence engine over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/lmsstate/internal/i18n"
	"github.com/pavelanni/lmsstate/internal/model"
	"github.com/pavelanni/lmsstate/internal/persist"
	"github.com/pavelanni/lmsstate/internal/reduce"
)

// maxBodyBytes bounds request bodies; the largest legitimate body is one state document.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	engine *persist.Engine
}

// New creates a new Handler.
func New(e *persist.Engine) *Handler {
	return &Handler{engine: e}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Post("/session/initialize", h.handleInitialize)
	r.Post("/session/terminate", h.handleTerminate)
	r.Get("/state", h.handleLoad)
	r.Put("/state", h.handleSave)
	r.Post("/state/commit", h.handleForceCommit)
	r.Put("/completion", h.handleCompletion)
	r.Put("/score", h.handleScore)
}

type response struct {
	Result    any      `json:"result,omitempty"`
	Notice    string   `json:"notice,omitempty"`
	Usage     string   `json:"usage,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Result: h.engine.Status(), Languages: i18n.Languages()})
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	res := h.engine.Initialize(r.Context())
	out := response{Result: res}
	switch {
	case !res.LMS:
		out.Notice = i18n.T(r.Context(), "LocalOnly")
	case !res.Writer:
		out.Notice = i18n.T(r.Context(), "ReadOnly")
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, h.engine.Terminate(r.Context()))
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	res := h.engine.LoadState(r.Context())
	out := response{Result: res}
	switch {
	case res.MultiTabWarning:
		out.Notice = i18n.T(r.Context(), "MultiTabWarning")
	case res.Source == model.SourceNone:
		out.Notice = i18n.T(r.Context(), "NoSavedState")
	case res.Source == model.SourceMerged:
		out.Notice = i18n.T(r.Context(), "StateMerged")
	default:
		out.Notice = i18n.T(r.Context(), "StateRestored")
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	critical := false
	if v := r.URL.Query().Get("critical"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, r, "invalid critical flag")
			return
		}
		critical = b
	}

	var s model.State
	if err := decodeBody(w, r, &s); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	h.writeResult(w, r, h.engine.SaveState(r.Context(), s, persist.SaveOptions{Critical: critical}))
}

func (h *Handler) handleForceCommit(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, r, h.engine.ForceCommit(r.Context()))
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if body.Status == "" {
		h.badRequest(w, r, "status cannot be empty")
		return
	}
	h.writeResult(w, r, h.engine.SetCompletionStatus(r.Context(), body.Status))
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Raw float64 `json:"raw"`
		Max float64 `json:"max"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if body.Max <= 0 || body.Raw < 0 || body.Raw > body.Max {
		h.badRequest(w, r, "score must be within 0..max")
		return
	}
	h.writeResult(w, r, h.engine.SetScore(r.Context(), body.Raw, body.Max))
}

// writeResult renders a write outcome with its localized notice.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res persist.Result) {
	out := response{Result: res, Notice: notice(r, res)}
	if res.LMS == persist.LMSCommitted && res.Bytes > 0 {
		out.Usage = i18n.Tp(r.Context(), "BytesUsed", res.Bytes)
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		slog.Debug("write not completed", "path", r.URL.Path, "layer", res.Layer, "error", res.Err)
	}
	writeJSON(w, statusFor(res), out)
}

func notice(r *http.Request, res persist.Result) string {
	ctx := r.Context()
	if res.OK {
		switch {
		case res.LMS == persist.LMSDeferred:
			return i18n.T(ctx, "SaveDeferred")
		case res.Level != "" && res.Level != model.LevelFull:
			return i18n.Td(ctx, "StateReduced", map[string]any{"Level": res.Level})
		default:
			return i18n.T(ctx, "Saved")
		}
	}
	switch {
	case errors.Is(res.Err, persist.ErrReadOnly):
		return i18n.T(ctx, "ReadOnly")
	case errors.Is(res.Err, persist.ErrNotInitialized):
		return i18n.T(ctx, "NotInitialized")
	case errors.Is(res.Err, persist.ErrTerminated):
		return i18n.T(ctx, "SessionTerminated")
	case errors.Is(res.Err, persist.ErrTooLarge), errors.Is(res.Err, reduce.ErrOverflow):
		return i18n.T(ctx, "StateTooLarge")
	case errors.Is(res.Err, persist.ErrHostRejected):
		return i18n.T(ctx, "HostRejected")
	case res.Err != nil:
		return i18n.Td(ctx, "SaveFailed", map[string]any{"Reason": res.Err.Error()})
	}
	return ""
}

func statusFor(res persist.Result) int {
	switch {
	case res.OK:
		return http.StatusOK
	case errors.Is(res.Err, persist.ErrNotInitialized), errors.Is(res.Err, persist.ErrTerminated):
		return http.StatusConflict
	case errors.Is(res.Err, persist.ErrReadOnly):
		return http.StatusLocked
	case errors.Is(res.Err, persist.ErrTooLarge), errors.Is(res.Err, reduce.ErrOverflow):
		return http.StatusRequestEntityTooLarge
	case errors.Is(res.Err, persist.ErrHostRejected):
		return http.StatusBadGateway
	case res.Layer == persist.LayerLocal:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, response{Notice: i18n.T(r.Context(), "BadRequest"), Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

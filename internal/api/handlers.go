// Package api exposes the session orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"storyloom/internal/generate"
	"storyloom/internal/search"
	"storyloom/internal/session"
	"storyloom/internal/workflow"
)

const userHeader = "X-User-ID"

// maxUploadBytes bounds manual asset uploads.
const maxUploadBytes = 32 << 20

// Searcher finds a user's sessions by keyword.
type Searcher interface {
	Search(userID, query string, k int) ([]search.Hit, error)
}

type Handler struct {
	machine            *workflow.Machine
	searcher           Searcher
	corsAllowedOrigins []string
	logger             *zap.Logger
}

// NewHandler wires the HTTP layer. searcher may be nil; the search
// endpoint then reports 503.
func NewHandler(machine *workflow.Machine, searcher Searcher, corsAllowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		machine:            machine,
		searcher:           searcher,
		corsAllowedOrigins: corsAllowedOrigins,
		logger:             logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", userHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Post("/sessions", h.createSession)
			r.Get("/sessions", h.listSessions)
			r.Get("/sessions/search", h.searchSessions)
			r.Get("/sessions/{sessionID}", h.getSession)
			r.Get("/sessions/{sessionID}/full", h.getSessionFull)
			r.Post("/sessions/{sessionID}/approve", h.approve)
			r.Post("/sessions/{sessionID}/regenerate", h.regenerate)
			r.Post("/sessions/{sessionID}/cancel", h.cancel)
			r.Delete("/sessions/{sessionID}", h.deleteSession)
			r.Post("/sessions/{sessionID}/assets", h.uploadAsset)
		})
	})
	return r
}

// requireUser resolves the caller identity from the X-User-ID header.
// Authentication proper sits in front of this service.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing "+userHeader+" header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string { return r.Header.Get(userHeader) }

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Prompt         string `json:"prompt"`
	Title          string `json:"title"`
	TargetDuration int    `json:"target_duration"`
	Mode           string `json:"mode"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	sess, err := h.machine.Start(r.Context(), userID(r), req.Prompt, req.TargetDuration, session.Mode(req.Mode), req.Title)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     sess.ID,
		"status": sess.Status,
		"mode":   sess.Mode,
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := h.machine.List(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

func (h *Handler) searchSessions(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("search is not configured"))
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("missing q parameter"))
		return
	}
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	hits, err := h.searcher.Search(userID(r), query, k)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.machine.GetStatus(r.Context(), userID(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getSessionFull(w http.ResponseWriter, r *http.Request) {
	sess, err := h.machine.GetFull(r.Context(), userID(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type approveRequest struct {
	Stage    string `json:"stage"`
	Notes    string `json:"notes"`
	Selected []int  `json:"selected"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	sess, err := h.machine.Approve(r.Context(), userID(r), chi.URLParam(r, "sessionID"), session.Stage(req.Stage), req.Notes, req.Selected)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     sess.ID,
		"status": sess.Status,
	})
}

type regenerateRequest struct {
	Stage    string `json:"stage"`
	Feedback string `json:"feedback"`
	Selected []int  `json:"selected"`
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	sess, err := h.machine.Regenerate(r.Context(), userID(r), chi.URLParam(r, "sessionID"), session.Stage(req.Stage), req.Feedback, req.Selected)
	if errors.Is(err, generate.ErrCancelled) {
		// Cancellation is a user action, not a failure.
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     chi.URLParam(r, "sessionID"),
			"status": "cancelled",
		})
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     sess.ID,
		"status": sess.Status,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Cancel(r.Context(), userID(r), chi.URLParam(r, "sessionID")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Delete(r.Context(), userID(r), chi.URLParam(r, "sessionID")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) uploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return
	}

	sess, err := h.machine.UploadManualAsset(r.Context(), userID(r), chi.URLParam(r, "sessionID"),
		header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ref := sess.Output(session.StageReferenceImage)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           sess.ID,
		"asset_count":  len(ref.Assets),
		"manual_count": len(sess.ManualAssets()),
	})
}

// writeDomainError maps orchestrator errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var mismatch *workflow.StageMismatchError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
	case errors.Is(err, workflow.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody("not your session"))
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "stage mismatch",
			"requested_stage": mismatch.Requested,
			"current_stage":   mismatch.Current,
		})
	case workflow.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Server wraps the handler in an http.Server with sane timeouts.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // regeneration is synchronous
		IdleTimeout:       time.Minute,
	}
}

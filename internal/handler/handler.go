// Package handler exposes the session controller as a JSON API for admins,
// teachers and students.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/pms/internal/blob"
	appI18n "github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/llm"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/session"
	"github.com/pavelanni/pms/internal/store"
)

// Config holds HTTP-level settings.
type Config struct {
	SecureCookies bool
	// MaxUploadBytes limits multipart bodies. Zero means 32 MiB.
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	ctrl   *session.Controller
	blobs  *blob.Store
	config Config
}

// New creates a new Handler.
func New(s *store.Store, ctrl *session.Controller, blobs *blob.Store, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	return &Handler{store: s, ctrl: ctrl, blobs: blobs, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/login/student", h.handleStudentLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/api/me", h.handleMe)
		r.Get("/files/*", h.handleFile)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/teachers", h.handleListTeachers)
			r.Post("/teachers", h.handleCreateTeacher)
			r.Post("/teachers/import", h.handleImportTeachers)
			r.Post("/teachers/delete", h.handleDeleteTeachers)
			r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			r.Get("/sessions", h.handleSessionHistory)
			r.Delete("/sessions/{code}", h.handleDeleteSession)
		})

		r.Route("/api/exams", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			h.examRoutes(r)
		})

		r.Route("/api/student", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))
			h.studentRoutes(r)
		})
	})
}

type errorBody struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// statusFor maps an error kind to an HTTP status and a message ID.
func statusFor(err error) (int, string) {
	var input *model.InputError
	switch {
	case errors.As(err, &input), model.IsValidation(err), errors.Is(err, llm.ErrNoCode):
		return http.StatusUnprocessableEntity, "ErrValidation"
	case model.IsGuardViolation(err):
		return http.StatusConflict, "ErrNotPermitted"
	case errors.Is(err, model.ErrSessionExists):
		return http.StatusConflict, "ErrSessionExists"
	case errors.Is(err, model.ErrUserExists):
		return http.StatusConflict, "ErrUserExists"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "ErrConflict"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "ErrNotFound"
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, "ErrUnauthorized"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "ErrForbidden"
	case errors.Is(err, session.ErrSuggestDisabled):
		return http.StatusServiceUnavailable, "ErrNotPermitted"
	default:
		return http.StatusInternalServerError, "ErrInternal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msgID := statusFor(err)
	body := errorBody{Error: appI18n.T(r.Context(), msgID)}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		body.Detail = err.Error()
	}
	var input *model.InputError
	if errors.As(err, &input) {
		body.Fields = input.Fields
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:  appI18n.T(r.Context(), "ErrBadRequest"),
		Detail: detail,
	})
}

// decodeBody reads a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// handleFile serves an uploaded answer file to its student or to staff of
// its session.
func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "*")
	if err := h.ctrl.AuthorizeFile(r.Context(), actorOf(r), ref); err != nil {
		writeError(w, r, err)
		return
	}
	rc, err := h.blobs.Open(ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, ref, time.Time{}, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("serve file", "ref", ref, "error", err)
	}
}

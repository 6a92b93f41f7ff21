package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/model"
)

const sessionCookieName = "session"

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
		Expires:  time.Now().Add(24 * time.Hour),
	})
}

// requireAuth resolves the session cookie into an actor. Staff sessions need
// an active user; student sessions need an existing roster entry.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, r, model.ErrUnauthorized)
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), cookie.Value)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, r, model.ErrUnauthorized)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		var actor model.Actor
		if authSess.StudentID != "" {
			if _, err := h.store.GetStudent(r.Context(), authSess.StudentID); err != nil {
				writeError(w, r, model.ErrUnauthorized)
				return
			}
			actor = model.StudentActor(authSess.StudentID)
		} else {
			user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
			if err != nil || !user.Active {
				writeError(w, r, model.ErrUnauthorized)
				return
			}
			actor = model.ActorFromUser(&user)
		}

		ctx := model.ContextWithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the actor has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := model.ActorFromContext(r.Context())
			if !ok {
				writeError(w, r, model.ErrUnauthorized)
				return
			}
			for _, role := range allowed {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, model.ErrForbidden)
		})
	}
}

func actorOf(r *http.Request) model.Actor {
	a, _ := model.ActorFromContext(r.Context())
	return a
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, r, model.ErrUnauthorized)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !user.Active {
		writeError(w, r, model.ErrUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, r, model.ErrUnauthorized)
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.setSessionCookie(w, token)
	slog.Info("user signed in", "username", user.Username, "role", user.Role)
	writeJSON(w, http.StatusOK, user)
}

type studentLoginRequest struct {
	SessionCode string `json:"session_code"`
	RollNo      string `json:"roll_no"`
	Name        string `json:"name"`
}

func (h *Handler) handleStudentLogin(w http.ResponseWriter, r *http.Request) {
	var req studentLoginRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := h.ctrl.Login(r.Context(), req.SessionCode, req.RollNo, req.Name)
	if model.IsGuardViolation(err) {
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:  appI18n.T(r.Context(), "ErrAccessDenied"),
			Detail: err.Error(),
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.setSessionCookie(w, res.Token)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleMe describes the signed-in caller: the user record for staff, the
// exam view for students.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if actor.Role == model.UserRoleStudent {
		view, err := h.ctrl.Current(r.Context(), actor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

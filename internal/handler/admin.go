package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/session"
	"github.com/pavelanni/pms/internal/sheet"
)

func (h *Handler) handleListTeachers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context(), model.UserRoleTeacher)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// teacherUser validates one teacher row and hashes its password. The email
// doubles as the username.
func teacherUser(t sheet.TeacherRow) (model.User, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Email = strings.ToLower(strings.TrimSpace(t.Email))
	t.Department = strings.TrimSpace(t.Department)
	if err := session.Check(&t); err != nil {
		return model.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(t.Password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	return model.User{
		Username:     t.Email,
		DisplayName:  t.Name,
		Department:   t.Department,
		PasswordHash: string(hash),
		Role:         model.UserRoleTeacher,
		Active:       true,
	}, nil
}

func (h *Handler) handleCreateTeacher(w http.ResponseWriter, r *http.Request) {
	var row sheet.TeacherRow
	if err := decodeBody(r, &row); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	u, err := teacherUser(row)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u.ID = id
	writeJSON(w, http.StatusCreated, u)
}

// handleImportTeachers creates every teacher listed in an uploaded xlsx
// sheet. Nothing is created unless every row is valid.
func (h *Handler) handleImportTeachers(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "no file uploaded")
		return
	}
	defer file.Close()

	rows, err := sheet.ReadTeachers(file)
	if err != nil {
		writeError(w, r, &model.InputError{Fields: map[string]string{"file": err.Error()}})
		return
	}
	if len(rows) == 0 {
		writeError(w, r, &model.InputError{Fields: map[string]string{"file": "no teacher rows found"}})
		return
	}

	users := make([]model.User, 0, len(rows))
	for i, row := range rows {
		u, err := teacherUser(row)
		if err != nil {
			writeError(w, r, fmt.Errorf("row %d: %w", i+1, err))
			return
		}
		users = append(users, u)
	}
	if err := h.store.CreateUsers(r.Context(), users); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("imported teachers", "count", len(users))
	writeJSON(w, http.StatusCreated, map[string]int{"created": len(users)})
}

type deleteUsersRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) handleDeleteTeachers(w http.ResponseWriter, r *http.Request) {
	var req deleteUsersRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, &model.InputError{Fields: map[string]string{"ids": "select at least one teacher"}})
		return
	}
	n, err := h.store.DeleteUsers(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		badRequest(w, r, "invalid user ID")
		return
	}
	if id == actorOf(r).UserID {
		writeError(w, r, model.ErrForbidden)
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ctrl.SessionHistory(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteSession(r.Context(), actorOf(r), chi.URLParam(r, "code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

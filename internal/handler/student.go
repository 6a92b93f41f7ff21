package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/pms/internal/session"
)

func (h *Handler) studentRoutes(r chi.Router) {
	r.Get("/", h.handleCurrent)
	r.Post("/begin", h.handleBegin)
	r.Put("/answers/{slot}", h.handleSaveAnswer)
	r.Post("/answers/{slot}/file", h.handleAttachFile)
	r.Delete("/answers/{slot}/file", h.handleRemoveFile)
	r.Post("/request-approval", h.handleRequestApproval)
	r.Post("/submit", h.handleFinalSubmit)
}

func writeView(w http.ResponseWriter, r *http.Request, view session.ExamView, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.Current(r.Context(), actorOf(r))
	writeView(w, r, view, err)
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.Begin(r.Context(), actorOf(r))
	writeView(w, r, view, err)
}

type saveAnswerRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleSaveAnswer(w http.ResponseWriter, r *http.Request) {
	var req saveAnswerRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	view, err := h.ctrl.SaveAnswer(r.Context(), actorOf(r), chi.URLParam(r, "slot"), req.Code)
	writeView(w, r, view, err)
}

func (h *Handler) handleAttachFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "no file uploaded")
		return
	}
	defer file.Close()

	view, err := h.ctrl.AttachFile(r.Context(), actorOf(r), chi.URLParam(r, "slot"), header.Filename, file)
	writeView(w, r, view, err)
}

func (h *Handler) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.RemoveFile(r.Context(), actorOf(r), chi.URLParam(r, "slot"))
	writeView(w, r, view, err)
}

func (h *Handler) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.RequestApproval(r.Context(), actorOf(r))
	writeView(w, r, view, err)
}

func (h *Handler) handleFinalSubmit(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.FinalSubmit(r.Context(), actorOf(r))
	writeView(w, r, view, err)
}

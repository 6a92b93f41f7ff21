package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/pms/internal/grading"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/session"
	"github.com/pavelanni/pms/internal/sheet"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) examRoutes(r chi.Router) {
	r.Get("/", h.handleListExams)
	r.Post("/", h.handleLaunch)
	r.Post("/import", h.handleLaunchFromSheets)

	r.Get("/templates", h.handleListTemplates)
	r.Post("/templates", h.handleSaveTemplate)
	r.Get("/templates/{templateID}", h.handleGetTemplate)
	r.Delete("/templates/{templateID}", h.handleDeleteTemplate)

	r.Route("/{code}", func(r chi.Router) {
		r.Get("/", h.handleMonitor)
		r.Post("/end", h.handleEndForAll)
		r.Post("/end-students", h.handleEndForStudents)
		r.Get("/attendance.xlsx", h.handleExportAttendance)
		r.Get("/results.xlsx", h.handleExportResults)
		r.Get("/archive.zip", h.handleArchive)

		r.Route("/students/{studentID}", func(r chi.Router) {
			r.Get("/", h.handleStudent)
			r.Post("/approve", h.handleApprove)
			r.Post("/reject", h.handleReject)
			r.Post("/resume", h.handleResume)
			r.Get("/slips", h.handleSlipAlternatives)
			r.Put("/slip", h.handleAssignSlip)
			r.Put("/grades", h.handleSaveGrades)
			r.Post("/suggest/{slot}", h.handleSuggestScore)
		})
	})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.ctrl.ListExams(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) launch(w http.ResponseWriter, r *http.Request, req session.LaunchRequest) {
	exam, err := h.ctrl.Launch(r.Context(), actorOf(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req session.LaunchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	h.launch(w, r, req)
}

// handleLaunchFromSheets launches a session from a multipart form: the
// "exam" field carries the JSON settings, the "roster" and "questions"
// files carry xlsx sheets that replace the matching JSON lists.
func (h *Handler) handleLaunchFromSheets(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		badRequest(w, r, "invalid multipart form")
		return
	}

	var req session.LaunchRequest
	if raw := r.FormValue("exam"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			badRequest(w, r, "exam: "+err.Error())
			return
		}
	}

	if f, _, err := r.FormFile("roster"); err == nil {
		roster, err := sheet.ReadRoster(f)
		f.Close()
		if err != nil {
			writeError(w, r, &model.InputError{Fields: map[string]string{"roster": err.Error()}})
			return
		}
		req.Roster = roster
	}
	if f, _, err := r.FormFile("questions"); err == nil {
		questions, err := sheet.ReadQuestions(f)
		f.Close()
		if err != nil {
			writeError(w, r, &model.InputError{Fields: map[string]string{"questions": err.Error()}})
			return
		}
		req.Questions = questions
	}
	h.launch(w, r, req)
}

func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.Monitor(r.Context(), actorOf(r), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleEndForAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.EndForAll(r.Context(), actorOf(r), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type endStudentsRequest struct {
	StudentIDs []string `json:"student_ids"`
}

func (h *Handler) handleEndForStudents(w http.ResponseWriter, r *http.Request) {
	var req endStudentsRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := h.ctrl.EndForStudents(r.Context(), actorOf(r), chi.URLParam(r, "code"), req.StudentIDs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ended": len(req.StudentIDs)})
}

// sendBuffered renders a download into memory first so a failure can still
// be reported as a JSON error.
func sendBuffered(w http.ResponseWriter, r *http.Request, contentType, filename string, render func(io.Writer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("write download", "file", filename, "error", err)
	}
}

func (h *Handler) handleExportAttendance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sendBuffered(w, r, xlsxContentType, code+"_attendance.xlsx", func(out io.Writer) error {
		return h.ctrl.ExportAttendance(r.Context(), actorOf(r), code, out)
	})
}

func (h *Handler) handleExportResults(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sendBuffered(w, r, xlsxContentType, code+"_results.xlsx", func(out io.Writer) error {
		return h.ctrl.ExportResults(r.Context(), actorOf(r), code, out)
	})
}

// handleArchive spools the archive to a temporary file, since answer files
// may not fit in memory, then streams it.
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	tmp, err := os.CreateTemp("", "pms-archive-*.zip")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := h.ctrl.ArchiveFiles(r.Context(), actorOf(r), code, tmp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, code+"_files.zip"))
	w.Header().Set("X-Archived-Files", fmt.Sprint(n))
	if _, err := io.Copy(w, tmp); err != nil {
		slog.Warn("stream archive", "session_code", code, "error", err)
	}
}

func (h *Handler) handleStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Student(r.Context(), actorOf(r), chi.URLParam(r, "code"), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type studentAction func(ctx context.Context, actor model.Actor, code, studentID string) (model.Student, error)

func (h *Handler) studentStep(w http.ResponseWriter, r *http.Request, step studentAction) {
	st, err := step(r.Context(), actorOf(r), chi.URLParam(r, "code"), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.studentStep(w, r, h.ctrl.Approve)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.studentStep(w, r, h.ctrl.Reject)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.studentStep(w, r, h.ctrl.Resume)
}

func (h *Handler) handleSlipAlternatives(w http.ResponseWriter, r *http.Request) {
	slips, err := h.ctrl.SlipAlternatives(r.Context(), actorOf(r), chi.URLParam(r, "code"), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slips)
}

type assignSlipRequest struct {
	QuestionIDs []string `json:"question_ids"`
}

func (h *Handler) handleAssignSlip(w http.ResponseWriter, r *http.Request) {
	var req assignSlipRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	h.studentStep(w, r, func(ctx context.Context, a model.Actor, code, id string) (model.Student, error) {
		return h.ctrl.AssignSlip(ctx, a, code, id, req.QuestionIDs)
	})
}

func (h *Handler) handleSaveGrades(w http.ResponseWriter, r *http.Request) {
	var in grading.Input
	if err := decodeBody(r, &in); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	h.studentStep(w, r, func(ctx context.Context, a model.Actor, code, id string) (model.Student, error) {
		return h.ctrl.SaveGrades(ctx, a, code, id, in)
	})
}

func (h *Handler) handleSuggestScore(w http.ResponseWriter, r *http.Request) {
	s, err := h.ctrl.SuggestScore(r.Context(), actorOf(r),
		chi.URLParam(r, "code"), chi.URLParam(r, "studentID"), chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type saveTemplateRequest struct {
	Name    string                `json:"name"`
	Request session.LaunchRequest `json:"request"`
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctrl.Templates(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.ExamTemplate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req saveTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	t, err := h.ctrl.SaveTemplate(r.Context(), actorOf(r), strings.TrimSpace(req.Name), req.Request)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	req, err := h.ctrl.Template(r.Context(), actorOf(r), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.DeleteTemplate(r.Context(), actorOf(r), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"

	"github.com/pavelanni/pms/internal/model"
)

// LoginResult is a successful student sign-in.
type LoginResult struct {
	Token   string        `json:"-"`
	Student model.Student `json:"student"`
	Exam    model.Exam    `json:"exam"`
}

// Login signs a student in with session code, roll number and full name.
// The name comparison ignores case and surrounding spaces. Students who have
// submitted, were marked absent, were graded or had their session ended are
// turned away.
func (c *Controller) Login(ctx context.Context, code, rollNo, name string) (LoginResult, error) {
	code, rollNo = strings.TrimSpace(code), strings.TrimSpace(rollNo)
	exam, err := c.store.GetExam(ctx, code)
	if errors.Is(err, model.ErrNotFound) {
		return LoginResult{}, model.ErrUnauthorized
	}
	if err != nil {
		return LoginResult{}, err
	}
	st, err := c.store.GetStudent(ctx, model.StudentID(code, rollNo))
	if errors.Is(err, model.ErrNotFound) {
		return LoginResult{}, model.ErrUnauthorized
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(st.Name), strings.TrimSpace(name)) {
		return LoginResult{}, model.ErrUnauthorized
	}

	switch {
	case st.Status == model.StatusSubmitted || st.Status == model.StatusAbsent:
		return LoginResult{}, &model.GuardViolationError{Action: "login", Status: st.Status, Reason: "access denied"}
	case st.IsGraded:
		return LoginResult{}, &model.GuardViolationError{Action: "login", Reason: "already graded"}
	case st.SessionEnded:
		return LoginResult{}, &model.GuardViolationError{Action: "login", Reason: "session ended for this student"}
	case !exam.IsActive:
		return LoginResult{}, &model.GuardViolationError{Action: "login", Reason: "session is closed"}
	}

	token, err := c.store.CreateStudentSession(ctx, st.ID)
	if err != nil {
		return LoginResult{}, err
	}
	slog.Info("student signed in", "student_id", st.ID)
	return LoginResult{Token: token, Student: st, Exam: exam}, nil
}

// ExamView is what a signed-in student sees.
type ExamView struct {
	Exam          model.Exam    `json:"exam"`
	Student       model.Student `json:"student"`
	CanEdit       bool          `json:"can_edit"`
	TimeRemaining string        `json:"time_remaining"`
}

// self loads the signed-in student and their exam.
func (c *Controller) self(ctx context.Context, actor model.Actor) (model.Exam, model.Student, error) {
	if actor.Role != model.UserRoleStudent || actor.StudentID == "" {
		return model.Exam{}, model.Student{}, model.ErrForbidden
	}
	st, err := c.store.GetStudent(ctx, actor.StudentID)
	if err != nil {
		return model.Exam{}, model.Student{}, err
	}
	exam, err := c.store.GetExam(ctx, st.SessionCode)
	if err != nil {
		return model.Exam{}, model.Student{}, err
	}
	return exam, st, nil
}

func (c *Controller) view(exam model.Exam, st model.Student) ExamView {
	return ExamView{
		Exam:          exam,
		Student:       st,
		CanEdit:       exam.IsActive && st.CanEdit(),
		TimeRemaining: FormatRemaining(TimeRemaining(exam, c.now())),
	}
}

// Current returns the signed-in student's exam view.
func (c *Controller) Current(ctx context.Context, actor model.Actor) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	return c.view(exam, st), nil
}

// Begin records the student's first interaction. Students already past
// registered are returned unchanged so a reload does not fail.
func (c *Controller) Begin(ctx context.Context, actor model.Actor) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if st.Status != model.StatusRegistered {
		return c.view(exam, st), nil
	}
	if !exam.IsActive {
		return ExamView{}, &model.GuardViolationError{Action: "begin", Status: st.Status, Reason: "session is closed"}
	}
	next, err := st.Status.Begin()
	if err != nil {
		return ExamView{}, err
	}
	if err := c.store.UpdateStatus(ctx, st.ID, st.Status, next); err != nil {
		return ExamView{}, err
	}
	st.Status = next
	return c.view(exam, st), nil
}

// editable checks the student lock for action.
func editable(action string, exam model.Exam, st model.Student) error {
	if !exam.IsActive {
		return &model.GuardViolationError{Action: action, Status: st.Status, Reason: "session is closed"}
	}
	if st.SessionEnded {
		return &model.GuardViolationError{Action: action, Status: st.Status, Reason: "session ended for this student"}
	}
	if !st.CanEdit() {
		return &model.GuardViolationError{Action: action, Status: st.Status, Reason: "answers are locked"}
	}
	return nil
}

func slotIndex(st model.Student, slot string) (int, error) {
	for i := range st.AssignedQuestions {
		if model.SlotKey(i) == slot {
			return i, nil
		}
	}
	return 0, &model.InputError{Fields: map[string]string{"slot": "unknown answer slot " + slot}}
}

// writeAnswers persists answers for an editable student. A registered
// student is moved to in_progress by the same write.
func (c *Controller) writeAnswers(ctx context.Context, st *model.Student, answers map[string]model.Answer) error {
	next := st.Status
	if next == model.StatusRegistered {
		next = model.StatusInProgress
	}
	if err := c.store.SaveAnswers(ctx, st.ID, st.Status, next, answers); err != nil {
		return err
	}
	st.Status = next
	st.Answers = answers
	return nil
}

// SaveAnswer stores the code text of one slot.
func (c *Controller) SaveAnswer(ctx context.Context, actor model.Actor, slot, code string) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if err := editable("save answer", exam, st); err != nil {
		return ExamView{}, err
	}
	if _, err := slotIndex(st, slot); err != nil {
		return ExamView{}, err
	}
	answers := maps.Clone(st.Answers)
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	a := answers[slot]
	a.Code = code
	answers[slot] = a
	if err := c.writeAnswers(ctx, &st, answers); err != nil {
		return ExamView{}, err
	}
	return c.view(exam, st), nil
}

var pdfMagic = []byte("%PDF-")

// AttachFile uploads a PDF for one slot, replacing any earlier file.
func (c *Controller) AttachFile(ctx context.Context, actor model.Actor, slot, filename string, r io.Reader) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if err := editable("upload file", exam, st); err != nil {
		return ExamView{}, err
	}
	if _, err := slotIndex(st, slot); err != nil {
		return ExamView{}, err
	}
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return ExamView{}, &model.InputError{Fields: map[string]string{"file": "only PDF files are accepted"}}
	}
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(pdfMagic))
	if !bytes.Equal(head, pdfMagic) {
		return ExamView{}, &model.InputError{Fields: map[string]string{"file": "file is not a PDF document"}}
	}

	ref, err := c.blobs.Put(ctx, st.ID, filename, br)
	if err != nil {
		return ExamView{}, err
	}
	answers := maps.Clone(st.Answers)
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	a := answers[slot]
	old := a.File
	a.File = &ref
	answers[slot] = a
	if err := c.writeAnswers(ctx, &st, answers); err != nil {
		if derr := c.blobs.Delete(ref.StorageRef); derr != nil {
			slog.Warn("failed to delete orphaned file", "ref", ref.StorageRef, "error", derr)
		}
		return ExamView{}, err
	}
	if old != nil {
		if err := c.blobs.Delete(old.StorageRef); err != nil {
			slog.Warn("failed to delete replaced file", "ref", old.StorageRef, "error", err)
		}
	}
	slog.Info("file attached", "student_id", st.ID, "slot", slot, "ref", ref.StorageRef)
	return c.view(exam, st), nil
}

// RemoveFile deletes the uploaded file of one slot.
func (c *Controller) RemoveFile(ctx context.Context, actor model.Actor, slot string) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if err := editable("remove file", exam, st); err != nil {
		return ExamView{}, err
	}
	a, ok := st.Answers[slot]
	if !ok || a.File == nil {
		return ExamView{}, model.ErrNotFound
	}
	old := a.File
	answers := maps.Clone(st.Answers)
	a.File = nil
	answers[slot] = a
	if err := c.writeAnswers(ctx, &st, answers); err != nil {
		return ExamView{}, err
	}
	if err := c.blobs.Delete(old.StorageRef); err != nil {
		slog.Warn("failed to delete removed file", "ref", old.StorageRef, "error", err)
	}
	return c.view(exam, st), nil
}

// RequestApproval asks the teacher to review the work. At least one file
// must be uploaded.
func (c *Controller) RequestApproval(ctx context.Context, actor model.Actor) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if err := editable("request approval", exam, st); err != nil {
		return ExamView{}, err
	}
	next, err := st.Status.RequestApproval(st.HasUpload())
	if err != nil {
		return ExamView{}, err
	}
	if err := c.store.UpdateStatus(ctx, st.ID, st.Status, next); err != nil {
		return ExamView{}, err
	}
	st.Status = next
	return c.view(exam, st), nil
}

// FinalSubmit submits approved work.
func (c *Controller) FinalSubmit(ctx context.Context, actor model.Actor) (ExamView, error) {
	exam, st, err := c.self(ctx, actor)
	if err != nil {
		return ExamView{}, err
	}
	if !exam.IsActive {
		return ExamView{}, &model.GuardViolationError{Action: "submit", Status: st.Status, Reason: "session is closed"}
	}
	next, err := st.Status.Finalize()
	if err != nil {
		return ExamView{}, err
	}
	if err := c.store.UpdateStatus(ctx, st.ID, st.Status, next); err != nil {
		return ExamView{}, err
	}
	st.Status = next
	return c.view(exam, st), nil
}

package session

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/pavelanni/pms/internal/grading"
	"github.com/pavelanni/pms/internal/llm"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/sheet"
	"github.com/pavelanni/pms/internal/slip"
	"github.com/pavelanni/pms/internal/store"
)

// CompareRollNo orders roll numbers numerically when both are integers and
// lexically otherwise. Numeric roll numbers sort before the rest.
func CompareRollNo(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// SortRoster sorts students by roll number in place.
func SortRoster(students []model.Student) {
	slices.SortStableFunc(students, func(a, b model.Student) int {
		return CompareRollNo(a.RollNo, b.RollNo)
	})
}

func (c *Controller) roster(ctx context.Context, code string) ([]model.Student, error) {
	students, err := c.store.ListStudents(ctx, code)
	if err != nil {
		return nil, err
	}
	SortRoster(students)
	return students, nil
}

// MonitorView is the teacher's live picture of a session.
type MonitorView struct {
	Exam          model.Exam           `json:"exam"`
	Students      []model.Student      `json:"students"`
	Counts        map[model.Status]int `json:"counts"`
	Ended         int                  `json:"session_ended"`
	Graded        int                  `json:"graded"`
	TimeRemaining string               `json:"time_remaining"`
	Overtime      bool                 `json:"overtime"`
}

// Monitor returns the exam with its roster sorted by roll number.
func (c *Controller) Monitor(ctx context.Context, actor model.Actor, code string) (MonitorView, error) {
	exam, err := c.examFor(ctx, actor, code)
	if err != nil {
		return MonitorView{}, err
	}
	students, err := c.roster(ctx, code)
	if err != nil {
		return MonitorView{}, err
	}
	v := MonitorView{Exam: exam, Students: students, Counts: map[model.Status]int{}}
	for _, st := range students {
		v.Counts[st.Status]++
		if st.SessionEnded {
			v.Ended++
		}
		if st.IsGraded {
			v.Graded++
		}
	}
	left := TimeRemaining(exam, c.now())
	v.TimeRemaining = FormatRemaining(left)
	v.Overtime = exam.IsActive && left < 0
	return v, nil
}

// Student returns one roster entry.
func (c *Controller) Student(ctx context.Context, actor model.Actor, code, studentID string) (model.Student, error) {
	_, st, err := c.rosterStudent(ctx, actor, code, studentID)
	return st, err
}

func (c *Controller) transition(ctx context.Context, actor model.Actor, code, studentID string,
	step func(model.Status) (model.Status, error)) (model.Student, error) {
	exam, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return model.Student{}, err
	}
	next, err := step(st.Status)
	if err != nil {
		return model.Student{}, err
	}
	if !exam.IsActive {
		return model.Student{}, &model.GuardViolationError{Action: "change status", Status: st.Status, Reason: "session is closed"}
	}
	if err := c.store.UpdateStatus(ctx, st.ID, st.Status, next); err != nil {
		return model.Student{}, err
	}
	st.Status = next
	return st, nil
}

// Approve accepts a student's approval request.
func (c *Controller) Approve(ctx context.Context, actor model.Actor, code, studentID string) (model.Student, error) {
	return c.transition(ctx, actor, code, studentID, model.Status.Approve)
}

// Reject returns a student's work for further editing.
func (c *Controller) Reject(ctx context.Context, actor model.Actor, code, studentID string) (model.Student, error) {
	return c.transition(ctx, actor, code, studentID, model.Status.Reject)
}

// Resume clears a targeted end so the student can continue.
func (c *Controller) Resume(ctx context.Context, actor model.Actor, code, studentID string) (model.Student, error) {
	exam, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return model.Student{}, err
	}
	if !exam.IsActive {
		return model.Student{}, &model.GuardViolationError{Action: "resume", Status: st.Status, Reason: "session is closed"}
	}
	if !st.SessionEnded {
		return model.Student{}, &model.GuardViolationError{Action: "resume", Status: st.Status, Reason: "session was not ended for this student"}
	}
	if err := c.store.ResumeSession(ctx, st.ID); err != nil {
		return model.Student{}, err
	}
	st.SessionEnded = false
	slog.Info("session resumed", "student_id", st.ID)
	return st, nil
}

// EndForAll closes the session for everyone.
func (c *Controller) EndForAll(ctx context.Context, actor model.Actor, code string) (store.EndResult, error) {
	if _, err := c.examFor(ctx, actor, code); err != nil {
		return store.EndResult{}, err
	}
	return c.store.EndForAll(ctx, code)
}

// EndForStudents ends the session for the given students only. Every id
// must be registered or in progress; otherwise nothing changes.
func (c *Controller) EndForStudents(ctx context.Context, actor model.Actor, code string, studentIDs []string) error {
	exam, err := c.examFor(ctx, actor, code)
	if err != nil {
		return err
	}
	if len(studentIDs) == 0 {
		return &model.InputError{Fields: map[string]string{"student_ids": "select at least one student"}}
	}
	if !exam.IsActive {
		return &model.GuardViolationError{Action: "end session", Reason: "session is closed"}
	}
	for _, id := range studentIDs {
		st, err := c.store.GetStudent(ctx, id)
		if err != nil {
			return fmt.Errorf("student %s: %w", id, err)
		}
		if st.SessionCode != code {
			return fmt.Errorf("student %s: %w", id, model.ErrNotFound)
		}
		if !st.Status.IsEndTarget() {
			return &model.GuardViolationError{Action: "end session for " + st.RollNo, Status: st.Status,
				Reason: "only registered or in-progress students can be ended"}
		}
	}
	return c.store.EndForStudents(ctx, code, studentIDs)
}

// SlipAlternatives lists every question combination that reaches the
// practical marks, except the student's current slip.
func (c *Controller) SlipAlternatives(ctx context.Context, actor model.Actor, code, studentID string) ([][]model.Question, error) {
	exam, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return nil, err
	}
	questions, err := c.store.ListQuestions(ctx, code)
	if err != nil {
		return nil, err
	}
	all := slip.GenerateAllValidSlips(questions, exam.PracticalMarks)
	return slip.Alternatives(all, st.AssignedQuestions, exam.PracticalMarks)
}

// AssignSlip replaces a student's slip with the given questions. Allowed
// while the session is active and the student has not submitted.
func (c *Controller) AssignSlip(ctx context.Context, actor model.Actor, code, studentID string, questionIDs []string) (model.Student, error) {
	exam, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return model.Student{}, err
	}
	if !exam.IsActive || st.Status == model.StatusSubmitted {
		return model.Student{}, &model.GuardViolationError{Action: "change slip", Status: st.Status,
			Reason: "only while the session is active and before submission"}
	}
	if len(questionIDs) == 0 {
		return model.Student{}, &model.InputError{Fields: map[string]string{"question_ids": "select at least one question"}}
	}

	bank, err := c.store.ListQuestions(ctx, code)
	if err != nil {
		return model.Student{}, err
	}
	byID := make(map[string]model.Question, len(bank))
	for _, q := range bank {
		byID[q.ID] = q
	}
	picked := make([]model.Question, 0, len(questionIDs))
	seen := map[string]bool{}
	for _, id := range questionIDs {
		q, ok := byID[id]
		if !ok || seen[id] {
			return model.Student{}, &model.InputError{Fields: map[string]string{"question_ids": "unknown or repeated question " + id}}
		}
		seen[id] = true
		picked = append(picked, q)
	}
	if sum := slip.Sum(picked); sum != exam.PracticalMarks {
		return model.Student{}, &model.InputError{Fields: map[string]string{
			"question_ids": fmt.Sprintf("questions add up to %d, need %d", sum, exam.PracticalMarks)}}
	}

	if err := c.store.AssignSlip(ctx, st.ID, picked); err != nil {
		return model.Student{}, err
	}
	st.AssignedQuestions = picked
	st.IsSlipChanged = true
	return st, nil
}

// SaveGrades validates and stores a grading form.
func (c *Controller) SaveGrades(ctx context.Context, actor model.Actor, code, studentID string, in grading.Input) (model.Student, error) {
	exam, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return model.Student{}, err
	}
	if err := Check(&in); err != nil {
		return model.Student{}, err
	}
	res, err := grading.Compute(exam, st, in)
	if err != nil {
		return model.Student{}, err
	}
	if err := c.store.SaveGrades(ctx, st.ID, res.Answers, res.Scores); err != nil {
		return model.Student{}, err
	}
	if !res.PracticalGraded {
		slog.Info("practical marks kept while locked", "student_id", st.ID, "status", st.Status)
	}
	st.Answers = res.Answers
	st.Scores = res.Scores
	st.IsGraded = res.IsGraded
	return st, nil
}

// SuggestScore asks the configured LLM for a mark on one slot.
func (c *Controller) SuggestScore(ctx context.Context, actor model.Actor, code, studentID, slot string) (llm.Suggestion, error) {
	if c.suggester == nil {
		return llm.Suggestion{}, ErrSuggestDisabled
	}
	_, st, err := c.rosterStudent(ctx, actor, code, studentID)
	if err != nil {
		return llm.Suggestion{}, err
	}
	i, err := slotIndex(st, slot)
	if err != nil {
		return llm.Suggestion{}, err
	}
	return c.suggester.SuggestScore(ctx, st.AssignedQuestions[i], st.Answers[slot])
}

// ExportAttendance writes the attendance workbook.
func (c *Controller) ExportAttendance(ctx context.Context, actor model.Actor, code string, w io.Writer) error {
	if _, err := c.examFor(ctx, actor, code); err != nil {
		return err
	}
	students, err := c.roster(ctx, code)
	if err != nil {
		return err
	}
	return sheet.WriteAttendance(ctx, w, grading.AttendanceRows(students))
}

// ExportResults writes the results workbook. Every student must be graded
// or reported absent first.
func (c *Controller) ExportResults(ctx context.Context, actor model.Actor, code string, w io.Writer) error {
	exam, err := c.examFor(ctx, actor, code)
	if err != nil {
		return err
	}
	students, err := c.roster(ctx, code)
	if err != nil {
		return err
	}
	if !grading.AllGraded(students) {
		pending := 0
		for _, st := range students {
			if !st.IsGraded && !grading.IsAbsent(st) {
				pending++
			}
		}
		return &model.GuardViolationError{Action: "export results",
			Reason: fmt.Sprintf("%d students are not graded yet", pending)}
	}
	return sheet.WriteResults(ctx, w, sheet.HeaderFor(exam), grading.ResultRows(students))
}

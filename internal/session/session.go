// Package session runs practical exam sessions: launch, the student
// lifecycle, teacher overrides and grading. Every operation receives the
// caller as an explicit model.Actor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/pms/internal/blob"
	"github.com/pavelanni/pms/internal/llm"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/slip"
	"github.com/pavelanni/pms/internal/store"
)

// ErrSuggestDisabled is returned by SuggestScore when no LLM is configured.
var ErrSuggestDisabled = errors.New("score suggestions are not configured")

// Suggester proposes a mark for one answer slot.
type Suggester interface {
	SuggestScore(ctx context.Context, q model.Question, a model.Answer) (llm.Suggestion, error)
}

// Controller owns all session state changes.
type Controller struct {
	store     *store.Store
	blobs     *blob.Store
	suggester Suggester
	now       func() time.Time
	newRand   func() *rand.Rand
}

// Option configures a Controller.
type Option func(*Controller)

// WithSuggester enables SuggestScore.
func WithSuggester(s Suggester) Option {
	return func(c *Controller) { c.suggester = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand replaces the random source used for slip generation.
func WithRand(newRand func() *rand.Rand) Option {
	return func(c *Controller) { c.newRand = newRand }
}

// New creates a controller.
func New(st *store.Store, blobs *blob.Store, opts ...Option) *Controller {
	c := &Controller{
		store: st,
		blobs: blobs,
		now:   time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LaunchRequest is everything needed to start a session.
type LaunchRequest struct {
	SessionCode     string              `json:"session_code" validate:"omitempty,alphanum,max=32"`
	Subject         string              `json:"subject" validate:"required,max=200"`
	LabNumber       string              `json:"lab_number" validate:"max=50"`
	Department      string              `json:"department" validate:"max=100"`
	Year            string              `json:"year" validate:"max=50"`
	DurationMinutes int                 `json:"duration_minutes" validate:"gt=0,lte=720"`
	PracticalMarks  int                 `json:"practical_marks" validate:"gt=0"`
	VivaMarks       int                 `json:"viva_marks" validate:"gte=0"`
	JournalMarks    int                 `json:"journal_marks" validate:"gte=0"`
	Questions       []model.Question    `json:"questions" validate:"required,min=1,dive"`
	Roster          []model.RosterEntry `json:"roster" validate:"required,min=1,dive"`
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// SuggestSessionCode derives a code from the subject: up to six letters or
// digits, upper-cased, followed by three random digits.
func SuggestSessionCode(rng *rand.Rand, subject string) string {
	prefix := strings.ToUpper(nonAlnum.ReplaceAllString(subject, ""))
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	if prefix == "" {
		prefix = "LAB"
	}
	return prefix + strconv.Itoa(100+rng.IntN(900))
}

func requireStaff(a model.Actor) error {
	if !a.IsStaff() {
		return model.ErrForbidden
	}
	return nil
}

func requireAdmin(a model.Actor) error {
	if a.Role != model.UserRoleAdmin {
		return model.ErrForbidden
	}
	return nil
}

// trim strips surrounding spaces from the free-text fields so blank values
// fail validation. The roster is copied; the caller's slice is left as is.
func (req *LaunchRequest) trim() {
	req.SessionCode = strings.TrimSpace(req.SessionCode)
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Roster == nil {
		return
	}
	roster := make([]model.RosterEntry, len(req.Roster))
	for i, r := range req.Roster {
		r.RollNo = strings.TrimSpace(r.RollNo)
		r.Name = strings.TrimSpace(r.Name)
		roster[i] = r
	}
	req.Roster = roster
}

// Launch validates the request, assigns slips and stores the exam, its
// question bank and its roster in one transaction.
func (c *Controller) Launch(ctx context.Context, actor model.Actor, req LaunchRequest) (model.Exam, error) {
	if err := requireStaff(actor); err != nil {
		return model.Exam{}, err
	}
	req.trim()
	if err := Check(&req); err != nil {
		return model.Exam{}, err
	}
	if err := slip.ValidateTarget(req.Questions, req.PracticalMarks); err != nil {
		return model.Exam{}, err
	}

	rng := c.newRand()
	code := req.SessionCode
	if code == "" {
		code = SuggestSessionCode(rng, req.Subject)
	}

	seenQ := make(map[string]bool, len(req.Questions))
	for _, q := range req.Questions {
		if seenQ[q.ID] {
			return model.Exam{}, &model.InputError{Fields: map[string]string{"questions": "duplicate question id " + q.ID}}
		}
		seenQ[q.ID] = true
	}
	rolls := make([]string, 0, len(req.Roster))
	seenR := make(map[string]bool, len(req.Roster))
	for _, r := range req.Roster {
		roll := r.RollNo
		if seenR[roll] {
			return model.Exam{}, &model.InputError{Fields: map[string]string{"roster": "duplicate roll number " + roll}}
		}
		seenR[roll] = true
		rolls = append(rolls, roll)
	}

	slips := slip.GenerateSlips(rng, rolls, req.Questions, req.PracticalMarks)

	now := c.now()
	exam := model.Exam{
		SessionCode:     code,
		Subject:         req.Subject,
		TeacherID:       actor.UserID,
		LabNumber:       req.LabNumber,
		Department:      req.Department,
		Year:            req.Year,
		DurationMinutes: req.DurationMinutes,
		StartedAt:       now,
		IsActive:        true,
		PracticalMarks:  req.PracticalMarks,
		VivaMarks:       req.VivaMarks,
		JournalMarks:    req.JournalMarks,
		TotalMarks:      req.PracticalMarks + req.VivaMarks + req.JournalMarks,
		CreatedAt:       now,
	}

	students := make([]model.Student, 0, len(req.Roster))
	for i, r := range req.Roster {
		roll := rolls[i]
		assigned := slips[roll]
		if slip.Underfilled(assigned, req.PracticalMarks) {
			slog.Warn("slip does not reach practical marks", "session_code", code, "roll_no", roll,
				"sum", slip.Sum(assigned), "target", req.PracticalMarks)
		}
		students = append(students, model.Student{
			ID:                model.StudentID(code, roll),
			SessionCode:       code,
			RollNo:            roll,
			Name:              r.Name,
			Image:             r.Image,
			Status:            model.StatusRegistered,
			AssignedQuestions: assigned,
			Answers:           map[string]model.Answer{},
		})
	}

	if err := c.store.LaunchExam(ctx, exam, req.Questions, students); err != nil {
		return model.Exam{}, err
	}
	return exam, nil
}

// examFor loads an exam the actor may manage. Teachers manage their own
// exams; admins manage all of them.
func (c *Controller) examFor(ctx context.Context, actor model.Actor, code string) (model.Exam, error) {
	if err := requireStaff(actor); err != nil {
		return model.Exam{}, err
	}
	exam, err := c.store.GetExam(ctx, code)
	if err != nil {
		return model.Exam{}, err
	}
	if actor.Role != model.UserRoleAdmin && exam.TeacherID != actor.UserID {
		return model.Exam{}, model.ErrForbidden
	}
	return exam, nil
}

// rosterStudent loads a student of an exam the actor manages.
func (c *Controller) rosterStudent(ctx context.Context, actor model.Actor, code, studentID string) (model.Exam, model.Student, error) {
	exam, err := c.examFor(ctx, actor, code)
	if err != nil {
		return model.Exam{}, model.Student{}, err
	}
	st, err := c.store.GetStudent(ctx, studentID)
	if err != nil {
		return model.Exam{}, model.Student{}, err
	}
	if st.SessionCode != exam.SessionCode {
		return model.Exam{}, model.Student{}, model.ErrNotFound
	}
	return exam, st, nil
}

// ListExams returns the actor's exams, or every exam for admins.
func (c *Controller) ListExams(ctx context.Context, actor model.Actor) ([]model.Exam, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	var teacherID int64
	if actor.Role != model.UserRoleAdmin {
		teacherID = actor.UserID
	}
	return c.store.ListExams(ctx, teacherID)
}

// TimeRemaining is the time left before the scheduled end. It is negative in
// overtime and never changes any status.
func TimeRemaining(exam model.Exam, now time.Time) time.Duration {
	return exam.EndsAt().Sub(now)
}

// FormatRemaining renders a remaining duration as [-]HH:MM:SS.
func FormatRemaining(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
}

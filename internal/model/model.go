package model

import (
	"context"
	"fmt"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student signed in with a session code and roll number.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents an admin or teacher account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Department   string    `json:"department"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session. Exactly one of UserID and
// StudentID is set.
type AuthSession struct {
	ID        string
	UserID    int64
	StudentID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Actor is the caller of a session operation.
type Actor struct {
	Role      UserRole
	UserID    int64
	Username  string
	StudentID string
}

// IsStaff reports whether the actor is a teacher or admin.
func (a Actor) IsStaff() bool {
	return a.Role == UserRoleTeacher || a.Role == UserRoleAdmin
}

// ActorFromUser builds an actor for a signed-in staff user.
func ActorFromUser(u *User) Actor {
	return Actor{Role: u.Role, UserID: u.ID, Username: u.Username}
}

// StudentActor builds an actor for a signed-in student.
func StudentActor(studentID string) Actor {
	return Actor{Role: UserRoleStudent, StudentID: studentID}
}

type actorCtxKey struct{}

// ContextWithActor stores the caller in the request context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

// ActorFromContext retrieves the caller from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(Actor)
	return a, ok
}

// Question is one item of a session's question bank. Students hold copies of
// questions in their slips, never references.
type Question struct {
	ID    string `json:"question_id" validate:"required,max=64"`
	Topic string `json:"topic" validate:"required"`
	Marks int    `json:"marks" validate:"gt=0"`
	Image string `json:"image,omitempty" validate:"omitempty,url"`
}

// Exam is one practical exam session.
type Exam struct {
	SessionCode     string    `json:"session_code"`
	Subject         string    `json:"subject"`
	TeacherID       int64     `json:"teacher_id"`
	LabNumber       string    `json:"lab_number"`
	Department      string    `json:"department"`
	Year            string    `json:"year"`
	DurationMinutes int       `json:"duration_minutes"`
	StartedAt       time.Time `json:"started_at"`
	IsActive        bool      `json:"is_active"`
	PracticalMarks  int       `json:"practical_marks"`
	VivaMarks       int       `json:"viva_marks"`
	JournalMarks    int       `json:"journal_marks"`
	TotalMarks      int       `json:"total_marks"`
	CreatedAt       time.Time `json:"created_at"`
}

// EndsAt is the scheduled end of the exam.
func (e Exam) EndsAt() time.Time {
	return e.StartedAt.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// Scores holds the marks awarded to a student.
type Scores struct {
	Practical int `json:"practical"`
	Viva      int `json:"viva"`
	Journal   int `json:"journal"`
	Total     int `json:"total"`
}

// Student is one roster entry of an exam session.
type Student struct {
	ID                string            `json:"id"`
	SessionCode       string            `json:"session_code"`
	RollNo            string            `json:"roll_no"`
	Name              string            `json:"name"`
	Image             string            `json:"image,omitempty"`
	Status            Status            `json:"status"`
	AssignedQuestions []Question        `json:"assigned_questions"`
	Answers           map[string]Answer `json:"answers"`
	Scores            Scores            `json:"scores"`
	IsGraded          bool              `json:"is_graded"`
	SessionEnded      bool              `json:"session_ended"`
	IsSlipChanged     bool              `json:"is_slip_changed"`
}

// StudentID returns the composite key of a roster entry.
func StudentID(sessionCode, rollNo string) string {
	return sessionCode + "_" + rollNo
}

// SlotKey returns the answer key for the question at slip position i.
func SlotKey(i int) string {
	return fmt.Sprintf("q%d", i+1)
}

// CanEdit reports whether the student may change answers, code or files.
func (s Student) CanEdit() bool {
	return CanStudentEdit(s.Status, s.SessionEnded)
}

// HasUpload reports whether any answer slot carries an uploaded file.
func (s Student) HasUpload() bool {
	for _, a := range s.Answers {
		if a.HasFile() {
			return true
		}
	}
	return false
}

// RosterEntry is one imported roster row.
type RosterEntry struct {
	RollNo string `json:"roll_no" validate:"required,max=32,excludesall=_/"`
	Name   string `json:"name" validate:"required"`
	Image  string `json:"image,omitempty" validate:"omitempty,url"`
}

// ExamTemplate is a saved launch configuration.
type ExamTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TeacherID int64     `json:"teacher_id"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is an admin view of one session's history.
type SessionSummary struct {
	Exam         Exam   `json:"exam"`
	TeacherName  string `json:"teacher_name"`
	StudentCount int    `json:"student_count"`
	AbsentCount  int    `json:"absent_count"`
}

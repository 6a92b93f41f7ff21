package model

import "fmt"

// Status is a student's position in the exam lifecycle.
//
//	registered -> in_progress -> approval_requested -> approved -> submitted
//	                  ^                  |
//	                  +---- rejected ----+
//
// A global end moves registered students to absent and in_progress students
// to submitted. The session_ended overlay is tracked separately on Student.
type Status string

const (
	StatusRegistered        Status = "registered"
	StatusInProgress        Status = "in_progress"
	StatusApprovalRequested Status = "approval_requested"
	StatusApproved          Status = "approved"
	StatusSubmitted         Status = "submitted"
	StatusAbsent            Status = "absent"
)

var knownStatuses = map[Status]bool{
	StatusRegistered:        true,
	StatusInProgress:        true,
	StatusApprovalRequested: true,
	StatusApproved:          true,
	StatusSubmitted:         true,
	StatusAbsent:            true,
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown student status %q", s)
	}
	return st, nil
}

// Scan implements sql.Scanner so unknown strings never enter the program.
func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan status: unsupported type %T", src)
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s Status) guard(action, reason string) error {
	return &GuardViolationError{Action: action, Status: s, Reason: reason}
}

// Begin marks the student's first interaction with the exam.
func (s Status) Begin() (Status, error) {
	if s != StatusRegistered {
		return s, s.guard("begin", "exam already started")
	}
	return StatusInProgress, nil
}

// RequestApproval asks the teacher to approve the student's work.
func (s Status) RequestApproval(hasUpload bool) (Status, error) {
	if s != StatusInProgress {
		return s, s.guard("request approval", "only in-progress work can be sent for approval")
	}
	if !hasUpload {
		return s, s.guard("request approval", "upload at least one file first")
	}
	return StatusApprovalRequested, nil
}

// Approve accepts a pending approval request.
func (s Status) Approve() (Status, error) {
	if s != StatusApprovalRequested {
		return s, s.guard("approve", "no approval requested")
	}
	return StatusApproved, nil
}

// Reject sends a pending approval request back for editing.
func (s Status) Reject() (Status, error) {
	if s != StatusApprovalRequested {
		return s, s.guard("reject", "no approval requested")
	}
	return StatusInProgress, nil
}

// Finalize records the student's final submission.
func (s Status) Finalize() (Status, error) {
	if s != StatusApproved {
		return s, s.guard("submit", "teacher approval required")
	}
	return StatusSubmitted, nil
}

// SweepOnGlobalEnd returns the status after the session is closed for everyone.
func (s Status) SweepOnGlobalEnd() Status {
	switch s {
	case StatusRegistered:
		return StatusAbsent
	case StatusInProgress:
		return StatusSubmitted
	default:
		return s
	}
}

// IsEndTarget reports whether a targeted end may be applied to the student.
func (s Status) IsEndTarget() bool {
	return s == StatusRegistered || s == StatusInProgress
}

// IsTerminal reports whether no further transition applies.
func (s Status) IsTerminal() bool {
	return s == StatusSubmitted || s == StatusAbsent
}

// Attended reports whether the student took part in the exam.
func (s Status) Attended() bool {
	return s != StatusRegistered && s != StatusAbsent
}

// CanStudentEdit implements the student-side lock: answers are writable only
// while nothing is pending or final and the session was not ended for them.
func CanStudentEdit(s Status, sessionEnded bool) bool {
	if sessionEnded {
		return false
	}
	switch s {
	case StatusApprovalRequested, StatusSubmitted, StatusAbsent:
		return false
	}
	return true
}

// CanGradePractical implements the teacher-side lock: practical marks are
// written only after the session closed or the student submitted.
func CanGradePractical(examActive bool, s Status) bool {
	return !examActive || s == StatusSubmitted
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pavelanni/pms/internal/model"
)

const studentColumns = `id, session_code, roll_no, name, image, status, assigned_questions, answers,
	practical, viva, journal, total, is_graded, session_ended, is_slip_changed`

func scanStudent(row scanner) (model.Student, error) {
	var st model.Student
	var assigned, answers string
	err := row.Scan(&st.ID, &st.SessionCode, &st.RollNo, &st.Name, &st.Image, &st.Status, &assigned, &answers,
		&st.Scores.Practical, &st.Scores.Viva, &st.Scores.Journal, &st.Scores.Total,
		&st.IsGraded, &st.SessionEnded, &st.IsSlipChanged)
	if err != nil {
		return st, err
	}
	if err := decodeJSON(assigned, &st.AssignedQuestions); err != nil {
		return st, fmt.Errorf("student %s assigned_questions: %w", st.ID, err)
	}
	st.Answers = map[string]model.Answer{}
	if err := decodeJSON(answers, &st.Answers); err != nil {
		return st, fmt.Errorf("student %s answers: %w", st.ID, err)
	}
	return st, nil
}

func insertStudent(ctx context.Context, tx *sql.Tx, st model.Student) error {
	assigned, err := encodeJSON(st.AssignedQuestions)
	if err != nil {
		return err
	}
	if st.Answers == nil {
		st.Answers = map[string]model.Answer{}
	}
	answers, err := encodeJSON(st.Answers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO students (`+studentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SessionCode, st.RollNo, st.Name, st.Image, st.Status, assigned, answers,
		st.Scores.Practical, st.Scores.Viva, st.Scores.Journal, st.Scores.Total,
		st.IsGraded, st.SessionEnded, st.IsSlipChanged,
	)
	return err
}

// GetStudent returns a student by composite ID.
func (s *Store) GetStudent(ctx context.Context, id string) (model.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	return st, notFound(err)
}

// ListStudents returns a session's roster.
func (s *Store) ListStudents(ctx context.Context, sessionCode string) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE session_code = ? ORDER BY id`, sessionCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// conflictOrMissing explains why a conditional update touched no row.
func (s *Store) conflictOrMissing(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return model.ErrNotFound
	}
	return model.ErrConflict
}

// UpdateStatus moves a student from one status to another. The write only
// applies if the stored status still equals from.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return err
	}
	if err := s.conflictOrMissing(ctx, res, id); err != nil {
		return err
	}
	slog.Info("student status changed", "student_id", id, "from", from, "to", to)
	return nil
}

// SaveAnswers writes a student's answers together with a status change. The
// write applies only if the student is still in the expected status and the
// session was not ended for them.
func (s *Store) SaveAnswers(ctx context.Context, id string, from, to model.Status, answers map[string]model.Answer) error {
	raw, err := encodeJSON(answers)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET answers = ?, status = ?
		 WHERE id = ? AND status = ? AND session_ended = 0`, raw, to, id, from)
	if err != nil {
		return err
	}
	return s.conflictOrMissing(ctx, res, id)
}

// AssignSlip replaces a student's slip and marks it as changed.
func (s *Store) AssignSlip(ctx context.Context, id string, questions []model.Question) error {
	raw, err := encodeJSON(questions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET assigned_questions = ?, is_slip_changed = 1 WHERE id = ? AND status != ?`,
		raw, id, model.StatusSubmitted)
	if err != nil {
		return err
	}
	if err := s.conflictOrMissing(ctx, res, id); err != nil {
		return err
	}
	slog.Info("slip changed", "student_id", id, "questions", len(questions))
	return nil
}

// SaveGrades stores the grading result and marks the student graded.
func (s *Store) SaveGrades(ctx context.Context, id string, answers map[string]model.Answer, scores model.Scores) error {
	raw, err := encodeJSON(answers)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET answers = ?, practical = ?, viva = ?, journal = ?, total = ?, is_graded = 1
		 WHERE id = ?`,
		raw, scores.Practical, scores.Viva, scores.Journal, scores.Total, id)
	if err != nil {
		return err
	}
	if err := mustOneRow(res); err != nil {
		return err
	}
	slog.Info("grades saved", "student_id", id, "total", scores.Total)
	return nil
}

// ResumeSession clears the session_ended overlay.
func (s *Store) ResumeSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET session_ended = 0 WHERE id = ? AND session_ended = 1`, id)
	if err != nil {
		return err
	}
	return s.conflictOrMissing(ctx, res, id)
}

// ReplaceAnswers rewrites the answers of several students in one transaction.
func (s *Store) ReplaceAnswers(ctx context.Context, updates map[string]map[string]model.Answer) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for id, answers := range updates {
			raw, err := encodeJSON(answers)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `UPDATE students SET answers = ? WHERE id = ?`, raw, id)
			if err != nil {
				return err
			}
			if err := mustOneRow(res); err != nil {
				return fmt.Errorf("student %s: %w", id, err)
			}
		}
		return nil
	})
}

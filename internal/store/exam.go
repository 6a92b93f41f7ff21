package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/pms/internal/model"
)

const examColumns = `session_code, subject, teacher_id, lab_number, department, year, duration_minutes,
	started_at, is_active, practical_marks, viva_marks, journal_marks, total_marks, created_at`

func scanExam(row scanner) (model.Exam, error) {
	var e model.Exam
	err := row.Scan(&e.SessionCode, &e.Subject, &e.TeacherID, &e.LabNumber, &e.Department, &e.Year,
		&e.DurationMinutes, &e.StartedAt, &e.IsActive, &e.PracticalMarks, &e.VivaMarks, &e.JournalMarks,
		&e.TotalMarks, &e.CreatedAt)
	return e, err
}

// LaunchExam stores a new exam with its question bank and roster in one
// transaction.
func (s *Store) LaunchExam(ctx context.Context, exam model.Exam, questions []model.Question, students []model.Student) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM exams WHERE session_code = ?`, exam.SessionCode,
		).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return model.ErrSessionExists
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exams (`+examColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exam.SessionCode, exam.Subject, exam.TeacherID, exam.LabNumber, exam.Department, exam.Year,
			exam.DurationMinutes, exam.StartedAt, exam.IsActive, exam.PracticalMarks, exam.VivaMarks,
			exam.JournalMarks, exam.TotalMarks, exam.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}

		for _, q := range questions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (session_code, question_id, topic, marks, image) VALUES (?, ?, ?, ?, ?)`,
				exam.SessionCode, q.ID, q.Topic, q.Marks, q.Image,
			); err != nil {
				return fmt.Errorf("insert question %s: %w", q.ID, err)
			}
		}

		for _, st := range students {
			if err := insertStudent(ctx, tx, st); err != nil {
				return fmt.Errorf("insert student %s: %w", st.RollNo, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("launched exam", "session_code", exam.SessionCode,
		"questions", len(questions), "students", len(students))
	return nil
}

// GetExam returns an exam by session code.
func (s *Store) GetExam(ctx context.Context, sessionCode string) (model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE session_code = ?`, sessionCode))
	return e, notFound(err)
}

// ListExams returns exams newest first. A zero teacherID lists every exam.
func (s *Store) ListExams(ctx context.Context, teacherID int64) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams`
	var args []any
	if teacherID != 0 {
		query += ` WHERE teacher_id = ?`
		args = append(args, teacherID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListQuestions returns a session's question bank in import order.
func (s *Store) ListQuestions(ctx context.Context, sessionCode string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, topic, marks, image FROM questions WHERE session_code = ? ORDER BY id`, sessionCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Topic, &q.Marks, &q.Image); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// EndResult counts the students moved by a global end.
type EndResult struct {
	Absent    int64 `json:"absent"`
	Submitted int64 `json:"submitted"`
}

// EndForAll closes the exam and sweeps the roster in one transaction:
// registered students become absent, in-progress students are submitted.
func (s *Store) EndForAll(ctx context.Context, sessionCode string) (EndResult, error) {
	var out EndResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE exams SET is_active = 0 WHERE session_code = ? AND is_active = 1`, sessionCode)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return &model.GuardViolationError{Action: "end session", Reason: "session is not active"}
		}

		sweep := func(from model.Status) (int64, error) {
			res, err := tx.ExecContext(ctx,
				`UPDATE students SET status = ? WHERE session_code = ? AND status = ?`,
				from.SweepOnGlobalEnd(), sessionCode, from)
			if err != nil {
				return 0, err
			}
			return res.RowsAffected()
		}
		if out.Absent, err = sweep(model.StatusRegistered); err != nil {
			return err
		}
		if out.Submitted, err = sweep(model.StatusInProgress); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}
	slog.Info("session ended globally", "session_code", sessionCode,
		"absent", out.Absent, "submitted", out.Submitted)
	return out, nil
}

// EndForStudents sets the session_ended overlay on each student in one
// transaction. Students outside the active subset abort the whole batch.
func (s *Store) EndForStudents(ctx context.Context, sessionCode string, studentIDs []string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range studentIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE students SET session_ended = 1
				 WHERE id = ? AND session_code = ? AND status IN (?, ?)`,
				id, sessionCode, model.StatusRegistered, model.StatusInProgress)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return &model.GuardViolationError{Action: "end session for " + id, Reason: "student is not active"}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("session ended for students", "session_code", sessionCode, "count", len(studentIDs))
	return nil
}

// DeleteSession removes an exam with its roster and question bank in one
// transaction.
func (s *Store) DeleteSession(ctx context.Context, sessionCode string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE session_code = ?`, sessionCode); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE session_code = ?`, sessionCode); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM auth_sessions WHERE student_id LIKE ? ESCAPE '\'`, escapeLike(sessionCode)+"\\_%"); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE session_code = ?`, sessionCode)
		if err != nil {
			return err
		}
		return mustOneRow(res)
	})
	if err != nil {
		return err
	}
	slog.Info("deleted session history", "session_code", sessionCode)
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SessionSummaries lists every exam with its teacher and roster counts.
func (s *Store) SessionSummaries(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("e.", examColumns)+`,
			COALESCE(u.display_name, ''),
			(SELECT COUNT(*) FROM students st WHERE st.session_code = e.session_code),
			(SELECT COUNT(*) FROM students st WHERE st.session_code = e.session_code AND st.status = 'absent')
		FROM exams e LEFT JOIN users u ON u.id = e.teacher_id
		ORDER BY e.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		e := &sum.Exam
		if err := rows.Scan(&e.SessionCode, &e.Subject, &e.TeacherID, &e.LabNumber, &e.Department, &e.Year,
			&e.DurationMinutes, &e.StartedAt, &e.IsActive, &e.PracticalMarks, &e.VivaMarks, &e.JournalMarks,
			&e.TotalMarks, &e.CreatedAt, &sum.TeacherName, &sum.StudentCount, &sum.AbsentCount); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

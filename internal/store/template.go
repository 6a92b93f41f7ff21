package store

import (
	"context"
	"log/slog"

	"github.com/pavelanni/pms/internal/model"
)

// SaveTemplate stores a named launch configuration.
func (s *Store) SaveTemplate(ctx context.Context, t model.ExamTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_templates (id, name, teacher_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.TeacherID, string(t.Payload), t.CreatedAt)
	if err != nil {
		return err
	}
	slog.Info("saved exam template", "id", t.ID, "name", t.Name, "teacher_id", t.TeacherID)
	return nil
}

// ListTemplates returns a teacher's templates, newest first.
func (s *Store) ListTemplates(ctx context.Context, teacherID int64) ([]model.ExamTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, teacher_id, payload, created_at FROM exam_templates
		 WHERE teacher_id = ? ORDER BY created_at DESC`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExamTemplate
	for rows.Next() {
		var t model.ExamTemplate
		var payload string
		if err := rows.Scan(&t.ID, &t.Name, &t.TeacherID, &payload, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = []byte(payload)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTemplate returns one of a teacher's templates.
func (s *Store) GetTemplate(ctx context.Context, teacherID int64, id string) (model.ExamTemplate, error) {
	var t model.ExamTemplate
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, teacher_id, payload, created_at FROM exam_templates WHERE id = ? AND teacher_id = ?`,
		id, teacherID,
	).Scan(&t.ID, &t.Name, &t.TeacherID, &payload, &t.CreatedAt)
	t.Payload = []byte(payload)
	return t, notFound(err)
}

// DeleteTemplate removes one of a teacher's templates.
func (s *Store) DeleteTemplate(ctx context.Context, teacherID int64, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM exam_templates WHERE id = ? AND teacher_id = ?`, id, teacherID)
	if err != nil {
		return err
	}
	return mustOneRow(res)
}

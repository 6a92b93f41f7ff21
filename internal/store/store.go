package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/pms/internal/model"

	_ "modernc.org/sqlite"
)

// Store persists exams, rosters and users in SQLite. Every record is written
// by single statements; operations that touch several records run inside one
// transaction so they commit or fail as a whole.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL DEFAULT 0,
		student_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		session_code TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		teacher_id INTEGER NOT NULL,
		lab_number TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		year TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		practical_marks INTEGER NOT NULL,
		viva_marks INTEGER NOT NULL DEFAULT 0,
		journal_marks INTEGER NOT NULL DEFAULT 0,
		total_marks INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_code TEXT NOT NULL,
		question_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		marks INTEGER NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (session_code) REFERENCES exams(session_code)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_session ON questions(session_code);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		session_code TEXT NOT NULL,
		roll_no TEXT NOT NULL,
		name TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'registered',
		assigned_questions TEXT NOT NULL DEFAULT '[]',
		answers TEXT NOT NULL DEFAULT '{}',
		practical INTEGER NOT NULL DEFAULT 0,
		viva INTEGER NOT NULL DEFAULT 0,
		journal INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		is_graded INTEGER NOT NULL DEFAULT 0,
		session_ended INTEGER NOT NULL DEFAULT 0,
		is_slip_changed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_code) REFERENCES exams(session_code)
	);
	CREATE INDEX IF NOT EXISTS idx_students_session ON students(session_code);

	CREATE TABLE IF NOT EXISTS exam_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		teacher_id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction and commits only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func mustOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.Error("corrupt JSON column", "error", err)
		return err
	}
	return nil
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/pms/internal/blob"
	appI18n "github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/session"
	"github.com/pavelanni/pms/internal/store"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.New(t.TempDir(), "/files")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = st.CreateUser(context.Background(), model.User{
		Username: "admin", DisplayName: "Administrator", PasswordHash: string(hash),
		Role: model.UserRoleAdmin, Active: true,
	})
	require.NoError(t, err)

	h := New(st, session.New(st, blobs), blobs, Config{})
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (e *testEnv) client(t *testing.T) *client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{t: t, base: e.srv.URL, http: &http.Client{Jar: jar}}
}

func (c *client) send(req *http.Request) (*http.Response, []byte) {
	c.t.Helper()
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, body
}

func (c *client) do(method, path string, payload any) (*http.Response, []byte) {
	c.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

type part struct {
	field, filename string
	data            []byte
}

func (c *client) upload(path string, parts ...part) (*http.Response, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(c.t, mw.WriteField(p.field, string(p.data)))
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(c.t, err)
		_, err = fw.Write(p.data)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

func (c *client) login(username, password string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/api/login", map[string]string{"username": username, "password": password})
	require.Equal(c.t, http.StatusOK, resp.StatusCode, string(body))
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func xlsx(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", addr, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func launchBody() session.LaunchRequest {
	return session.LaunchRequest{
		SessionCode:     "LAB1",
		Subject:         "Operating Systems",
		Department:      "Computer",
		Year:            "TE",
		DurationMinutes: 60,
		PracticalMarks:  10,
		VivaMarks:       5,
		JournalMarks:    5,
		Questions: []model.Question{
			{ID: "Q1", Topic: "Scheduling", Marks: 5},
			{ID: "Q2", Topic: "Paging", Marks: 5},
			{ID: "Q3", Topic: "Deadlock", Marks: 5},
		},
		Roster: []model.RosterEntry{
			{RollNo: "1", Name: "Asha Patil"},
			{RollNo: "2", Name: "Ravi Kumar"},
		},
	}
}

// teacherClient creates a teacher through the admin API and signs them in.
func (e *testEnv) teacherClient(t *testing.T, email string) *client {
	t.Helper()
	adm := e.client(t)
	adm.login("admin", "admin-pass")
	resp, body := adm.do(http.MethodPost, "/api/admin/teachers", sheetTeacher(email))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	tc := e.client(t)
	tc.login(email, "secret123")
	return tc
}

func sheetTeacher(email string) map[string]string {
	return map[string]string{"name": "Neha Joshi", "email": email, "password": "secret123", "department": "Computer"}
}

func TestAuthAndRoles(t *testing.T) {
	env := newEnv(t)

	anon := env.client(t)
	resp, _ := anon.do(http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := anon.do(http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid credentials.", decode[errorBody](t, body).Error)

	adm := env.client(t)
	adm.login("admin", "admin-pass")
	resp, body = adm.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.UserRoleAdmin, decode[model.User](t, body).Role)

	resp, body = adm.do(http.MethodPost, "/api/admin/teachers", sheetTeacher("Neha@College.edu"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[model.User](t, body)
	assert.Equal(t, "neha@college.edu", created.Username)
	assert.Equal(t, "Computer", created.Department)

	resp, _ = adm.do(http.MethodPost, "/api/admin/teachers", sheetTeacher("neha@college.edu"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = adm.do(http.MethodPost, "/api/admin/teachers", sheetTeacher("not-an-email"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[errorBody](t, body).Fields, "email")

	tc := env.client(t)
	tc.login("neha@college.edu", "secret123")
	resp, _ = tc.do(http.MethodGet, "/api/admin/teachers", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = tc.do(http.MethodGet, "/api/exams", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = adm.do(http.MethodPost, fmt.Sprintf("/api/admin/users/%d/toggle", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[model.User](t, body).Active)
	resp, _ = tc.do(http.MethodGet, "/api/exams", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "deactivated users lose access")

	resp, _ = adm.do(http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = adm.do(http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExamFlow(t *testing.T) {
	env := newEnv(t)
	tc := env.teacherClient(t, "neha@college.edu")

	resp, body := tc.do(http.MethodPost, "/api/exams", launchBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, 20, decode[model.Exam](t, body).TotalMarks)

	resp, _ = tc.do(http.MethodPost, "/api/exams", launchBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	bad := launchBody()
	bad.SessionCode = "LAB2"
	bad.PracticalMarks = 3
	resp, _ = tc.do(http.MethodPost, "/api/exams", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	stu := env.client(t)
	resp, _ = stu.do(http.MethodPost, "/api/login/student",
		map[string]string{"session_code": "LAB1", "roll_no": "1", "name": "Someone Else"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body = stu.do(http.MethodPost, "/api/login/student",
		map[string]string{"session_code": "LAB1", "roll_no": "1", "name": "asha patil"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = stu.do(http.MethodGet, "/api/exams", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "students cannot reach teacher routes")

	resp, body = stu.do(http.MethodPost, "/api/student/begin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	view := decode[session.ExamView](t, body)
	assert.Equal(t, model.StatusInProgress, view.Student.Status)
	assert.True(t, view.CanEdit)

	resp, _ = stu.do(http.MethodPost, "/api/student/request-approval", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "approval needs an upload")

	resp, body = stu.do(http.MethodPut, "/api/student/answers/q1", map[string]string{"code": "fork()"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = stu.upload("/api/student/answers/q1/file", part{"file", "notes.txt", []byte("plain text")})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, body = stu.upload("/api/student/answers/q1/file", part{"file", "answer.pdf", []byte("%PDF-1.4\nwork")})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	file := decode[session.ExamView](t, body).Student.Answers["q1"].File
	require.NotNil(t, file)

	resp, body = stu.do(http.MethodGet, "/files/"+file.StorageRef, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4\nwork", string(body))

	classmate := env.client(t)
	resp, body = classmate.do(http.MethodPost, "/api/login/student",
		map[string]string{"session_code": "LAB1", "roll_no": "2", "name": "Ravi Kumar"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = classmate.do(http.MethodGet, "/files/"+file.StorageRef, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "students read only their own files")

	outsider := env.teacherClient(t, "ravi@college.edu")
	resp, _ = outsider.do(http.MethodGet, "/files/"+file.StorageRef, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "teachers read only their sessions' files")

	resp, body = tc.do(http.MethodGet, "/files/"+file.StorageRef, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4\nwork", string(body))

	resp, body = stu.do(http.MethodPost, "/api/student/request-approval", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.False(t, decode[session.ExamView](t, body).CanEdit)

	resp, body = tc.do(http.MethodPost, "/api/exams/LAB1/students/LAB1_1/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, model.StatusApproved, decode[model.Student](t, body).Status)

	resp, body = stu.do(http.MethodPost, "/api/student/submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, model.StatusSubmitted, decode[session.ExamView](t, body).Student.Status)

	again := env.client(t)
	resp, body = again.do(http.MethodPost, "/api/login/student",
		map[string]string{"session_code": "LAB1", "roll_no": "1", "name": "Asha Patil"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Access denied. You have already submitted or your session has ended.",
		decode[errorBody](t, body).Error)

	resp, _ = tc.do(http.MethodGet, "/api/exams/LAB1/results.xlsx", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "results wait for grading")

	resp, body = tc.do(http.MethodPost, "/api/exams/LAB1/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, store.EndResult{Absent: 1}, decode[store.EndResult](t, body))

	resp, body = tc.do(http.MethodPut, "/api/exams/LAB1/students/LAB1_1/grades",
		map[string]any{"per_question": map[string]int{"q1": 5, "q2": 9}, "viva": 3, "journal": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	resp, body = tc.do(http.MethodPut, "/api/exams/LAB1/students/LAB1_1/grades",
		map[string]any{"per_question": map[string]int{"q1": 5, "q2": 4}, "viva": 3, "journal": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, model.Scores{Practical: 9, Viva: 3, Journal: 5, Total: 17}, decode[model.Student](t, body).Scores)

	resp, body = tc.do(http.MethodGet, "/api/exams/LAB1/results.xlsx", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
	f, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"1", "1", "Asha Patil", "9", "3", "5", "17"}, rows[4])
	assert.Equal(t, "ABSENT", rows[5][3])

	resp, body = tc.do(http.MethodGet, "/api/exams/LAB1/archive.zip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "1", resp.Header.Get("X-Archived-Files"))
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
}

func TestLaunchFromSheets(t *testing.T) {
	env := newEnv(t)
	tc := env.teacherClient(t, "neha@college.edu")

	settings, err := json.Marshal(map[string]any{
		"session_code": "NET7", "subject": "Networks", "duration_minutes": 45,
		"practical_marks": 10, "viva_marks": 5, "journal_marks": 5,
	})
	require.NoError(t, err)
	roster := xlsx(t, [][]any{
		{"Roll No", "Name"},
		{3, "Kiran Rao"},
		{},
		{1, "Asha Patil"},
	})
	questions := xlsx(t, [][]any{
		{"ID", "Topic", "Image", "Marks"},
		{"N1", "Sockets", "", 5},
		{"N2", "Routing", "", 5},
		{"N3", "Broken", "", 0},
	})

	resp, body := tc.upload("/api/exams/import",
		part{field: "exam", data: settings},
		part{"roster", "roster.xlsx", roster},
		part{"questions", "questions.xlsx", questions},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = tc.do(http.MethodGet, "/api/exams/NET7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	view := decode[session.MonitorView](t, body)
	require.Len(t, view.Students, 2)
	assert.Equal(t, "1", view.Students[0].RollNo)
	assert.Len(t, view.Students[0].AssignedQuestions, 2)

	dup := xlsx(t, [][]any{{"Roll", "Name"}, {1, "A"}, {1, "B"}})
	resp, body = tc.upload("/api/exams/import",
		part{field: "exam", data: settings},
		part{"roster", "roster.xlsx", dup},
		part{"questions", "questions.xlsx", questions},
	)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[errorBody](t, body).Fields, "roster")
}

func TestImportAndDeleteTeachers(t *testing.T) {
	env := newEnv(t)
	adm := env.client(t)
	adm.login("admin", "admin-pass")

	data := xlsx(t, [][]any{
		{"Full Name", "Email ID", "Password", "Department"},
		{"Neha Joshi", "neha@college.edu", "secret123", "Computer"},
		{"Amit Desai", "amit@college.edu", "secret456", "IT"},
		{"", "skipped@college.edu", "x", ""},
	})
	resp, body := adm.upload("/api/admin/teachers/import", part{"file", "teachers.xlsx", data})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, map[string]int{"created": 2}, decode[map[string]int](t, body))

	resp, body = adm.upload("/api/admin/teachers/import", part{"file", "teachers.xlsx", data})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = adm.do(http.MethodGet, "/api/admin/teachers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	teachers := decode[[]model.User](t, body)
	require.Len(t, teachers, 2)

	ids := []int64{teachers[0].ID, teachers[1].ID, 1}
	resp, body = adm.do(http.MethodPost, "/api/admin/teachers/delete", map[string]any{"ids": ids})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, map[string]int64{"deleted": 2}, decode[map[string]int64](t, body), "admin is never deleted")
}

func TestSessionHistoryAndDelete(t *testing.T) {
	env := newEnv(t)
	tc := env.teacherClient(t, "neha@college.edu")
	resp, body := tc.do(http.MethodPost, "/api/exams", launchBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = tc.do(http.MethodGet, "/api/admin/sessions", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adm := env.client(t)
	adm.login("admin", "admin-pass")
	resp, body = adm.do(http.MethodGet, "/api/admin/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]model.SessionSummary](t, body)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].StudentCount)

	resp, _ = adm.do(http.MethodDelete, "/api/admin/sessions/LAB1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = tc.do(http.MethodGet, "/api/exams/LAB1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTemplates(t *testing.T) {
	env := newEnv(t)
	tc := env.teacherClient(t, "neha@college.edu")

	resp, body := tc.do(http.MethodPost, "/api/exams/templates",
		map[string]any{"name": "OS lab", "request": launchBody()})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	tmpl := decode[model.ExamTemplate](t, body)

	resp, body = tc.do(http.MethodGet, "/api/exams/templates/"+tmpl.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	req := decode[session.LaunchRequest](t, body)
	assert.Empty(t, req.SessionCode)
	assert.Len(t, req.Questions, 3)

	resp, _ = tc.do(http.MethodDelete, "/api/exams/templates/"+tmpl.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = tc.do(http.MethodDelete, "/api/exams/templates/"+tmpl.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&model.InvalidTargetError{Target: 1, MinMarks: 2}, http.StatusUnprocessableEntity},
		{&model.InputError{Fields: map[string]string{"x": "bad"}}, http.StatusUnprocessableEntity},
		{&model.GuardViolationError{Action: "approve"}, http.StatusConflict},
		{fmt.Errorf("launch: %w", model.ErrSessionExists), http.StatusConflict},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrUnauthorized, http.StatusUnauthorized},
		{model.ErrForbidden, http.StatusForbidden},
		{session.ErrSuggestDisabled, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

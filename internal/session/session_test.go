package session

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/pms/internal/blob"
	"github.com/pavelanni/pms/internal/i18n"
	"github.com/pavelanni/pms/internal/model"
	"github.com/pavelanni/pms/internal/store"
)

var (
	t0      = time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC)
	teacher = model.Actor{Role: model.UserRoleTeacher, UserID: 1, Username: "t@college.edu"}
	admin   = model.Actor{Role: model.UserRoleAdmin, UserID: 99, Username: "admin"}
)

type fixture struct {
	c     *Controller
	store *store.Store
	blobs *blob.Store
	dir   string
	clock time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	require.NoError(t, i18n.Init("en"))
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	dir := t.TempDir()
	blobs, err := blob.New(dir, "/files")
	require.NoError(t, err)

	f := &fixture{store: st, blobs: blobs, dir: dir, clock: t0}
	opts = append([]Option{
		WithClock(func() time.Time { return f.clock }),
		WithRand(func() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }),
	}, opts...)
	f.c = New(st, blobs, opts...)
	return f
}

func launchRequest() LaunchRequest {
	return LaunchRequest{
		SessionCode:     "DSA101",
		Subject:         "Data Structures",
		LabNumber:       "L2",
		Department:      "Computer",
		Year:            "SE",
		DurationMinutes: 60,
		PracticalMarks:  10,
		VivaMarks:       5,
		JournalMarks:    5,
		Questions: []model.Question{
			{ID: "Q1", Topic: "Stacks", Marks: 5},
			{ID: "Q2", Topic: "Queues", Marks: 5},
			{ID: "Q3", Topic: "Trees", Marks: 5},
			{ID: "Q4", Topic: "Graphs", Marks: 5},
		},
		Roster: []model.RosterEntry{
			{RollNo: "10", Name: "Meera Shah"},
			{RollNo: "2", Name: "Ravi Kumar"},
			{RollNo: "1", Name: "Asha Patil"},
		},
	}
}

func (f *fixture) launch(t *testing.T) model.Exam {
	t.Helper()
	exam, err := f.c.Launch(context.Background(), teacher, launchRequest())
	require.NoError(t, err)
	return exam
}

func studentOf(roll string) model.Actor {
	return model.StudentActor(model.StudentID("DSA101", roll))
}

func pdf(body string) *strings.Reader {
	return strings.NewReader("%PDF-1.4\n" + body)
}

func TestLaunch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exam := f.launch(t)

	assert.Equal(t, "DSA101", exam.SessionCode)
	assert.Equal(t, 20, exam.TotalMarks)
	assert.True(t, exam.IsActive)

	view, err := f.c.Monitor(ctx, teacher, "DSA101")
	require.NoError(t, err)
	require.Len(t, view.Students, 3)
	assert.Equal(t, []string{"1", "2", "10"},
		[]string{view.Students[0].RollNo, view.Students[1].RollNo, view.Students[2].RollNo})
	for _, st := range view.Students {
		assert.Equal(t, model.StatusRegistered, st.Status)
		assert.Len(t, st.AssignedQuestions, 2, "two 5-mark questions reach 10")
	}
	assert.Equal(t, 3, view.Counts[model.StatusRegistered])
	assert.Equal(t, "01:00:00", view.TimeRemaining)
}

func TestLaunchRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)

	_, err := f.c.Launch(ctx, teacher, launchRequest())
	assert.ErrorIs(t, err, model.ErrSessionExists)

	req := launchRequest()
	req.SessionCode = "OTHER1"
	req.PracticalMarks = 3
	_, err = f.c.Launch(ctx, teacher, req)
	var target *model.InvalidTargetError
	assert.ErrorAs(t, err, &target)

	req = launchRequest()
	req.SessionCode = "OTHER2"
	req.Subject = ""
	req.Questions[1].Marks = 0
	_, err = f.c.Launch(ctx, teacher, req)
	var input *model.InputError
	require.ErrorAs(t, err, &input)
	assert.Contains(t, input.Fields, "subject")
	assert.Contains(t, input.Fields, "questions[1].marks")

	req = launchRequest()
	req.SessionCode = "OTHER3"
	req.Roster = append(req.Roster, model.RosterEntry{RollNo: "1", Name: "Dup"})
	_, err = f.c.Launch(ctx, teacher, req)
	assert.True(t, model.IsValidation(err))

	req = launchRequest()
	req.SessionCode = "OTHER4"
	req.Subject = "  "
	req.Roster = append(req.Roster, model.RosterEntry{RollNo: "   ", Name: "Blank"})
	_, err = f.c.Launch(ctx, teacher, req)
	require.ErrorAs(t, err, &input)
	assert.Contains(t, input.Fields, "subject")
	assert.Contains(t, input.Fields, "roster[3].roll_no")
	assert.Equal(t, "   ", req.Roster[3].RollNo, "the caller's roster is not modified")
	_, err = f.store.GetStudent(ctx, "OTHER4_")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.c.Launch(ctx, studentOf("1"), launchRequest())
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.store.GetExam(ctx, "OTHER1")
	assert.ErrorIs(t, err, model.ErrNotFound, "a rejected launch writes nothing")
}

func TestLaunchSuggestsSessionCode(t *testing.T) {
	f := newFixture(t)
	req := launchRequest()
	req.SessionCode = ""
	exam, err := f.c.Launch(context.Background(), teacher, req)
	require.NoError(t, err)
	assert.Regexp(t, `^DATAST\d{3}$`, exam.SessionCode)
}

func TestStudentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)

	_, err := f.c.Login(ctx, "DSA101", "1", "Someone Else")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = f.c.Login(ctx, "NOPE", "1", "Asha Patil")
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	res, err := f.c.Login(ctx, " DSA101 ", "1", "  asha PATIL ")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	me := studentOf("1")
	view, err := f.c.Begin(ctx, me)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, view.Student.Status)
	assert.True(t, view.CanEdit)

	view, err = f.c.SaveAnswer(ctx, me, "q1", "stack.push(1)")
	require.NoError(t, err)
	assert.Equal(t, model.TextOnly, view.Student.Answers["q1"].Kind())

	_, err = f.c.SaveAnswer(ctx, me, "q9", "x")
	assert.True(t, model.IsValidation(err))

	_, err = f.c.RequestApproval(ctx, me)
	assert.True(t, model.IsGuardViolation(err), "approval needs an upload")

	_, err = f.c.AttachFile(ctx, me, "q1", "output.docx", pdf("x"))
	assert.True(t, model.IsValidation(err))
	_, err = f.c.AttachFile(ctx, me, "q1", "output.pdf", strings.NewReader("not a pdf"))
	assert.True(t, model.IsValidation(err))

	view, err = f.c.AttachFile(ctx, me, "q1", "output.pdf", pdf("result"))
	require.NoError(t, err)
	assert.Equal(t, model.Both, view.Student.Answers["q1"].Kind())

	view, err = f.c.RequestApproval(ctx, me)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApprovalRequested, view.Student.Status)
	assert.False(t, view.CanEdit)

	_, err = f.c.SaveAnswer(ctx, me, "q1", "changed")
	assert.True(t, model.IsGuardViolation(err), "answers are locked while approval is pending")
	_, err = f.c.FinalSubmit(ctx, me)
	assert.True(t, model.IsGuardViolation(err))

	id := model.StudentID("DSA101", "1")
	st, err := f.c.Reject(ctx, teacher, "DSA101", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, st.Status)

	_, err = f.c.RequestApproval(ctx, me)
	require.NoError(t, err)
	st, err = f.c.Approve(ctx, teacher, "DSA101", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, st.Status)

	view, err = f.c.FinalSubmit(ctx, me)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, view.Student.Status)

	_, err = f.c.Login(ctx, "DSA101", "1", "Asha Patil")
	assert.True(t, model.IsGuardViolation(err), "submitted students are turned away")
}

func TestRemoveFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	me := studentOf("2")

	view, err := f.c.AttachFile(ctx, me, "q2", "a.pdf", pdf("a"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, view.Student.Status, "first write starts the exam")
	ref := view.Student.Answers["q2"].File.StorageRef

	view, err = f.c.RemoveFile(ctx, me, "q2")
	require.NoError(t, err)
	assert.Equal(t, model.Unanswered, view.Student.Answers["q2"].Kind())
	_, err = f.blobs.Open(ref)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.c.RemoveFile(ctx, me, "q2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEndForAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	_, err := f.c.Begin(ctx, studentOf("2"))
	require.NoError(t, err)

	res, err := f.c.EndForAll(ctx, teacher, "DSA101")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Absent)
	assert.EqualValues(t, 1, res.Submitted)

	_, err = f.c.SaveAnswer(ctx, studentOf("2"), "q1", "late")
	assert.True(t, model.IsGuardViolation(err))
	_, err = f.c.EndForAll(ctx, teacher, "DSA101")
	assert.True(t, model.IsGuardViolation(err))
}

func TestEndForStudentsAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	id1, id2 := model.StudentID("DSA101", "1"), model.StudentID("DSA101", "2")

	err := f.c.EndForStudents(ctx, teacher, "DSA101", nil)
	assert.True(t, model.IsValidation(err))

	require.NoError(t, f.c.EndForStudents(ctx, teacher, "DSA101", []string{id1}))
	_, err = f.c.Login(ctx, "DSA101", "1", "Asha Patil")
	assert.True(t, model.IsGuardViolation(err))
	_, err = f.c.SaveAnswer(ctx, studentOf("1"), "q1", "x")
	assert.True(t, model.IsGuardViolation(err))

	_, err = f.c.Resume(ctx, teacher, "DSA101", id2)
	assert.True(t, model.IsGuardViolation(err), "nothing to resume")

	st, err := f.c.Resume(ctx, teacher, "DSA101", id1)
	require.NoError(t, err)
	assert.False(t, st.SessionEnded)
	_, err = f.c.SaveAnswer(ctx, studentOf("1"), "q1", "x")
	assert.NoError(t, err)

	// Students awaiting approval are not end targets.
	_, err = f.c.AttachFile(ctx, studentOf("2"), "q1", "a.pdf", pdf("a"))
	require.NoError(t, err)
	_, err = f.c.RequestApproval(ctx, studentOf("2"))
	require.NoError(t, err)
	err = f.c.EndForStudents(ctx, teacher, "DSA101", []string{id1, id2})
	assert.True(t, model.IsGuardViolation(err))
	st, _ = f.c.Student(ctx, teacher, "DSA101", id1)
	assert.False(t, st.SessionEnded, "a rejected batch changes nobody")
}

func TestSlipChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	id := model.StudentID("DSA101", "1")

	alts, err := f.c.SlipAlternatives(ctx, teacher, "DSA101", id)
	require.NoError(t, err)
	assert.Len(t, alts, 5, "C(4,2) combinations minus the current slip")

	_, err = f.c.AssignSlip(ctx, teacher, "DSA101", id, []string{"Q1"})
	assert.True(t, model.IsValidation(err))
	_, err = f.c.AssignSlip(ctx, teacher, "DSA101", id, []string{"Q1", "Q1"})
	assert.True(t, model.IsValidation(err))

	ids := []string{alts[0][0].ID, alts[0][1].ID}
	st, err := f.c.AssignSlip(ctx, teacher, "DSA101", id, ids)
	require.NoError(t, err)
	assert.True(t, st.IsSlipChanged)

	stored, _ := f.c.Student(ctx, teacher, "DSA101", id)
	assert.Equal(t, ids, []string{stored.AssignedQuestions[0].ID, stored.AssignedQuestions[1].ID})

	_, err = f.c.EndForAll(ctx, teacher, "DSA101")
	require.NoError(t, err)
	_, err = f.c.AssignSlip(ctx, teacher, "DSA101", id, ids)
	assert.True(t, model.IsGuardViolation(err))
}

func TestGradingAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	id1 := model.StudentID("DSA101", "1")

	_, err := f.c.Begin(ctx, studentOf("1"))
	require.NoError(t, err)
	_, err = f.c.SaveAnswer(ctx, studentOf("1"), "q1", "code")
	require.NoError(t, err)

	var buf bytes.Buffer
	err = f.c.ExportResults(ctx, teacher, "DSA101", &buf)
	assert.True(t, model.IsGuardViolation(err), "results need every attending student graded")

	in := gradingInput(map[string]int{"q1": 5, "q2": 3}, 4, 5)
	st, err := f.c.SaveGrades(ctx, teacher, "DSA101", id1, in)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Scores.Practical, "practical is locked while the student is still writing")
	assert.Equal(t, 9, st.Scores.Total)

	_, err = f.c.SaveGrades(ctx, teacher, "DSA101", id1, gradingInput(nil, 6, 0))
	var rng *model.ScoreRangeError
	assert.ErrorAs(t, err, &rng)

	_, err = f.c.EndForAll(ctx, teacher, "DSA101")
	require.NoError(t, err)
	st, err = f.c.SaveGrades(ctx, teacher, "DSA101", id1, in)
	require.NoError(t, err)
	assert.Equal(t, 8, st.Scores.Practical)
	assert.Equal(t, 17, st.Scores.Total)
	require.NotNil(t, st.Answers["q2"].Score)
	assert.Equal(t, 3, *st.Answers["q2"].Score)

	require.NoError(t, f.c.ExportResults(ctx, teacher, "DSA101", &buf))
	assert.NotZero(t, buf.Len())

	buf.Reset()
	require.NoError(t, f.c.ExportAttendance(ctx, teacher, "DSA101", &buf))
	assert.NotZero(t, buf.Len())
}

func TestArchiveFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)

	view, err := f.c.AttachFile(ctx, studentOf("1"), "q1", "out.pdf", pdf("one"))
	require.NoError(t, err)
	ref := view.Student.Answers["q1"].File.StorageRef

	var buf bytes.Buffer
	_, err = f.c.ArchiveFiles(ctx, teacher, "DSA101", &buf)
	assert.True(t, model.IsGuardViolation(err), "archive only closed sessions")

	_, err = f.c.EndForAll(ctx, teacher, "DSA101")
	require.NoError(t, err)
	n, err := f.c.ArchiveFiles(ctx, teacher, "DSA101", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, buf.Len())

	st, _ := f.c.Student(ctx, teacher, "DSA101", model.StudentID("DSA101", "1"))
	assert.False(t, st.HasUpload())
	_, err = f.blobs.Open(ref)
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err = f.c.ArchiveFiles(ctx, teacher, "DSA101", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// onEOF runs fn once the wrapped reader is drained.
type onEOF struct {
	r  io.Reader
	fn func()
}

func (o *onEOF) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if err == io.EOF && o.fn != nil {
		o.fn()
		o.fn = nil
	}
	return n, err
}

func TestAttachFileRemovesObjectWhenSaveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	me := studentOf("1")

	// The student row changes while the upload is being stored.
	body := &onEOF{r: pdf("late"), fn: func() {
		_, err := f.c.Begin(ctx, me)
		require.NoError(t, err)
	}}
	_, err := f.c.AttachFile(ctx, me, "q1", "late.pdf", body)
	require.ErrorIs(t, err, model.ErrConflict)

	entries, err := os.ReadDir(filepath.Join(f.dir, model.StudentID("DSA101", "1")))
	require.NoError(t, err)
	assert.Empty(t, entries, "the stored object is removed again")

	st, err := f.c.Student(ctx, teacher, "DSA101", model.StudentID("DSA101", "1"))
	require.NoError(t, err)
	assert.False(t, st.HasUpload())
}

func TestAuthorizeFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)

	view, err := f.c.AttachFile(ctx, studentOf("1"), "q1", "out.pdf", pdf("x"))
	require.NoError(t, err)
	ref := view.Student.Answers["q1"].File.StorageRef

	other := model.Actor{Role: model.UserRoleTeacher, UserID: 2}
	tests := []struct {
		name  string
		actor model.Actor
		ref   string
		want  error
	}{
		{"owner", studentOf("1"), ref, nil},
		{"session teacher", teacher, ref, nil},
		{"admin", admin, ref, nil},
		{"classmate", studentOf("2"), ref, model.ErrNotFound},
		{"other teacher", other, ref, model.ErrForbidden},
		{"unknown session", teacher, "NOPE_1/x.pdf", model.ErrNotFound},
		{"bare name", teacher, "x.pdf", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.c.AuthorizeFile(ctx, tt.actor, tt.ref)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestArchiveFilesSkipsMissingObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)

	view, err := f.c.AttachFile(ctx, studentOf("1"), "q1", "one.pdf", pdf("one"))
	require.NoError(t, err)
	lost := view.Student.Answers["q1"].File.StorageRef
	_, err = f.c.AttachFile(ctx, studentOf("2"), "q1", "two.pdf", pdf("two"))
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(lost))

	_, err = f.c.EndForAll(ctx, teacher, "DSA101")
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.c.ArchiveFiles(ctx, teacher, "DSA101", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"2/q1_two.pdf"}, names)

	for _, roll := range []string{"1", "2"} {
		st, err := f.c.Student(ctx, teacher, "DSA101", model.StudentID("DSA101", roll))
		require.NoError(t, err)
		assert.False(t, st.HasUpload(), "roll %s keeps no file reference", roll)
	}

	n, err = f.c.ArchiveFiles(ctx, teacher, "DSA101", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOwnershipAndAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t)
	other := model.Actor{Role: model.UserRoleTeacher, UserID: 2}

	_, err := f.c.Monitor(ctx, other, "DSA101")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.c.Monitor(ctx, studentOf("1"), "DSA101")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.c.Monitor(ctx, admin, "DSA101")
	assert.NoError(t, err)

	_, err = f.c.Student(ctx, teacher, "DSA101", "OTHER_1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, f.c.DeleteSession(ctx, teacher, "DSA101"), model.ErrForbidden)

	view, err := f.c.AttachFile(ctx, studentOf("1"), "q1", "out.pdf", pdf("x"))
	require.NoError(t, err)
	hist, err := f.c.SessionHistory(ctx, admin)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 3, hist[0].StudentCount)

	require.NoError(t, f.c.DeleteSession(ctx, admin, "DSA101"))
	_, err = f.blobs.Open(view.Student.Answers["q1"].File.StorageRef)
	assert.ErrorIs(t, err, model.ErrNotFound)
	hist, _ = f.c.SessionHistory(ctx, admin)
	assert.Empty(t, hist)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.c.SaveTemplate(ctx, teacher, "DSA weekly", launchRequest())
	require.NoError(t, err)
	list, err := f.c.Templates(ctx, teacher)
	require.NoError(t, err)
	require.Len(t, list, 1)

	req, err := f.c.Template(ctx, teacher, saved.ID)
	require.NoError(t, err)
	assert.Empty(t, req.SessionCode)
	assert.Len(t, req.Questions, 4)

	_, err = f.c.SaveTemplate(ctx, teacher, " ", launchRequest())
	assert.True(t, model.IsValidation(err))

	require.NoError(t, f.c.DeleteTemplate(ctx, teacher, saved.ID))
	_, err = f.c.Template(ctx, teacher, saved.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

package session

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"path"
	"sort"
	"strings"

	"github.com/pavelanni/pms/internal/blob"
	"github.com/pavelanni/pms/internal/model"
)

// ArchiveFiles writes every uploaded answer file of a closed session into a
// zip archive, then clears the file references in one batch and deletes the
// stored objects. Missing objects are skipped and their references cleared.
// It returns the number of archived files.
func (c *Controller) ArchiveFiles(ctx context.Context, actor model.Actor, code string, w io.Writer) (int, error) {
	exam, err := c.examFor(ctx, actor, code)
	if err != nil {
		return 0, err
	}
	if exam.IsActive {
		return 0, &model.GuardViolationError{Action: "archive files", Reason: "end the session first"}
	}
	students, err := c.roster(ctx, code)
	if err != nil {
		return 0, err
	}

	zw := zip.NewWriter(w)
	updates := map[string]map[string]model.Answer{}
	var refs []string
	for _, st := range students {
		slots := make([]string, 0, len(st.Answers))
		for k, a := range st.Answers {
			if a.HasFile() {
				slots = append(slots, k)
			}
		}
		if len(slots) == 0 {
			continue
		}
		sort.Strings(slots)

		cleared := maps.Clone(st.Answers)
		for _, slot := range slots {
			a := cleared[slot]
			name := path.Join(blob.SanitizeName(st.RollNo), slot+"_"+blob.SanitizeName(a.File.Name))
			err := c.copyToZip(zw, name, a.File.StorageRef)
			switch {
			case errors.Is(err, model.ErrNotFound):
				slog.Warn("answer file missing, skipping", "student_id", st.ID, "slot", slot, "ref", a.File.StorageRef)
			case err != nil:
				return 0, err
			default:
				refs = append(refs, a.File.StorageRef)
			}
			a.File = nil
			cleared[slot] = a
		}
		updates[st.ID] = cleared
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := c.store.ReplaceAnswers(ctx, updates); err != nil {
		return 0, err
	}
	removed := c.blobs.DeleteAll(refs)
	slog.Info("archived session files", "session_code", code, "files", len(refs), "deleted", removed)
	return len(refs), nil
}

// AuthorizeFile checks that actor may read the stored answer file ref.
// Students read only their own files; staff read files of sessions they
// manage. Objects are stored under the sanitized student id, and session
// codes are alphanumeric, so the code is the prefix before the first "_".
func (c *Controller) AuthorizeFile(ctx context.Context, actor model.Actor, ref string) error {
	owner, _, ok := strings.Cut(ref, "/")
	if !ok || owner == "" {
		return model.ErrNotFound
	}
	if actor.Role == model.UserRoleStudent {
		if actor.StudentID == "" || owner != blob.SanitizeName(actor.StudentID) {
			return model.ErrNotFound
		}
		return nil
	}
	code, _, ok := strings.Cut(owner, "_")
	if !ok || code == "" {
		return model.ErrNotFound
	}
	_, err := c.examFor(ctx, actor, code)
	return err
}

// copyToZip opens the object before creating the entry so a missing object
// leaves nothing behind in the archive.
func (c *Controller) copyToZip(zw *zip.Writer, name, ref string) error {
	rc, err := c.blobs.Open(ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	fw, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, rc)
	return err
}

// DeleteSession removes a session with its roster and question bank, then
// deletes every stored answer file.
func (c *Controller) DeleteSession(ctx context.Context, actor model.Actor, code string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	students, err := c.store.ListStudents(ctx, code)
	if err != nil {
		return err
	}
	var refs []string
	for _, st := range students {
		for _, a := range st.Answers {
			if a.HasFile() {
				refs = append(refs, a.File.StorageRef)
			}
		}
	}
	if err := c.store.DeleteSession(ctx, code); err != nil {
		return err
	}
	c.blobs.DeleteAll(refs)
	return nil
}

// SessionHistory lists every session for the admin dashboard.
func (c *Controller) SessionHistory(ctx context.Context, actor model.Actor) ([]model.SessionSummary, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return c.store.SessionSummaries(ctx)
}

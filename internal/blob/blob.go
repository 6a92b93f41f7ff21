// Package blob stores uploaded answer files on the local filesystem. Objects
// are addressed by a storage reference of the form "<prefix>/<uuid>-<name>".
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/pms/internal/model"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.\-_]`)

// SanitizeName keeps only characters that are safe in object and file names.
func SanitizeName(name string) string {
	name = unsafeChars.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// Store is a filesystem-backed object store.
type Store struct {
	root    string
	baseURL string
}

// New creates the root directory if needed. baseURL is the public prefix
// under which objects are served, for example "/files".
func New(root, baseURL string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root is the directory holding every object.
func (s *Store) Root() string { return s.root }

func (s *Store) resolve(ref string) (string, error) {
	for _, seg := range strings.Split(ref, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid storage reference %q: %w", ref, model.ErrNotFound)
		}
	}
	clean := path.Clean("/" + ref)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage reference %q: %w", ref, model.ErrNotFound)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes r under prefix and returns a reference to the new object.
func (s *Store) Put(ctx context.Context, prefix, name string, r io.Reader) (model.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRef{}, err
	}
	name = SanitizeName(name)
	ref := path.Join(SanitizeName(prefix), uuid.NewString()+"-"+name)
	full, err := s.resolve(ref)
	if err != nil {
		return model.FileRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return model.FileRef{}, err
	}
	f, err := os.Create(full)
	if err != nil {
		return model.FileRef{}, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(full)
		return model.FileRef{}, fmt.Errorf("write blob %s: %w", ref, err)
	}
	slog.Debug("stored blob", "ref", ref, "bytes", n)
	return model.FileRef{Name: name, URL: s.URL(ref), StorageRef: ref}, nil
}

// URL returns the public address of an object.
func (s *Store) URL(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

// Open returns a reader for an object.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.ErrNotFound
	}
	return f, err
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(ref string) error {
	full, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteAll removes every object, logging and skipping failures. It returns
// the number of objects removed.
func (s *Store) DeleteAll(refs []string) int {
	removed := 0
	for _, ref := range refs {
		if err := s.Delete(ref); err != nil {
			slog.Warn("failed to delete blob", "ref", ref, "error", err)
			continue
		}
		removed++
	}
	return removed
}

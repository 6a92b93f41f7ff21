// Package relay is a small file drop used on lab machines: clients post a
// file with a target folder and fetch it back by path for preview.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/pms/internal/blob"
)

// FolderHeader names the target directory of an upload.
const FolderHeader = "X-Folder-Path"

// Server stores uploads below root.
type Server struct {
	root     string
	maxBytes int64
}

// New creates a relay rooted at dir.
func New(dir string, maxBytes int64) (*Server, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create relay root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Server{root: abs, maxBytes: maxBytes}, nil
}

// Routes registers the relay endpoints.
func (s *Server) Routes(r chi.Router) {
	r.Use(allowAnyOrigin)
	r.Post("/api/upload", s.handleUpload)
	r.Get("/api/preview", s.handlePreview)
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+FolderHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CleanFolder decodes a folder header value and strips quotes and
// surrounding spaces.
func CleanFolder(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	decoded = strings.NewReplacer(`"`, "", `'`, "").Replace(decoded)
	return strings.TrimSpace(decoded), nil
}

// resolve maps a client path onto the relay root. Absolute paths and ".."
// segments never leave the root.
func (s *Server) resolve(p string) string {
	p = filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(s.root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.Join(s.root, rel)
		}
	}
	return filepath.Join(s.root, filepath.Clean(string(filepath.Separator)+p))
}

type errorResponse struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	Message  string `json:"message"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(FolderHeader)
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing " + FolderHeader + " header"})
		return
	}
	folder, err := CleanFolder(raw)
	if err != nil || folder == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + FolderHeader + " header"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no file received"})
		return
	}
	defer file.Close()

	dir := s.resolve(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("create upload folder", "dir", dir, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	name := blob.SanitizeName(header.Filename)
	dst := filepath.Join(dir, name)
	if err := writeFile(dst, file); err != nil {
		slog.Error("save upload", "path", dst, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	rel, _ := filepath.Rel(s.root, dst)
	slog.Info("uploaded", "path", rel)
	writeJSON(w, http.StatusOK, uploadResponse{Message: "Success", Path: filepath.ToSlash(rel), Filename: name})
}

func writeFile(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		http.Error(w, "no file path provided", http.StatusBadRequest)
		return
	}
	full := s.resolve(p)
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("stat preview file", "path", full, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.ServeFile(w, r, full)
}

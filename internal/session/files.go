package session

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// Dir returns the session's files directory. It is not created until the
// first file is stored. It is empty when no files directory is configured
// or the session id is not a single path element.
func (s *Session) Dir() string {
	if s.filesDir == "" || !validDirName(s.ID) {
		return ""
	}
	return filepath.Join(s.filesDir, s.ID)
}

func validDirName(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// AddFile stores r in the session files directory and registers it.
func (s *Session) AddFile(name, mime string, r io.Reader) (domain.FileDict, error) {
	if s.filesDir == "" {
		return domain.FileDict{}, domain.ErrConfig("session files directory not configured")
	}
	dir := s.Dir()
	if dir == "" {
		return domain.FileDict{}, domain.ErrInvalidRequest("invalid session id for file storage")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.FileDict{}, fmt.Errorf("create files dir: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(dir, id)
	f, err := os.Create(path)
	if err != nil {
		return domain.FileDict{}, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return domain.FileDict{}, fmt.Errorf("write file: %w", err)
	}

	fd := domain.FileDict{ID: id, Name: name, Path: path, Size: n, Type: mime}
	s.mu.Lock()
	s.files[id] = fd
	s.mu.Unlock()
	return fd, nil
}

// File returns a registered file.
func (s *Session) File(id string) (domain.FileDict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.files[id]
	return fd, ok
}

// Files returns all registered files ordered by id.
func (s *Session) Files() []domain.FileDict {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.files))
	out := make([]domain.FileDict, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.files[id])
	}
	return out
}

// RemoveFiles deletes the files directory and forgets every file.
func (s *Session) RemoveFiles() error {
	s.mu.Lock()
	clear(s.files)
	s.mu.Unlock()

	dir := s.Dir()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

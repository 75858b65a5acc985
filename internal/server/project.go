package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chatline/internal/callbacks"
	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/session"
)

type HealthResponse struct {
	Status       string      `json:"status"`
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Sessions     int         `json:"sessions"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := HealthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.started).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjectSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.cfg()
	user := GetUser(ctx)
	cctx := chat.InitForHTTP(ctx, user, GetToken(ctx), nil)

	profiles, err := s.callbacks.ChatProfiles(cctx, user, cfg.ChatProfiles)
	if err != nil {
		AddError(ctx, err)
		writeError(w, err)
		return
	}
	starters, err := s.callbacks.Starters(cctx, user)
	if err != nil {
		AddError(ctx, err)
		writeError(w, err)
		return
	}

	debugURL := ""
	if s.dl != nil {
		debugURL = s.dl.BuildDebugURL()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ui":              cfg.UI,
		"features":        cfg.Features,
		"userEnv":         cfg.Project.UserEnv,
		"dataPersistence": s.dl != nil,
		"threadResumable": s.callbacks.Has(callbacks.OnChatResume),
		"chatProfiles":    profiles,
		"starters":        starters,
		"debugUrl":        debugURL,
		"translation":     s.translation(r.URL.Query().Get("language")),
	})
}

// translation loads <language>.json from the translations directory,
// falling back to en-US.
func (s *Server) translation(language string) map[string]any {
	dir := s.cfg().UI.TranslationsDir
	if dir == "" {
		return nil
	}
	for _, lang := range []string{language, "en-US"} {
		if lang == "" || strings.ContainsAny(lang, `/\`) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, lang+".json"))
		if err != nil {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			s.logger.Warn("invalid translation file",
				slog.String("language", lang),
				slog.String("error", err.Error()),
			)
			continue
		}
		return out
	}
	return nil
}

// ownedSession returns the session named by the session_id query parameter
// if it belongs to the request's user.
func (s *Server) ownedSession(r *http.Request) (*session.Session, error) {
	if s.sessions == nil {
		return nil, domain.ErrSessionNotFound
	}
	sess, ok := s.sessions.GetByID(r.URL.Query().Get("session_id"))
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	owner, caller := "", ""
	if u := sess.User(); u != nil {
		owner = u.Identifier
	}
	if u := GetUser(r.Context()); u != nil {
		caller = u.Identifier
	}
	if owner != caller {
		return nil, domain.ErrForbidden
	}
	return sess, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := int64(sess.Config().Features.SpontaneousFileUpload.MaxSizeMB) << 20
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, domain.ErrInvalidRequest("file too large").WithStatusCode(http.StatusRequestEntityTooLarge))
			return
		}
		writeError(w, domain.Wrap(domain.KindInvalidRequest, "missing file", err))
		return
	}
	defer file.Close()
	if limit > 0 && header.Size > limit {
		writeError(w, domain.ErrInvalidRequest("file too large").WithStatusCode(http.StatusRequestEntityTooLarge))
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	fd, err := sess.AddFile(header.Filename, mime, file)
	if err != nil {
		writeError(w, err)
		return
	}
	AddLogField(r.Context(), "file_id", fd.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": fd.ID, "name": fd.Name, "size": fd.Size, "type": fd.Type})
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fd, ok := sess.File(chi.URLParam(r, "fileID"))
	if !ok {
		writeError(w, domain.ErrNotFound("file not found"))
		return
	}
	w.Header().Set("Content-Type", fd.Type)
	http.ServeFile(w, r, fd.Path)
}

func (s *Server) handleLogo(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, s.cfg().UI.LogoPath)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, s.cfg().UI.FaviconPath)
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, file string) {
	if file == "" {
		writeError(w, domain.ErrNotFound("asset not configured"))
		return
	}
	if _, err := os.Stat(file); err != nil {
		writeError(w, domain.ErrNotFound("asset not found"))
		return
	}
	http.ServeFile(w, r, file)
}

// handleStatic serves the UI bundle. Unknown paths get index.html so the
// client-side router can resolve them.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	dir := s.cfg().UI.StaticDir
	if dir == "" || r.Method != http.MethodGet {
		writeError(w, domain.ErrNotFound("not found"))
		return
	}
	root := os.DirFS(dir)
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" {
		if st, err := fs.Stat(root, name); err == nil && !st.IsDir() {
			http.ServeFileFS(w, r, root, name)
			return
		}
	}
	if _, err := fs.Stat(root, "index.html"); err != nil {
		writeError(w, domain.ErrNotFound("not found"))
		return
	}
	http.ServeFileFS(w, r, root, "index.html")
}

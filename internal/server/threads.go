package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chatline/internal/chat"
	"github.com/tjfontaine/chatline/internal/core/domain"
)

var errNoDataLayer = domain.NewError(domain.KindNotFound, "data persistence is not enabled")

// checkAuthor refuses access to threadID unless the request's user wrote it.
// Anonymous threads belong to anonymous requests.
func (s *Server) checkAuthor(ctx context.Context, threadID string) error {
	if s.dl == nil {
		return errNoDataLayer
	}
	author, err := s.dl.GetThreadAuthor(ctx, threadID)
	if err != nil {
		return err
	}
	identifier := ""
	if u := GetUser(ctx); u != nil {
		identifier = u.Identifier
	}
	if author != identifier {
		return domain.ErrForbidden
	}
	return nil
}

func (s *Server) persistedUserID(ctx context.Context) (string, error) {
	user := GetUser(ctx)
	if user == nil {
		return "", domain.ErrUnauthorized
	}
	persisted, err := s.dl.GetUser(ctx, user.Identifier)
	if err != nil {
		return "", err
	}
	if persisted == nil {
		return "", domain.ErrNotFound("user not found")
	}
	return persisted.ID, nil
}

type listThreadsRequest struct {
	Pagination domain.Pagination   `json:"pagination"`
	Filter     domain.ThreadFilter `json:"filter"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if s.dl == nil {
		writeError(w, errNoDataLayer)
		return
	}
	var req listThreadsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := s.persistedUserID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// Listings are always scoped to the caller.
	req.Filter.UserID = userID
	if req.Pagination.First <= 0 {
		req.Pagination.First = 20
	}

	page, err := s.dl.ListThreads(r.Context(), req.Pagination, req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if s.dl == nil {
		writeError(w, errNoDataLayer)
		return
	}
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadID")

	thread, err := s.dl.GetThread(ctx, threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread == nil {
		writeError(w, domain.ErrThreadNotFound)
		return
	}

	if err := s.checkAuthor(ctx, threadID); err != nil {
		if domain.KindOf(err) != domain.KindAuthorization || !thread.IsShared() {
			writeError(w, err)
			return
		}
		viewer := GetUser(ctx)
		ok, hookErr := s.callbacks.CanViewSharedThread(chat.InitForHTTP(ctx, viewer, GetToken(ctx), nil), thread, viewer)
		if hookErr != nil {
			AddError(ctx, hookErr)
			writeError(w, domain.ErrForbidden)
			return
		}
		if !ok {
			writeError(w, domain.ErrForbidden)
			return
		}
	}
	writeJSON(w, http.StatusOK, thread)
}

type renameThreadRequest struct {
	ThreadID string `json:"threadId"`
	Name     string `json:"name"`
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	var req renameThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkAuthor(r.Context(), req.ThreadID); err != nil {
		writeError(w, err)
		return
	}
	name := req.Name
	if err := s.dl.UpdateThread(r.Context(), domain.ThreadUpdate{ThreadID: req.ThreadID, Name: &name}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type shareThreadRequest struct {
	ThreadID string `json:"threadId"`
	IsShared bool   `json:"isShared"`
}

func (s *Server) handleShareThread(w http.ResponseWriter, r *http.Request) {
	var req shareThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkAuthor(r.Context(), req.ThreadID); err != nil {
		writeError(w, err)
		return
	}
	update := domain.ThreadUpdate{ThreadID: req.ThreadID, Metadata: map[string]any{"is_shared": req.IsShared}}
	if err := s.dl.UpdateThread(r.Context(), update); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type deleteThreadRequest struct {
	ThreadID string `json:"threadId"`
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	var req deleteThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkAuthor(r.Context(), req.ThreadID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.dl.DeleteThread(r.Context(), req.ThreadID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID, elementID := chi.URLParam(r, "threadID"), chi.URLParam(r, "elementID")
	if err := s.checkAuthor(ctx, threadID); err != nil {
		writeError(w, err)
		return
	}
	el, err := s.dl.GetElement(ctx, threadID, elementID)
	if err != nil {
		writeError(w, err)
		return
	}
	if el == nil {
		writeError(w, domain.ErrElementNotFound)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

type feedbackRequest struct {
	Feedback domain.Feedback `json:"feedback"`
}

func (s *Server) handleUpsertFeedback(w http.ResponseWriter, r *http.Request) {
	if s.dl == nil {
		writeError(w, errNoDataLayer)
		return
	}
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Feedback.ForID == "" {
		writeError(w, domain.ErrInvalidRequest("feedback.forId is required"))
		return
	}
	threadID, err := s.feedbackThread(r.Context(), req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkAuthor(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	req.Feedback.ThreadID = threadID
	id, err := s.dl.UpsertFeedback(r.Context(), req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "feedbackId": id})
}

// feedbackThread resolves the thread a feedback write lands in. The step's
// own thread wins over the one the client sent, and rewriting an existing
// feedback id must stay in that feedback's thread.
func (s *Server) feedbackThread(ctx context.Context, fb domain.Feedback) (string, error) {
	threadID, err := s.dl.GetStepThread(ctx, fb.ForID)
	if err != nil {
		return "", err
	}
	if threadID == "" {
		threadID = fb.ThreadID
	}
	if threadID == "" {
		return "", domain.ErrNotFound("step not found")
	}
	if fb.ID != "" {
		existing, err := s.dl.GetFeedbackThread(ctx, fb.ID)
		if err != nil {
			return "", err
		}
		if existing != "" && existing != threadID {
			return "", domain.ErrForbidden
		}
	}
	return threadID, nil
}

type deleteFeedbackRequest struct {
	FeedbackID string `json:"feedbackId"`
}

func (s *Server) handleDeleteFeedback(w http.ResponseWriter, r *http.Request) {
	if s.dl == nil {
		writeError(w, errNoDataLayer)
		return
	}
	var req deleteFeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	threadID, err := s.dl.GetFeedbackThread(r.Context(), req.FeedbackID)
	if err != nil {
		writeError(w, err)
		return
	}
	if threadID == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}
	if err := s.checkAuthor(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.dl.DeleteFeedback(r.Context(), req.FeedbackID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

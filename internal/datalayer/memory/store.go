// Package memory is an in-process data layer. Data is lost on restart.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/datalayer"
)

type thread struct {
	dict    domain.ThreadDict
	seq     int
	stepIDs []string
}

// Store is an in-memory implementation of ports.DataLayer.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*domain.PersistedUser
	threads  map[string]*thread
	steps    map[string]domain.StepDict
	stepSeq  map[string]int
	elements map[string]domain.ElementDict
	feedback map[string]domain.Feedback
	seq      int
	storage  ports.StorageClient
}

var _ ports.DataLayer = (*Store)(nil)

// New creates a new in-memory store. storage may be nil.
func New(storage ports.StorageClient) *Store {
	return &Store{
		users:    make(map[string]*domain.PersistedUser),
		threads:  make(map[string]*thread),
		steps:    make(map[string]domain.StepDict),
		stepSeq:  make(map[string]int),
		elements: make(map[string]domain.ElementDict),
		feedback: make(map[string]domain.Feedback),
		storage:  storage,
	}
}

func (s *Store) GetUser(ctx context.Context, identifier string) (*domain.PersistedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[identifier]
	if !ok {
		return nil, nil
	}
	out := *u
	out.Metadata = maps.Clone(u.Metadata)
	return &out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.PersistedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[user.Identifier]; ok {
		u.Metadata = maps.Clone(user.Metadata)
		if user.DisplayName != "" {
			u.DisplayName = user.DisplayName
		}
		out := *u
		return &out, nil
	}

	u := &domain.PersistedUser{
		User:      domain.User{Identifier: user.Identifier, DisplayName: user.DisplayName, Metadata: maps.Clone(user.Metadata)},
		ID:        uuid.NewString(),
		CreatedAt: domain.Now(),
	}
	s.users[user.Identifier] = u
	out := *u
	return &out, nil
}

// threadLocked returns the thread, creating it when missing.
func (s *Store) threadLocked(id string) *thread {
	t, ok := s.threads[id]
	if !ok {
		s.seq++
		t = &thread{dict: domain.ThreadDict{ID: id, CreatedAt: domain.Now()}, seq: s.seq}
		s.threads[id] = t
	}
	return t
}

func (s *Store) userByIDLocked(id string) *domain.PersistedUser {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*domain.ThreadDict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := s.buildThreadLocked(t)
	return &out, nil
}

func (s *Store) buildThreadLocked(t *thread) domain.ThreadDict {
	out := t.dict
	out.Metadata = maps.Clone(t.dict.Metadata)
	out.Tags = slices.Clone(t.dict.Tags)
	out.Steps = make([]domain.StepDict, 0, len(t.stepIDs))
	for _, id := range t.stepIDs {
		step := s.steps[id]
		for _, fb := range s.feedback {
			if fb.ForID == id {
				f := fb
				step.Feedback = &f
			}
		}
		out.Steps = append(out.Steps, step)
	}
	slices.SortStableFunc(out.Steps, func(a, b domain.StepDict) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(s.stepSeq[a.ID], s.stepSeq[b.ID])
	})
	out.Elements = nil
	for _, e := range s.elements {
		if e.ThreadID == t.dict.ID {
			out.Elements = append(out.Elements, e)
		}
	}
	slices.SortFunc(out.Elements, func(a, b domain.ElementDict) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) ListThreads(ctx context.Context, pagination domain.Pagination, filter domain.ThreadFilter) (*domain.PaginatedThreads, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*thread, 0, len(s.threads))
	for _, t := range s.threads {
		if filter.UserID != "" && t.dict.UserID != filter.UserID {
			continue
		}
		if filter.Search != "" && !s.matchesSearchLocked(t, filter.Search) {
			continue
		}
		if filter.Feedback != nil && !s.hasFeedbackLocked(t, *filter.Feedback) {
			continue
		}
		all = append(all, t)
	}
	// Newest first.
	slices.SortFunc(all, func(a, b *thread) int {
		if c := cmp.Compare(b.dict.CreatedAt, a.dict.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	start := 0
	if pagination.Cursor != "" {
		for i, t := range all {
			if t.dict.ID == pagination.Cursor {
				start = i + 1
				break
			}
		}
	}
	first := pagination.First
	if first <= 0 {
		first = 20
	}
	end := min(start+first, len(all))

	page := &domain.PaginatedThreads{Data: []domain.ThreadDict{}}
	for _, t := range all[start:end] {
		d := t.dict
		d.Metadata = maps.Clone(t.dict.Metadata)
		d.Steps = nil
		page.Data = append(page.Data, d)
	}
	page.PageInfo.HasNextPage = end < len(all)
	if len(page.Data) > 0 {
		page.PageInfo.StartCursor = page.Data[0].ID
		page.PageInfo.EndCursor = page.Data[len(page.Data)-1].ID
	}
	return page, nil
}

func (s *Store) matchesSearchLocked(t *thread, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(t.dict.Name), q) {
		return true
	}
	for _, id := range t.stepIDs {
		st := s.steps[id]
		if strings.Contains(strings.ToLower(st.Output), q) || strings.Contains(strings.ToLower(st.Input), q) {
			return true
		}
	}
	return false
}

func (s *Store) hasFeedbackLocked(t *thread, value int) bool {
	for _, fb := range s.feedback {
		if fb.ThreadID == t.dict.ID && fb.Value == value {
			return true
		}
	}
	return false
}

func (s *Store) UpdateThread(ctx context.Context, update domain.ThreadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(update.ThreadID)
	if update.Name != nil {
		t.dict.Name = *update.Name
	}
	if update.UserID != nil {
		t.dict.UserID = *update.UserID
		if u := s.userByIDLocked(*update.UserID); u != nil {
			t.dict.UserIdentifier = u.Identifier
		}
	}
	if update.Metadata != nil {
		if t.dict.Metadata == nil {
			t.dict.Metadata = map[string]any{}
		}
		maps.Copy(t.dict.Metadata, update.Metadata)
	}
	if update.Tags != nil {
		t.dict.Tags = slices.Clone(update.Tags)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	for _, id := range t.stepIDs {
		delete(s.steps, id)
		delete(s.stepSeq, id)
	}
	var keys []string
	for id, e := range s.elements {
		if e.ThreadID == threadID {
			if e.ObjectKey != "" {
				keys = append(keys, e.ObjectKey)
			}
			delete(s.elements, id)
		}
	}
	for id, fb := range s.feedback {
		if fb.ThreadID == threadID {
			delete(s.feedback, id)
		}
	}
	delete(s.threads, threadID)
	s.mu.Unlock()

	if s.storage != nil {
		for _, key := range keys {
			if _, err := s.storage.DeleteFile(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) GetThreadAuthor(ctx context.Context, threadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return "", domain.ErrThreadNotFound
	}
	return t.dict.UserIdentifier, nil
}

func (s *Store) GetStepThread(ctx context.Context, stepID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steps[stepID].ThreadID, nil
}

func (s *Store) CreateStep(ctx context.Context, step domain.StepDict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(step.ThreadID)
	if _, exists := s.steps[step.ID]; !exists {
		s.seq++
		s.stepSeq[step.ID] = s.seq
		t.stepIDs = append(t.stepIDs, step.ID)
	}
	if step.CreatedAt == "" {
		step.CreatedAt = domain.Now()
	}
	step.Feedback = nil
	s.steps[step.ID] = step
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, step domain.StepDict) error {
	s.mu.RLock()
	prev, exists := s.steps[step.ID]
	s.mu.RUnlock()
	if exists && step.CreatedAt == "" {
		step.CreatedAt = prev.CreatedAt
	}
	return s.CreateStep(ctx, step)
}

func (s *Store) DeleteStep(ctx context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil
	}
	delete(s.steps, stepID)
	delete(s.stepSeq, stepID)
	if t, ok := s.threads[step.ThreadID]; ok {
		t.stepIDs = slices.DeleteFunc(t.stepIDs, func(id string) bool { return id == stepID })
	}
	for id, fb := range s.feedback {
		if fb.ForID == stepID {
			delete(s.feedback, id)
		}
	}
	return nil
}

func (s *Store) CreateElement(ctx context.Context, element domain.ElementRecord) error {
	e, err := datalayer.UploadElement(ctx, s.storage, element)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadLocked(e.ThreadID)
	s.elements[e.ID] = e
	return nil
}

func (s *Store) GetElement(ctx context.Context, threadID, elementID string) (*domain.ElementDict, error) {
	s.mu.RLock()
	e, ok := s.elements[elementID]
	s.mu.RUnlock()

	if !ok || e.ThreadID != threadID {
		return nil, nil
	}
	if s.storage != nil && e.ObjectKey != "" {
		url, err := s.storage.GetReadURL(ctx, e.ObjectKey)
		if err != nil {
			return nil, err
		}
		e.URL = url
	}
	return &e, nil
}

func (s *Store) DeleteElement(ctx context.Context, elementID, threadID string) error {
	s.mu.Lock()
	e, ok := s.elements[elementID]
	if ok && (threadID == "" || e.ThreadID == threadID) {
		delete(s.elements, elementID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok && s.storage != nil && e.ObjectKey != "" {
		if _, err := s.storage.DeleteFile(ctx, e.ObjectKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertFeedback(ctx context.Context, feedback domain.Feedback) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}
	if feedback.ThreadID == "" {
		if st, ok := s.steps[feedback.ForID]; ok {
			feedback.ThreadID = st.ThreadID
		}
	}
	s.feedback[feedback.ID] = feedback
	return feedback.ID, nil
}

func (s *Store) DeleteFeedback(ctx context.Context, feedbackID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feedback[feedbackID]; !ok {
		return false, nil
	}
	delete(s.feedback, feedbackID)
	return true, nil
}

func (s *Store) GetFeedbackThread(ctx context.Context, feedbackID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feedback[feedbackID].ThreadID, nil
}

func (s *Store) BuildDebugURL() string {
	return ""
}

func (s *Store) StorageClient() ports.StorageClient {
	return s.storage
}

func (s *Store) Close() error {
	return nil
}

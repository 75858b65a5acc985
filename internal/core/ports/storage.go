package ports

import (
	"context"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// DataLayer persists users, threads, steps, elements and feedback.
// Implementations serialize their own writes per thread.
type DataLayer interface {
	// GetUser returns the persisted user, or nil when unknown.
	GetUser(ctx context.Context, identifier string) (*domain.PersistedUser, error)

	// CreateUser creates or refreshes a user and returns the persisted record.
	CreateUser(ctx context.Context, user domain.User) (*domain.PersistedUser, error)

	// GetThread returns a thread with its steps and elements, or nil when unknown.
	GetThread(ctx context.Context, threadID string) (*domain.ThreadDict, error)

	// ListThreads returns one page of threads matching the filter.
	ListThreads(ctx context.Context, pagination domain.Pagination, filter domain.ThreadFilter) (*domain.PaginatedThreads, error)

	// UpdateThread upserts a thread, applying only the set fields.
	UpdateThread(ctx context.Context, update domain.ThreadUpdate) error

	// DeleteThread removes a thread and everything attached to it.
	DeleteThread(ctx context.Context, threadID string) error

	// GetThreadAuthor returns the identifier of the thread's owner.
	GetThreadAuthor(ctx context.Context, threadID string) (string, error)

	// GetStepThread returns the id of the thread holding the step, or ""
	// when the step is unknown.
	GetStepThread(ctx context.Context, stepID string) (string, error)

	CreateStep(ctx context.Context, step domain.StepDict) error
	UpdateStep(ctx context.Context, step domain.StepDict) error
	DeleteStep(ctx context.Context, stepID string) error

	// CreateElement stores element metadata, uploading content through the
	// storage client when one is configured.
	CreateElement(ctx context.Context, element domain.ElementRecord) error
	GetElement(ctx context.Context, threadID, elementID string) (*domain.ElementDict, error)
	DeleteElement(ctx context.Context, elementID, threadID string) error

	// UpsertFeedback returns the feedback id.
	UpsertFeedback(ctx context.Context, feedback domain.Feedback) (string, error)
	DeleteFeedback(ctx context.Context, feedbackID string) (bool, error)

	// GetFeedbackThread returns the thread the feedback was recorded
	// against, or "" when the feedback is unknown.
	GetFeedbackThread(ctx context.Context, feedbackID string) (string, error)

	// BuildDebugURL returns a link to an external trace viewer, or "".
	BuildDebugURL() string

	// StorageClient returns the configured storage client, or nil.
	StorageClient() StorageClient

	Close() error
}

// UploadResult is returned by StorageClient.UploadFile.
type UploadResult struct {
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
}

// StorageClient stores element content and resolves URLs the UI can fetch.
type StorageClient interface {
	UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool, contentDisposition string) (*UploadResult, error)
	GetReadURL(ctx context.Context, objectKey string) (string, error)

	// DeleteFile reports false when the object did not exist.
	DeleteFile(ctx context.Context, objectKey string) (bool, error)
}

// FileDownloader is implemented by storage clients that can stream content back.
type FileDownloader interface {
	DownloadFile(ctx context.Context, objectKey string) ([]byte, string, error)
}

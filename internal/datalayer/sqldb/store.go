// Package sqldb is a data layer over database/sql. It runs on SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx) through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/core/ports"
	"github.com/tjfontaine/chatline/internal/datalayer"
	"github.com/tjfontaine/chatline/internal/storage/dialect"
)

// Store implements ports.DataLayer on a SQL database.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	storage ports.StorageClient

	seqMu   sync.Mutex
	lastSeq int64
}

var _ ports.DataLayer = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New opens the database, creates the schema and returns the store.
// storage may be nil.
func New(cfg Config, storage ports.StorageClient) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfig, "unsupported database driver", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfig, "open database", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, storage: storage}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite database at dsn.
func NewSQLite(dsn string, storage ports.StorageClient) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn}, storage)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	bigint := s.dialect.BigIntType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
id TEXT PRIMARY KEY,
identifier TEXT NOT NULL UNIQUE,
display_name TEXT NOT NULL DEFAULT '',
metadata TEXT NOT NULL DEFAULT '{}',
created_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS threads (
id TEXT PRIMARY KEY,
created_at TEXT NOT NULL,
seq ` + bigint + ` NOT NULL,
name TEXT NOT NULL DEFAULT '',
user_id TEXT NOT NULL DEFAULT '',
user_identifier TEXT NOT NULL DEFAULT '',
tags TEXT NOT NULL DEFAULT '[]',
metadata TEXT NOT NULL DEFAULT '{}'
)`,
		`CREATE TABLE IF NOT EXISTS steps (
id TEXT PRIMARY KEY,
thread_id TEXT NOT NULL,
seq ` + bigint + ` NOT NULL,
created_at TEXT NOT NULL,
input TEXT NOT NULL DEFAULT '',
output TEXT NOT NULL DEFAULT '',
data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS elements (
id TEXT PRIMARY KEY,
thread_id TEXT NOT NULL,
data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS feedbacks (
id TEXT PRIMARY KEY,
for_id TEXT NOT NULL,
thread_id TEXT NOT NULL DEFAULT '',
value INTEGER NOT NULL,
comment TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_thread ON steps(thread_id, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_elements_thread ON elements(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feedbacks_thread ON feedbacks(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feedbacks_for ON feedbacks(for_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"feedbacks", "comment", "ALTER TABLE feedbacks ADD COLUMN comment TEXT NOT NULL DEFAULT ''"},
	}
	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	if err := s.db.QueryRow(s.dialect.ColumnExistsQuery(), table, column).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// nextSeq returns a strictly increasing ordering key.
func (s *Store) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.lastSeq {
		n = s.lastSeq + 1
	}
	s.lastSeq = n
	return n
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

type userRow struct {
	ID          string `db:"id"`
	Identifier  string `db:"identifier"`
	DisplayName string `db:"display_name"`
	Metadata    string `db:"metadata"`
	CreatedAt   string `db:"created_at"`
}

func (r userRow) toDomain() (*domain.PersistedUser, error) {
	u := &domain.PersistedUser{
		User:      domain.User{Identifier: r.Identifier, DisplayName: r.DisplayName},
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Metadata), &u.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user metadata: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, identifier string) (*domain.PersistedUser, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT id, identifier, display_name, metadata, created_at FROM users WHERE identifier = ?`), identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toDomain()
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.PersistedUser, error) {
	metadata, err := marshalJSON(user.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	query := s.q(`INSERT INTO users (id, identifier, display_name, metadata, created_at) VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("identifier", []string{"metadata"}))
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), user.Identifier, user.DisplayName, metadata, domain.Now()); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.DisplayName != "" {
		if _, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET display_name = ? WHERE identifier = ?`), user.DisplayName, user.Identifier); err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
	}
	return s.GetUser(ctx, user.Identifier)
}

func (s *Store) ensureThread(ctx context.Context, ex sqlx.ExecerContext, threadID string) error {
	query := s.q(`INSERT INTO threads (id, created_at, seq) VALUES (?, ?, ?) ` + s.dialect.UpsertClause("id", nil))
	if _, err := ex.ExecContext(ctx, query, threadID, domain.Now(), s.nextSeq()); err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

type threadRow struct {
	ID             string `db:"id"`
	CreatedAt      string `db:"created_at"`
	Seq            int64  `db:"seq"`
	Name           string `db:"name"`
	UserID         string `db:"user_id"`
	UserIdentifier string `db:"user_identifier"`
	Tags           string `db:"tags"`
	Metadata       string `db:"metadata"`
}

const threadColumns = `id, created_at, seq, name, user_id, user_identifier, tags, metadata`

func (r threadRow) toDomain() (domain.ThreadDict, error) {
	t := domain.ThreadDict{
		ID:             r.ID,
		CreatedAt:      r.CreatedAt,
		Name:           r.Name,
		UserID:         r.UserID,
		UserIdentifier: r.UserIdentifier,
	}
	if err := json.Unmarshal([]byte(r.Tags), &t.Tags); err != nil {
		return t, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return t, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*domain.ThreadDict, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	t, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	feedback, err := s.threadFeedback(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var stepData []string
	if err := s.db.SelectContext(ctx, &stepData, s.q(`SELECT data FROM steps WHERE thread_id = ? ORDER BY created_at, seq`), threadID); err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	t.Steps = make([]domain.StepDict, 0, len(stepData))
	for _, data := range stepData {
		var step domain.StepDict
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		if fb, ok := feedback[step.ID]; ok {
			step.Feedback = &fb
		}
		t.Steps = append(t.Steps, step)
	}

	var elementData []string
	if err := s.db.SelectContext(ctx, &elementData, s.q(`SELECT data FROM elements WHERE thread_id = ? ORDER BY id`), threadID); err != nil {
		return nil, fmt.Errorf("failed to query elements: %w", err)
	}
	for _, data := range elementData {
		var e domain.ElementDict
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		t.Elements = append(t.Elements, e)
	}
	return &t, nil
}

type feedbackRow struct {
	ID       string `db:"id"`
	ForID    string `db:"for_id"`
	ThreadID string `db:"thread_id"`
	Value    int    `db:"value"`
	Comment  string `db:"comment"`
}

func (s *Store) threadFeedback(ctx context.Context, threadID string) (map[string]domain.Feedback, error) {
	var rows []feedbackRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, for_id, thread_id, value, comment FROM feedbacks WHERE thread_id = ?`), threadID); err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	out := make(map[string]domain.Feedback, len(rows))
	for _, r := range rows {
		out[r.ForID] = domain.Feedback{ID: r.ID, ForID: r.ForID, ThreadID: r.ThreadID, Value: r.Value, Comment: r.Comment}
	}
	return out, nil
}

func (s *Store) ListThreads(ctx context.Context, pagination domain.Pagination, filter domain.ThreadFilter) (*domain.PaginatedThreads, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "t.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Search != "" {
		like := s.dialect.ILike()
		pattern := "%" + filter.Search + "%"
		where = append(where, "(t.name "+like+" ? OR EXISTS (SELECT 1 FROM steps st WHERE st.thread_id = t.id AND (st.output "+like+" ? OR st.input "+like+" ?)))")
		args = append(args, pattern, pattern, pattern)
	}
	if filter.Feedback != nil {
		where = append(where, "EXISTS (SELECT 1 FROM feedbacks f WHERE f.thread_id = t.id AND f.value = ?)")
		args = append(args, *filter.Feedback)
	}
	if pagination.Cursor != "" {
		where = append(where, "t.seq < (SELECT c.seq FROM threads c WHERE c.id = ?)")
		args = append(args, pagination.Cursor)
	}

	first := pagination.First
	if first <= 0 {
		first = 20
	}

	query := `SELECT t.id, t.created_at, t.seq, t.name, t.user_id, t.user_identifier, t.tags, t.metadata FROM threads t`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.seq DESC LIMIT ?"
	args = append(args, first+1)

	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	page := &domain.PaginatedThreads{Data: []domain.ThreadDict{}}
	if len(rows) > first {
		page.PageInfo.HasNextPage = true
		rows = rows[:first]
	}
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		page.Data = append(page.Data, t)
	}
	if len(page.Data) > 0 {
		page.PageInfo.StartCursor = page.Data[0].ID
		page.PageInfo.EndCursor = page.Data[len(page.Data)-1].ID
	}
	return page, nil
}

func (s *Store) UpdateThread(ctx context.Context, update domain.ThreadUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureThread(ctx, tx, update.ThreadID); err != nil {
		return err
	}
	if update.Name != nil {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE threads SET name = ? WHERE id = ?`), *update.Name, update.ThreadID); err != nil {
			return fmt.Errorf("failed to update thread name: %w", err)
		}
	}
	if update.UserID != nil {
		var identifier string
		err := tx.GetContext(ctx, &identifier, s.q(`SELECT identifier FROM users WHERE id = ?`), *update.UserID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE threads SET user_id = ?, user_identifier = ? WHERE id = ?`), *update.UserID, identifier, update.ThreadID); err != nil {
			return fmt.Errorf("failed to update thread user: %w", err)
		}
	}
	if update.Metadata != nil {
		var raw string
		if err := tx.GetContext(ctx, &raw, s.q(`SELECT metadata FROM threads WHERE id = ?`), update.ThreadID); err != nil {
			return fmt.Errorf("failed to read thread metadata: %w", err)
		}
		merged := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		for k, v := range update.Metadata {
			merged[k] = v
		}
		data, err := marshalJSON(merged, "{}")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE threads SET metadata = ? WHERE id = ?`), data, update.ThreadID); err != nil {
			return fmt.Errorf("failed to update thread metadata: %w", err)
		}
	}
	if update.Tags != nil {
		data, err := marshalJSON(update.Tags, "[]")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE threads SET tags = ? WHERE id = ?`), data, update.ThreadID); err != nil {
			return fmt.Errorf("failed to update thread tags: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	var elementData []string
	if err := s.db.SelectContext(ctx, &elementData, s.q(`SELECT data FROM elements WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("failed to query elements: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"steps", "elements", "feedbacks"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE thread_id = ?`), threadID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM threads WHERE id = ?`), threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.storage == nil {
		return nil
	}
	for _, data := range elementData {
		var e domain.ElementDict
		if json.Unmarshal([]byte(data), &e) != nil || e.ObjectKey == "" {
			continue
		}
		if _, err := s.storage.DeleteFile(ctx, e.ObjectKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetThreadAuthor(ctx context.Context, threadID string) (string, error) {
	var identifier string
	err := s.db.GetContext(ctx, &identifier, s.q(`SELECT user_identifier FROM threads WHERE id = ?`), threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get thread author: %w", err)
	}
	return identifier, nil
}

func (s *Store) GetStepThread(ctx context.Context, stepID string) (string, error) {
	var threadID string
	err := s.db.GetContext(ctx, &threadID, s.q(`SELECT thread_id FROM steps WHERE id = ?`), stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up step: %w", err)
	}
	return threadID, nil
}

func (s *Store) CreateStep(ctx context.Context, step domain.StepDict) error {
	if step.CreatedAt == "" {
		step.CreatedAt = domain.Now()
	}
	step.Feedback = nil
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.ensureThread(ctx, tx, step.ThreadID); err != nil {
		return err
	}
	query := s.q(`INSERT INTO steps (id, thread_id, seq, created_at, input, output, data) VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"thread_id", "created_at", "input", "output", "data"}))
	if _, err := tx.ExecContext(ctx, query, step.ID, step.ThreadID, s.nextSeq(), step.CreatedAt, step.Input, step.Output, string(data)); err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpdateStep(ctx context.Context, step domain.StepDict) error {
	if step.CreatedAt == "" {
		var prev string
		err := s.db.GetContext(ctx, &prev, s.q(`SELECT created_at FROM steps WHERE id = ?`), step.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read step: %w", err)
		}
		step.CreatedAt = prev
	}
	return s.CreateStep(ctx, step)
}

func (s *Store) DeleteStep(ctx context.Context, stepID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM steps WHERE id = ?`), stepID); err != nil {
		return fmt.Errorf("failed to delete step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM feedbacks WHERE for_id = ?`), stepID); err != nil {
		return fmt.Errorf("failed to delete step feedback: %w", err)
	}
	return tx.Commit()
}

func (s *Store) CreateElement(ctx context.Context, element domain.ElementRecord) error {
	e, err := datalayer.UploadElement(ctx, s.storage, element)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal element: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.ensureThread(ctx, tx, e.ThreadID); err != nil {
		return err
	}
	query := s.q(`INSERT INTO elements (id, thread_id, data) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"thread_id", "data"}))
	if _, err := tx.ExecContext(ctx, query, e.ID, e.ThreadID, string(data)); err != nil {
		return fmt.Errorf("failed to create element: %w", err)
	}
	return tx.Commit()
}

func (s *Store) element(ctx context.Context, elementID, threadID string) (*domain.ElementDict, error) {
	query := `SELECT data FROM elements WHERE id = ?`
	args := []any{elementID}
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	var data string
	err := s.db.GetContext(ctx, &data, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get element: %w", err)
	}
	var e domain.ElementDict
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal element: %w", err)
	}
	return &e, nil
}

func (s *Store) GetElement(ctx context.Context, threadID, elementID string) (*domain.ElementDict, error) {
	e, err := s.element(ctx, elementID, threadID)
	if err != nil || e == nil {
		return nil, err
	}
	if s.storage != nil && e.ObjectKey != "" {
		url, err := s.storage.GetReadURL(ctx, e.ObjectKey)
		if err != nil {
			return nil, err
		}
		e.URL = url
	}
	return e, nil
}

func (s *Store) DeleteElement(ctx context.Context, elementID, threadID string) error {
	e, err := s.element(ctx, elementID, threadID)
	if err != nil || e == nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM elements WHERE id = ?`), elementID); err != nil {
		return fmt.Errorf("failed to delete element: %w", err)
	}
	if s.storage != nil && e.ObjectKey != "" {
		if _, err := s.storage.DeleteFile(ctx, e.ObjectKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertFeedback(ctx context.Context, feedback domain.Feedback) (string, error) {
	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}
	if feedback.ThreadID == "" {
		threadID, err := s.GetStepThread(ctx, feedback.ForID)
		if err != nil {
			return "", err
		}
		feedback.ThreadID = threadID
	}
	query := s.q(`INSERT INTO feedbacks (id, for_id, thread_id, value, comment) VALUES (?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"for_id", "thread_id", "value", "comment"}))
	if _, err := s.db.ExecContext(ctx, query, feedback.ID, feedback.ForID, feedback.ThreadID, feedback.Value, feedback.Comment); err != nil {
		return "", fmt.Errorf("failed to upsert feedback: %w", err)
	}
	return feedback.ID, nil
}

func (s *Store) DeleteFeedback(ctx context.Context, feedbackID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM feedbacks WHERE id = ?`), feedbackID)
	if err != nil {
		return false, fmt.Errorf("failed to delete feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetFeedbackThread(ctx context.Context, feedbackID string) (string, error) {
	var threadID string
	err := s.db.GetContext(ctx, &threadID, s.q(`SELECT thread_id FROM feedbacks WHERE id = ?`), feedbackID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up feedback: %w", err)
	}
	return threadID, nil
}

func (s *Store) BuildDebugURL() string {
	return ""
}

func (s *Store) StorageClient() ports.StorageClient {
	return s.storage
}

func (s *Store) Close() error {
	return s.db.Close()
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

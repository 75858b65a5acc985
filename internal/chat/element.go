package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatline/internal/core/domain"
	"github.com/tjfontaine/chatline/internal/persist"
)

// Element is an artifact attached to a step. Exactly one of Content, Path
// or URL provides its data.
type Element struct {
	ID       string
	Type     domain.ElementType
	Name     string
	Display  domain.ElementDisplay
	Size     string
	Language string
	Page     int
	AutoPlay bool
	Mime     string
	Props    map[string]any
	ForID    string

	Content []byte
	Path    string
	URL     string

	// SkipPersist keeps the element out of the data layer.
	SkipPersist bool

	mu          sync.Mutex
	threadID    string
	chainlitKey string
	objectKey   string
	sent        bool
}

// NewElement creates an element displayed inline.
func NewElement(typ domain.ElementType, name string) *Element {
	return &Element{ID: uuid.NewString(), Type: typ, Name: name, Display: domain.DisplayInline}
}

// ElementFromFile wraps a file from the session files directory.
func ElementFromFile(fd domain.FileDict) *Element {
	e := NewElement(ElementTypeForMime(fd.Type), fd.Name)
	e.Path = fd.Path
	e.Mime = fd.Type
	e.chainlitKey = fd.ID
	return e
}

// ElementTypeForMime picks the element type the UI renders best for a mime type.
func ElementTypeForMime(m string) domain.ElementType {
	switch {
	case strings.HasPrefix(m, "image/"):
		return domain.ElementTypeImage
	case strings.HasPrefix(m, "audio/"):
		return domain.ElementTypeAudio
	case strings.HasPrefix(m, "video/"):
		return domain.ElementTypeVideo
	case m == "application/pdf":
		return domain.ElementTypePDF
	}
	return domain.ElementTypeFile
}

func (e *Element) ToDict() domain.ElementDict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dictLocked()
}

func (e *Element) dictLocked() domain.ElementDict {
	display := e.Display
	if display == "" {
		display = domain.DisplayInline
	}
	return domain.ElementDict{
		ID:          e.ID,
		ThreadID:    e.threadID,
		Type:        e.Type,
		ChainlitKey: e.chainlitKey,
		URL:         e.URL,
		ObjectKey:   e.objectKey,
		Name:        e.Name,
		Display:     display,
		Size:        e.Size,
		Language:    e.Language,
		Page:        e.Page,
		AutoPlay:    e.AutoPlay,
		Mime:        e.Mime,
		ForID:       e.ForID,
		Props:       maps.Clone(e.Props),
	}
}

func (e *Element) inferMimeLocked() {
	if e.Mime != "" {
		return
	}
	for _, name := range []string{e.Name, e.Path, e.URL} {
		if ext := filepath.Ext(name); ext != "" {
			if m := mime.TypeByExtension(ext); m != "" {
				e.Mime = m
				return
			}
		}
	}
	if len(e.Content) > 0 {
		e.Mime = http.DetectContentType(e.Content)
	}
}

// Send attaches the element to the step forID. Byte or path content is
// copied into the session files directory so the UI can fetch it, and the
// element is queued for the data layer. Sending again publishes an update.
func (e *Element) Send(ctx context.Context, forID string) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if forID != "" {
		e.ForID = forID
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.threadID = c.ThreadID()
	e.inferMimeLocked()
	resend := e.sent
	e.sent = true
	needsFile := c.Session != nil && e.chainlitKey == "" && e.URL == "" && (len(e.Content) > 0 || e.Path != "")
	e.mu.Unlock()

	if needsFile {
		if err := e.storeInSession(c); err != nil {
			return err
		}
	}

	e.mu.Lock()
	d := e.dictLocked()
	rec := domain.ElementRecord{ElementDict: d, Content: e.Content, Path: e.Path}
	skip := e.SkipPersist
	e.mu.Unlock()

	if !skip {
		if err := c.persist(ctx, persist.CreateElement(rec), false); err != nil {
			return err
		}
	}
	if resend {
		return c.Emitter.UpdateElement(ctx, d)
	}
	return c.Emitter.SendElement(ctx, d)
}

func (e *Element) storeInSession(c *Context) error {
	var r io.Reader
	if len(e.Content) > 0 {
		r = bytes.NewReader(e.Content)
	} else {
		f, err := os.Open(e.Path)
		if err != nil {
			return fmt.Errorf("open element %s: %w", e.Name, err)
		}
		defer f.Close()
		r = f
	}
	fd, err := c.Session.AddFile(e.Name, e.Mime, r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.chainlitKey = fd.ID
	e.mu.Unlock()
	return nil
}

// Update publishes changes to an element that was already sent.
func (e *Element) Update(ctx context.Context) error {
	return e.Send(ctx, "")
}

// Remove deletes the element from the UI and the data layer.
func (e *Element) Remove(ctx context.Context) error {
	c, err := FromContext(ctx)
	if err != nil {
		return err
	}
	d := e.ToDict()
	if !e.SkipPersist {
		if err := c.persist(ctx, persist.DeleteElement(d.ID, d.ThreadID), false); err != nil {
			return err
		}
	}
	return c.Emitter.DeleteElement(ctx, d)
}

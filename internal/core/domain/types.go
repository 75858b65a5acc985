// Package domain holds the wire and persistence shapes shared by every layer:
// steps, messages, actions, elements, threads, feedback, users and ask specs.
package domain

import "time"

// StepType identifies the kind of node in a thread's reasoning tree.
type StepType string

const (
	StepTypeUserMessage      StepType = "user_message"
	StepTypeAssistantMessage StepType = "assistant_message"
	StepTypeSystemMessage    StepType = "system_message"
	StepTypeRun              StepType = "run"
	StepTypeTool             StepType = "tool"
	StepTypeLLM              StepType = "llm"
	StepTypeEmbedding        StepType = "embedding"
	StepTypeRetrieval        StepType = "retrieval"
	StepTypeRerank           StepType = "rerank"
	StepTypeUndefined        StepType = "undefined"
)

// IsMessage reports whether the step type is one of the message types.
func (t StepType) IsMessage() bool {
	switch t {
	case StepTypeUserMessage, StepTypeAssistantMessage, StepTypeSystemMessage:
		return true
	}
	return false
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeUserMessage, StepTypeAssistantMessage, StepTypeSystemMessage,
		StepTypeRun, StepTypeTool, StepTypeLLM, StepTypeEmbedding,
		StepTypeRetrieval, StepTypeRerank, StepTypeUndefined:
		return true
	}
	return false
}

// TimeFormat is the timestamp layout used on the wire and in storage.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time formatted with TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// StepDict is the serialized form of a step as sent to the UI and the data layer.
type StepDict struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          StepType          `json:"type"`
	ThreadID      string            `json:"threadId"`
	ParentID      string            `json:"parentId,omitempty"`
	Command       string            `json:"command,omitempty"`
	Modes         map[string]string `json:"modes,omitempty"`
	Streaming     bool              `json:"streaming"`
	WaitForAnswer bool              `json:"waitForAnswer,omitempty"`
	IsError       bool              `json:"isError,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Input         string            `json:"input"`
	Output        string            `json:"output"`
	CreatedAt     string            `json:"createdAt,omitempty"`
	Start         string            `json:"start,omitempty"`
	End           string            `json:"end,omitempty"`
	Generation    *Generation       `json:"generation,omitempty"`
	ShowInput     string            `json:"showInput,omitempty"`
	DefaultOpen   bool              `json:"defaultOpen,omitempty"`
	Language      string            `json:"language,omitempty"`
	Indent        int               `json:"indent,omitempty"`
	Feedback      *Feedback         `json:"feedback,omitempty"`
}

// Generation records an LLM call attached to an llm-typed step.
type Generation struct {
	Provider         string              `json:"provider,omitempty"`
	Model            string              `json:"model,omitempty"`
	Settings         map[string]any      `json:"settings,omitempty"`
	Prompt           string              `json:"prompt,omitempty"`
	Messages         []GenerationMessage `json:"messages,omitempty"`
	Completion       string              `json:"completion,omitempty"`
	InputTokenCount  int                 `json:"inputTokenCount,omitempty"`
	OutputTokenCount int                 `json:"outputTokenCount,omitempty"`
	TokenCount       int                 `json:"tokenCount,omitempty"`
	TTFirstToken     float64             `json:"ttFirstToken,omitempty"`
	Duration         float64             `json:"duration,omitempty"`
}

// GenerationMessage is one chat turn in a generation prompt.
type GenerationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Feedback is a user rating attached to a step.
type Feedback struct {
	ID       string `json:"id,omitempty"`
	ForID    string `json:"forId"`
	ThreadID string `json:"threadId,omitempty"`
	Value    int    `json:"value"`
	Comment  string `json:"comment,omitempty"`
}

// ActionDict is the serialized form of an action button.
type ActionDict struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Label   string         `json:"label,omitempty"`
	Tooltip string         `json:"tooltip,omitempty"`
	Icon    string         `json:"icon,omitempty"`
	ForID   string         `json:"forId"`
}

// ElementType enumerates side-channel artifact kinds.
type ElementType string

const (
	ElementTypeFile      ElementType = "file"
	ElementTypeImage     ElementType = "image"
	ElementTypeAudio     ElementType = "audio"
	ElementTypeVideo     ElementType = "video"
	ElementTypePDF       ElementType = "pdf"
	ElementTypeText      ElementType = "text"
	ElementTypePlotly    ElementType = "plotly"
	ElementTypeDataframe ElementType = "dataframe"
	ElementTypeCustom    ElementType = "custom"
)

// ElementDisplay selects where the UI renders an element.
type ElementDisplay string

const (
	DisplayInline ElementDisplay = "inline"
	DisplaySide   ElementDisplay = "side"
	DisplayPage   ElementDisplay = "page"
)

// ElementDict is the serialized form of an element.
type ElementDict struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"threadId,omitempty"`
	Type        ElementType    `json:"type"`
	ChainlitKey string         `json:"chainlitKey,omitempty"`
	URL         string         `json:"url,omitempty"`
	ObjectKey   string         `json:"objectKey,omitempty"`
	Name        string         `json:"name"`
	Display     ElementDisplay `json:"display"`
	Size        string         `json:"size,omitempty"`
	Language    string         `json:"language,omitempty"`
	Page        int            `json:"page,omitempty"`
	AutoPlay    bool           `json:"autoPlay,omitempty"`
	Mime        string         `json:"mime,omitempty"`
	ForID       string         `json:"forId,omitempty"`
	Props       map[string]any `json:"props,omitempty"`
}

// ElementRecord is what the data layer receives on create: the dict plus the
// raw content it may need to upload to a storage client.
type ElementRecord struct {
	ElementDict
	Content []byte
	Path    string
}

// FileDict describes a file held in a session's files directory.
type FileDict struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// FileReference is how the client refers to previously uploaded files.
type FileReference struct {
	ID string `json:"id"`
}

// User is an application user as produced by an auth callback.
type User struct {
	Identifier  string         `json:"identifier"`
	DisplayName string         `json:"display_name,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// PersistedUser is a user that exists in the data layer.
type PersistedUser struct {
	User
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// ThreadDict is the persisted record of a conversation.
type ThreadDict struct {
	ID             string         `json:"id"`
	CreatedAt      string         `json:"createdAt"`
	Name           string         `json:"name,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	UserIdentifier string         `json:"userIdentifier,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Steps          []StepDict     `json:"steps"`
	Elements       []ElementDict  `json:"elements,omitempty"`
}

// IsShared reports whether the thread's metadata marks it as shared.
func (t *ThreadDict) IsShared() bool {
	if t == nil || t.Metadata == nil {
		return false
	}
	shared, _ := t.Metadata["is_shared"].(bool)
	return shared
}

// ThreadUpdate carries the optional fields of an update_thread call.
// Nil pointers and nil maps are left untouched by the data layer.
type ThreadUpdate struct {
	ThreadID string
	Name     *string
	UserID   *string
	Metadata map[string]any
	Tags     []string
}

// Pagination is cursor-based paging for thread listings.
type Pagination struct {
	First  int    `json:"first"`
	Cursor string `json:"cursor,omitempty"`
}

// ThreadFilter narrows a thread listing.
type ThreadFilter struct {
	UserID   string `json:"userId,omitempty"`
	Search   string `json:"search,omitempty"`
	Feedback *int   `json:"feedback,omitempty"`
}

// PageInfo describes the position of a page in a listing.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	StartCursor string `json:"startCursor,omitempty"`
	EndCursor   string `json:"endCursor,omitempty"`
}

// PaginatedThreads is one page of threads.
type PaginatedThreads struct {
	PageInfo PageInfo     `json:"pageInfo"`
	Data     []ThreadDict `json:"data"`
}

// Command is an entry in the composer's command menu.
type Command struct {
	ID          string `json:"id"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	Button      bool   `json:"button,omitempty"`
	Persistent  bool   `json:"persistent,omitempty"`
}

// Mode is a group of mutually exclusive options shown next to the composer.
type Mode struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Options []ModeOption `json:"options"`
}

// ModeOption is one choice of a Mode.
type ModeOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// DefaultOption returns the id of the default option, or the first option.
func (m Mode) DefaultOption() string {
	for _, o := range m.Options {
		if o.Default {
			return o.ID
		}
	}
	if len(m.Options) > 0 {
		return m.Options[0].ID
	}
	return ""
}

// InputWidget describes a chat settings control.
type InputWidget struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Initial any            `json:"initial,omitempty"`
	Tooltip string         `json:"tooltip,omitempty"`
	Items   map[string]any `json:"items,omitempty"`
	Values  []string       `json:"values,omitempty"`
	Min     *float64       `json:"min,omitempty"`
	Max     *float64       `json:"max,omitempty"`
	Step    *float64       `json:"step,omitempty"`
}

// Starter is a suggested first prompt.
type Starter struct {
	Label   string `json:"label"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
	Icon    string `json:"icon,omitempty"`
}

// ChatProfile is a selectable assistant persona with optional config overrides.
type ChatProfile struct {
	Name                string         `json:"name" koanf:"name"`
	MarkdownDescription string         `json:"markdown_description" koanf:"markdown_description"`
	Icon                string         `json:"icon,omitempty" koanf:"icon"`
	Default             bool           `json:"default,omitempty" koanf:"default"`
	Starters            []Starter      `json:"starters,omitempty" koanf:"starters"`
	ConfigOverrides     map[string]any `json:"config_overrides,omitempty" koanf:"config_overrides"`
}

// TokenUsage is reported to the UI when an llm step completes.
type TokenUsage struct {
	StepID       string `json:"stepId"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
}

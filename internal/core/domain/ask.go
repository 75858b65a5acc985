package domain

import "time"

// AskType is the kind of input an ask requests from the user.
type AskType string

const (
	AskText   AskType = "text"
	AskFile   AskType = "file"
	AskAction AskType = "action"
)

// AskSpec is sent with an ask event to describe the expected reply.
type AskSpec struct {
	ID      string  `json:"id"`
	Type    AskType `json:"type"`
	StepID  string  `json:"step_id"`
	Timeout int     `json:"timeout"`

	// File asks: mime filter (list of mime types or mime -> extensions map)
	// and limits.
	Accept    any `json:"accept,omitempty"`
	MaxSizeMB int `json:"max_size_mb,omitempty"`
	MaxFiles  int `json:"max_files,omitempty"`

	// Action asks: the action ids the user may pick from.
	Keys []string `json:"keys,omitempty"`
}

// TimeoutDuration returns the ask timeout, defaulting to 60 seconds.
func (s AskSpec) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.Timeout) * time.Second
}


package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a boundary message
type MessageType string

const (
	ConfigReady   MessageType = "CONFIG_READY"
	RenderReady   MessageType = "RENDER_READY"
	ExecuteConfig MessageType = "EXECUTE_CONFIG"
	ConfigSuccess MessageType = "CONFIG_SUCCESS"
	ConfigError   MessageType = "CONFIG_ERROR"
	ExecuteRender MessageType = "EXECUTE_RENDER"
	RenderSuccess MessageType = "RENDER_SUCCESS"
	RenderError   MessageType = "RENDER_ERROR"
)

// IsReady reports whether the type is a readiness announcement
func (t MessageType) IsReady() bool {
	return t == ConfigReady || t == RenderReady
}

// Theme is the display theme forwarded to the render unit
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme converts a string into a Theme, defaulting to light
func ParseTheme(s string) (Theme, error) {
	switch Theme(s) {
	case ThemeLight, "":
		return ThemeLight, nil
	case ThemeDark:
		return ThemeDark, nil
	default:
		return ThemeLight, fmt.Errorf("unknown theme %q", s)
	}
}

// Source identifies the stage a failure came from
type Source string

const (
	SourceConfig Source = "config"
	SourceRender Source = "render"
	// SourceBoundary marks liveness faults: a unit never became ready or never answered.
	SourceBoundary Source = "boundary"
)

// LogEntry is one console call made by sandboxed code
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Message is the single envelope type crossing a unit boundary
type Message struct {
	Type  MessageType `json:"type"`
	RunID uint64      `json:"runId,omitempty"`

	// EXECUTE_CONFIG
	Data   string `json:"data,omitempty"`
	Config string `json:"config,omitempty"`

	// CONFIG_SUCCESS, EXECUTE_RENDER
	Value json.RawMessage `json:"value,omitempty"`
	Theme Theme           `json:"theme,omitempty"`

	// CONFIG_ERROR, RENDER_ERROR
	Error *FailureDetail `json:"error,omitempty"`

	Logs []LogEntry `json:"logs,omitempty"`
}

// Clone returns a deep copy sharing no memory with m
func (m Message) Clone() Message {
	out := m
	if m.Value != nil {
		out.Value = append(json.RawMessage(nil), m.Value...)
	}
	if m.Error != nil {
		detail := m.Error.clone()
		out.Error = &detail
	}
	if m.Logs != nil {
		out.Logs = append([]LogEntry(nil), m.Logs...)
	}
	return out
}

// Outcome is the terminal result of one run as seen by the host
type Outcome struct {
	RunID    uint64          `json:"runId"`
	OK       bool            `json:"ok"`
	Source   Source          `json:"source,omitempty"`
	Detail   *FailureDetail  `json:"detail,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Theme    Theme           `json:"theme"`
	Logs     []LogEntry      `json:"logs,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Err converts a failed outcome into an error; nil for successful outcomes
func (o Outcome) Err() error {
	if o.OK || o.Detail == nil {
		return nil
	}
	return &StageError{Source: o.Source, Detail: *o.Detail}
}

// StageError is a failure tagged with the stage that produced it
type StageError struct {
	Source Source
	Detail FailureDetail
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Source, e.Detail.Message)
}

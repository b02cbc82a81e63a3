package core

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects the processing path for a request.
type Mode string

const (
	ModeChat         Mode = "chat"
	ModeThinking     Mode = "thinking"
	ModeKnowledge    Mode = "knowledge"
	ModeSearch       Mode = "search"
	ModeCode         Mode = "code"
	ModeDeepResearch Mode = "deep_research"
	ModeAuto         Mode = "auto"
)

// Attachment is an inline payload carried with a request (image, file).
type Attachment struct {
	Type       string `json:"type"`
	MimeType   string `json:"mime_type"`
	Base64Data string `json:"base64_data"`
}

// Request is a user-originated work item. It is created by the facade,
// consumed exactly once by the orchestrator, and never mutated afterwards.
type Request struct {
	ID        string                 `json:"id"`
	Query     string                 `json:"query"`
	Mode      Mode                   `json:"mode"`
	SessionID string                 `json:"session_id"`
	TraceID   string                 `json:"trace_id"`
	Options   map[string]interface{} `json:"options,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewRequest builds a request with fresh id and trace id.
func NewRequest(query string, mode Mode, sessionID string) *Request {
	if mode == "" {
		mode = ModeAuto
	}
	return &Request{
		ID:        uuid.NewString(),
		Query:     query,
		Mode:      mode,
		SessionID: sessionID,
		TraceID:   uuid.NewString(),
		Options:   make(map[string]interface{}),
		CreatedAt: time.Now(),
	}
}

// Attachments decodes the request's attachments option, tolerating both the
// typed form and the generic map form that arrives from JSON facades.
func (r *Request) Attachments() []Attachment {
	return coerceAttachments(r.Options["attachments"])
}

// SelectedDocs returns the document filter carried in the options map.
func (r *Request) SelectedDocs() []string {
	return coerceStrings(r.Options["selected_docs"])
}

// ChatMessage is one entry of a session's conversation history.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-session mutable state (the spec's "Context"). History
// is append-only except for oldest-drops at the bound.
type Session struct {
	SessionID     string                 `json:"session_id"`
	UserID        string                 `json:"user_id"`
	Permissions   []string               `json:"permissions,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	History       []ChatMessage          `json:"history"`
	ActivePlugins []string               `json:"active_plugins,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewSession creates an empty session.
func NewSession(sessionID, userID string) *Session {
	now := time.Now()
	return &Session{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  make(map[string]interface{}),
		History:   make([]ChatMessage, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a timestamped message, dropping the oldest entries so the
// history never exceeds maxHistory.
func (s *Session) Append(role, content string, maxHistory int) {
	s.History = append(s.History, ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if maxHistory > 0 && len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy that stays stable while the original keeps
// mutating. Metadata values are shared; the map itself is copied.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Permissions = append([]string(nil), s.Permissions...)
	copied.ActivePlugins = append([]string(nil), s.ActivePlugins...)
	copied.History = append([]ChatMessage(nil), s.History...)
	if s.Metadata != nil {
		copied.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// Attachments decodes attachments stashed in session metadata.
func (s *Session) Attachments() []Attachment {
	return coerceAttachments(s.Metadata["attachments"])
}

// SelectedDocs returns the per-session document filter, if any.
func (s *Session) SelectedDocs() []string {
	return coerceStrings(s.Metadata["selected_docs"])
}

func coerceAttachments(v interface{}) []Attachment {
	switch vv := v.(type) {
	case []Attachment:
		return vv
	case []interface{}:
		out := make([]Attachment, 0, len(vv))
		for _, item := range vv {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			out = append(out, Attachment{
				Type:       asString(m["type"]),
				MimeType:   asString(m["mime_type"]),
				Base64Data: asString(m["base64_data"]),
			})
		}
		return out
	default:
		return nil
	}
}

func coerceStrings(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	default:
		return nil
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

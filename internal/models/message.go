package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message represents an individual entry of a conversation. Content of an assistant message grows
// while its response is being streamed.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"createdAt"`
}

// MarshalJSON leaves createdAt out of the encoding when the timestamp is unset.
func (m Message) MarshalJSON() ([]byte, error) {
	var ts *time.Time
	if !m.Timestamp.IsZero() {
		ts = &m.Timestamp
	}
	return json.Marshal(struct {
		ID        string     `json:"id"`
		Role      Role       `json:"role"`
		Content   string     `json:"content"`
		Timestamp *time.Time `json:"createdAt,omitempty"`
	}{m.ID, m.Role, m.Content, ts})
}

// Role represents the role of a message participant.
type Role string

// StreamingState describes the rendering state of a message in the conversation view.
type StreamingState string

const (
	// RoleUser represents a message typed or spoken by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message.
	RoleSystem Role = "system"

	// StreamingStateLoading is used while the relay call waits for its first fragment.
	StreamingStateLoading StreamingState = "loading"
	// StreamingStateStreaming is used while fragments are arriving.
	StreamingStateStreaming StreamingState = "streaming"
	// StreamingStateEnded is used for completed messages.
	StreamingStateEnded StreamingState = "ended"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ValidateHistory checks a conversation history before it is forwarded to a model. The whole
// history is checked so a malformed request is rejected before anything is sent.
func ValidateHistory(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("messages are required")
	}
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d has unknown role %q", i, msg.Role)
		}
		if msg.Role == RoleUser && strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("message %d has empty content", i)
		}
	}
	return nil
}

// ChatRequest is the body accepted by the relay endpoint.
type ChatRequest struct {
	Messages []Message `json:"messages"`
}

// ErrorResponse is the JSON body returned by the relay endpoint on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Event types of the relay endpoint when it streams as Server-Sent Events.
const (
	RelayEventDelta = "delta"
	RelayEventDone  = "done"
	RelayEventError = "error"
)

// RelayDelta is the data of a delta event. Fragments are JSON encoded so line breaks survive the
// event framing.
type RelayDelta struct {
	Text string `json:"text"`
}

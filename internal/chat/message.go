// ABOUTME: Chat message model shared by the cache, durable store, reducer and completion layers
// ABOUTME: Defines Role, Part, Message plus copy and system-message normalization helpers

package chat

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

// Roles understood by the conversation layer.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole converts a case-insensitive role name into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// PartType constants for typed content parts
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
	PartTypeFile  = "file"
	PartTypeData  = "data"
)

// Part is a single typed content item attached to a message.
type Part struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Message is one entry in a conversation history.
type Message struct {
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Items    []Part            `json:"items,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a plain text message.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// Text returns Content, or the joined text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Items {
		if p.Type == PartTypeText && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Items != nil {
		out.Items = make([]Part, len(m.Items))
		for i, p := range m.Items {
			out.Items[i] = p
			if p.Data != nil {
				out.Items[i].Data = append([]byte(nil), p.Data...)
			}
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneMessages deep-copies a message slice. A nil input yields an empty, non-nil slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// HasSystem reports whether the sequence already starts with a system message.
func HasSystem(msgs []Message) bool {
	return len(msgs) > 0 && msgs[0].Role == RoleSystem
}

// NormalizeSystem enforces the single-system-message invariant: the first
// system message found is moved to index 0 and any later ones are dropped.
// Relative order of the remaining messages is preserved.
func NormalizeSystem(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	var system *Message
	for i := range msgs {
		if msgs[i].Role == RoleSystem {
			if system == nil {
				system = &msgs[i]
			}
			continue
		}
		out = append(out, msgs[i])
	}
	if system == nil {
		return out
	}
	return append([]Message{*system}, out...)
}

// Package message defines the Message envelope and its typed parts.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartType discriminates the content of a Part.
type PartType string

const (
	PartText PartType = "text"
	PartData PartType = "data"
	PartFile PartType = "file"
)

// Part is one typed segment of a message. Content is a string for text
// parts, an arbitrary JSON object for data parts, and a FileRef for file
// parts.
type Part struct {
	Type    PartType        `json:"type"`
	Content json.RawMessage `json:"content"`
}

// FileRef points at file content by URI rather than embedding it.
type FileRef struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message is an ordered sequence of parts. Treat as immutable once built;
// mutation after construction is not supported.
type Message struct {
	MessageID string         `json:"message_id"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"task_id,omitempty"`
	ContextID string         `json:"context_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetadataTargetAgent names the metadata key holding an explicit recipient.
const MetadataTargetAgent = "target_agent"

// TextPart builds a text part.
func TextPart(text string) Part {
	raw, _ := json.Marshal(text)
	return Part{Type: PartText, Content: raw}
}

// DataPart builds a structured-data part.
func DataPart(data any) (Part, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Part{}, fmt.Errorf("marshal data part: %w", err)
	}
	return Part{Type: PartData, Content: raw}, nil
}

// FilePart builds a file-reference part.
func FilePart(ref FileRef) Part {
	raw, _ := json.Marshal(ref)
	return Part{Type: PartFile, Content: raw}
}

// Text returns the string content of a text part. ok is false for other
// part types or malformed content.
func (p Part) Text() (string, bool) {
	if p.Type != PartText {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Data decodes a data part into a generic map.
func (p Part) Data() (map[string]any, error) {
	if p.Type != PartData {
		return nil, fmt.Errorf("%w: part is %q, not data", domain.ErrValidation, p.Type)
	}
	var m map[string]any
	if err := json.Unmarshal(p.Content, &m); err != nil {
		return nil, fmt.Errorf("%w: data part content: %v", domain.ErrValidation, err)
	}
	return m, nil
}

// File decodes a file part.
func (p Part) File() (FileRef, error) {
	if p.Type != PartFile {
		return FileRef{}, fmt.Errorf("%w: part is %q, not file", domain.ErrValidation, p.Type)
	}
	var ref FileRef
	if err := json.Unmarshal(p.Content, &ref); err != nil {
		return FileRef{}, fmt.Errorf("%w: file part content: %v", domain.ErrValidation, err)
	}
	return ref, nil
}

// New builds a message with a fresh id.
func New(role Role, parts ...Part) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      role,
		Parts:     parts,
	}
}

// Reply builds an agent-role message bound to the same task and context.
func (m *Message) Reply(parts ...Part) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      RoleAgent,
		Parts:     parts,
		TaskID:    m.TaskID,
		ContextID: m.ContextID,
	}
}

// Validate checks the envelope invariants shared by all inbound messages.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: message.parts must not be empty", domain.ErrValidation)
	}
	for i, p := range m.Parts {
		switch p.Type {
		case PartText, PartData, PartFile:
		default:
			return fmt.Errorf("%w: parts[%d] has unknown type %q", domain.ErrValidation, i, p.Type)
		}
		if len(p.Content) == 0 {
			return fmt.Errorf("%w: parts[%d] has no content", domain.ErrValidation, i)
		}
	}
	return nil
}

// TargetAgent returns the explicit recipient from metadata, if any.
func (m *Message) TargetAgent() string {
	if m.Metadata == nil {
		return ""
	}
	name, _ := m.Metadata[MetadataTargetAgent].(string)
	return name
}

// JoinedText concatenates all text parts in order, space-separated.
func (m *Message) JoinedText() string {
	var chunks []string
	for _, p := range m.Parts {
		if s, ok := p.Text(); ok {
			chunks = append(chunks, s)
		}
	}
	return strings.Join(chunks, " ")
}

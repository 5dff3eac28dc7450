package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Part is one piece of message content. The set of implementations is closed:
// TextPart, FilePart and ToolPart.
type Part interface {
	partType() string
}

// TextPart is plain message text.
type TextPart struct {
	Text string `json:"text"`
}

// FilePart references an uploaded document.
type FilePart struct {
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

// ToolPart records a tool invocation made while answering.
type ToolPart struct {
	ToolName string `json:"toolName"`
	State    string `json:"state"`
	Output   string `json:"output,omitempty"`
}

func (TextPart) partType() string { return "text" }
func (FilePart) partType() string { return "file" }
func (ToolPart) partType() string { return "tool" }

// ErrUnknownPart is returned when decoding a part with an unrecognised type.
var ErrUnknownPart = errors.New("unknown message part type")

// Parts is an ordered list of message parts, encoded with a "type" field on
// every element.
type Parts []Part

// MarshalJSON implements json.Marshaler.
func (p Parts) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(p))
	for _, part := range p {
		switch v := part.(type) {
		case TextPart:
			out = append(out, struct {
				Type string `json:"type"`
				TextPart
			}{v.partType(), v})
		case FilePart:
			out = append(out, struct {
				Type string `json:"type"`
				FilePart
			}{v.partType(), v})
		case ToolPart:
			out = append(out, struct {
				Type string `json:"type"`
				ToolPart
			}{v.partType(), v})
		default:
			return nil, fmt.Errorf("marshal part %T: %w", part, ErrUnknownPart)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Parts) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make(Parts, 0, len(raw))
	for _, r := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r, &head); err != nil {
			return err
		}
		var (
			part Part
			err  error
		)
		switch head.Type {
		case "text":
			var v TextPart
			err = json.Unmarshal(r, &v)
			part = v
		case "file":
			var v FilePart
			err = json.Unmarshal(r, &v)
			part = v
		case "tool":
			var v ToolPart
			err = json.Unmarshal(r, &v)
			part = v
		default:
			return fmt.Errorf("%w: %q", ErrUnknownPart, head.Type)
		}
		if err != nil {
			return err
		}
		parts = append(parts, part)
	}
	*p = parts
	return nil
}

// Message is one entry in a conversation.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Role           Role      `json:"role" validate:"required,oneof=user assistant system"`
	Parts          Parts     `json:"parts"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, part := range m.Parts {
		if t, ok := part.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Files returns the message's file parts.
func (m Message) Files() []FilePart {
	var files []FilePart
	for _, part := range m.Parts {
		if f, ok := part.(FilePart); ok {
			files = append(files, f)
		}
	}
	return files
}

// Conversation is a titled thread owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationDetail is a conversation together with its messages, oldest first.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is a single piece of a conversation turn. The set of parts is closed:
// TextPart and InlineDataPart are the only implementations.
type Part interface {
	isPart()
}

// TextPart carries plain text. Thought marks reasoning text the model chose to expose.
type TextPart struct {
	Text    string
	Thought bool
}

func (TextPart) isPart() {}

// InlineDataPart carries raw bytes tagged with their declared media type.
type InlineDataPart struct {
	Data     []byte
	MIMEType string
}

func (InlineDataPart) isPart() {}

// Content is a single conversation turn, composed of one or more parts.
type Content struct {
	Role  Role
	Parts []Part
}

// ConversationHistory is an ordered list of turns, replayed verbatim to the provider.
type ConversationHistory []Content

var (
	ErrEmptyPart     = errors.New("model: part has neither text nor inline data")
	ErrAmbiguousPart = errors.New("model: part has both text and inline data")
)

type inlineDataWire struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType,omitempty"`
}

type partWire struct {
	Text       *string         `json:"text,omitempty"`
	Thought    bool            `json:"thought,omitempty"`
	InlineData *inlineDataWire `json:"inlineData,omitempty"`
}

type contentWire struct {
	Role  Role       `json:"role"`
	Parts []partWire `json:"parts"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	wire := contentWire{Role: c.Role, Parts: make([]partWire, 0, len(c.Parts))}
	for i, p := range c.Parts {
		pw, err := encodePart(p)
		if err != nil {
			return nil, fmt.Errorf("model: encode part %d: %w", i, err)
		}
		wire.Parts = append(wire.Parts, pw)
	}
	return json.Marshal(wire)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var wire contentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	parts := make([]Part, 0, len(wire.Parts))
	for i, pw := range wire.Parts {
		p, err := decodePart(pw)
		if err != nil {
			return fmt.Errorf("model: decode part %d: %w", i, err)
		}
		parts = append(parts, p)
	}

	c.Role = wire.Role
	c.Parts = parts
	return nil
}

func encodePart(p Part) (partWire, error) {
	switch v := p.(type) {
	case TextPart:
		text := v.Text
		return partWire{Text: &text, Thought: v.Thought}, nil
	case InlineDataPart:
		return partWire{InlineData: &inlineDataWire{Data: v.Data, MIMEType: v.MIMEType}}, nil
	case nil:
		return partWire{}, ErrEmptyPart
	default:
		return partWire{}, fmt.Errorf("unsupported part type %T", p)
	}
}

func decodePart(pw partWire) (Part, error) {
	switch {
	case pw.Text != nil && pw.InlineData != nil:
		return nil, ErrAmbiguousPart
	case pw.Text != nil:
		return TextPart{Text: *pw.Text, Thought: pw.Thought}, nil
	case pw.InlineData != nil:
		return InlineDataPart{Data: pw.InlineData.Data, MIMEType: pw.InlineData.MIMEType}, nil
	default:
		return nil, ErrEmptyPart
	}
}

// NewTextContent builds a single-part text turn.
func NewTextContent(role Role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

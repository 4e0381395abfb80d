package batching

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// History roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// textSeparator joins text bodies of a text-only batch.
const textSeparator = " "

// Placeholders stand in for media without a usable URL.
const (
	imagePlaceholder = "[image]"
	audioPlaceholder = "[audio]"
)

// PartType discriminates multimodal content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
	PartAudio PartType = "audio_url"
)

// MediaRef points at a media object.
type MediaRef struct {
	URL string `json:"url"`
}

// ContentPart is one element of multimodal content, in the chat-completions
// content-part shape.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *MediaRef `json:"image_url,omitempty"`
	AudioURL *MediaRef `json:"audio_url,omitempty"`
}

// Content is either plain text or an ordered list of parts. It marshals to a
// JSON string or a JSON array respectively.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string.
func TextContent(s string) Content { return Content{Text: s} }

// IsMultimodal reports whether the content is a part list.
func (c Content) IsMultimodal() bool { return len(c.Parts) > 0 }

// IsEmpty reports whether the content carries nothing.
func (c Content) IsEmpty() bool {
	return !c.IsMultimodal() && strings.TrimSpace(c.Text) == ""
}

// PlainText flattens the content for places that only take text, such as
// the durable store. Media become bracketed placeholders.
func (c Content) PlainText() string {
	if !c.IsMultimodal() {
		return c.Text
	}
	out := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case PartText:
			out = append(out, p.Text)
		case PartImage:
			out = append(out, imagePlaceholder)
		case PartAudio:
			out = append(out, audioPlaceholder)
		}
	}
	return strings.Join(out, textSeparator)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultimodal() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*c = Content{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case b[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("batching: content must be a string or an array")
	}
}

// HistoryEntry is one processed turn in the cached conversation history.
type HistoryEntry struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Merge coalesces a batch of messages in arrival order. A text-only batch
// becomes one string; any image or audio turns the whole batch into a part
// list so media keep their position relative to the text around them.
// Media without a URL become a text placeholder rather than vanishing.
func Merge(msgs []Message) Content {
	multimodal := false
	for _, m := range msgs {
		if m.Kind() != KindText {
			multimodal = true
			break
		}
	}

	if !multimodal {
		texts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			if t := cleanText(m.(TextMessage).Text); t != "" {
				texts = append(texts, t)
			}
		}
		return TextContent(strings.Join(texts, textSeparator))
	}

	parts := make([]ContentPart, 0, len(msgs)+1)
	addText := func(s string) {
		if t := cleanText(s); t != "" {
			parts = append(parts, ContentPart{Type: PartText, Text: t})
		}
	}
	for _, m := range msgs {
		switch v := m.(type) {
		case TextMessage:
			addText(v.Text)
		case ImageMessage:
			addText(v.Caption)
			if v.URL != "" {
				parts = append(parts, ContentPart{Type: PartImage, ImageURL: &MediaRef{URL: v.URL}})
			} else {
				parts = append(parts, ContentPart{Type: PartText, Text: imagePlaceholder})
			}
		case AudioMessage:
			if v.URL != "" {
				parts = append(parts, ContentPart{Type: PartAudio, AudioURL: &MediaRef{URL: v.URL}})
			} else {
				parts = append(parts, ContentPart{Type: PartText, Text: audioPlaceholder})
			}
			addText(v.Transcript)
		}
	}
	return Content{Parts: parts}
}

func cleanText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

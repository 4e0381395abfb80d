package batching

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the Message variants on the wire.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Meta is carried by every queued message.
type Meta struct {
	MessageID  string    `json:"-"` // id in the conversation store
	ExternalID string    `json:"-"` // platform message id
	ReceivedAt time.Time `json:"-"`
}

// Base returns the shared metadata of a message.
func (m Meta) Base() Meta { return m }

// Message is a pending inbound message. The set of variants is closed:
// TextMessage, ImageMessage and AudioMessage.
type Message interface {
	Kind() Kind
	Base() Meta
	validate() error
}

// TextMessage is a plain text message.
type TextMessage struct {
	Meta
	Text string `json:"text"`
}

// ImageMessage references an image. URL may be time-limited; MediaID lets
// it be refreshed from the platform.
type ImageMessage struct {
	Meta
	URL      string `json:"url,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// AudioMessage references a voice note, optionally with a transcript.
type AudioMessage struct {
	Meta
	URL        string `json:"url,omitempty"`
	MediaID    string `json:"media_id,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

func (TextMessage) Kind() Kind  { return KindText }
func (ImageMessage) Kind() Kind { return KindImage }
func (AudioMessage) Kind() Kind { return KindAudio }

func (m TextMessage) validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrMalformedMessage)
	}
	return nil
}

func (m ImageMessage) validate() error {
	if m.URL == "" && m.MediaID == "" {
		return fmt.Errorf("%w: image without url or media id", ErrMalformedMessage)
	}
	return nil
}

func (m AudioMessage) validate() error {
	if m.URL == "" && m.MediaID == "" && strings.TrimSpace(m.Transcript) == "" {
		return fmt.Errorf("%w: audio without url, media id or transcript", ErrMalformedMessage)
	}
	return nil
}

// envelope is the queued JSON form of a Message.
type envelope struct {
	Kind       Kind            `json:"kind"`
	MessageID  string          `json:"message_id"`
	ExternalID string          `json:"external_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Body       json.RawMessage `json:"body"`
}

// Encode serializes m into its queued envelope.
func Encode(m Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if err := m.validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("batching: encode body: %w", err)
	}
	base := m.Base()
	raw, err := json.Marshal(envelope{
		Kind:       m.Kind(),
		MessageID:  base.MessageID,
		ExternalID: base.ExternalID,
		ReceivedAt: base.ReceivedAt.UTC(),
		Body:       body,
	})
	if err != nil {
		return "", fmt.Errorf("batching: encode envelope: %w", err)
	}
	return string(raw), nil
}

// Decode parses a queued envelope into the matching Message variant.
func Decode(raw string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	meta := Meta{MessageID: env.MessageID, ExternalID: env.ExternalID, ReceivedAt: env.ReceivedAt}

	var m Message
	switch env.Kind {
	case KindText:
		v := TextMessage{Meta: meta}
		if err := unmarshalBody(env.Body, &v); err != nil {
			return nil, err
		}
		m = v
	case KindImage:
		v := ImageMessage{Meta: meta}
		if err := unmarshalBody(env.Body, &v); err != nil {
			return nil, err
		}
		m = v
	case KindAudio:
		v := AudioMessage{Meta: meta}
		if err := unmarshalBody(env.Body, &v); err != nil {
			return nil, err
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, env.Kind)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: missing body", ErrMalformedMessage)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

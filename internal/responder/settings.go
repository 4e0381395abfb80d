// Package responder generates reply text for a merged batch through an
// OpenAI-compatible chat-completions endpoint.
package responder

import (
	"errors"
	"strings"
)

var (
	ErrModelRequired      = errors.New("responder: model is required")
	ErrTemperatureInvalid = errors.New("responder: temperature must be within [0, 2]")
	ErrTopPInvalid        = errors.New("responder: top_p must be within (0, 1]")
)

// Settings is the per-owner generation configuration. Build it with
// NewSettings so every value that reaches the wire has been validated.
type Settings struct {
	Model        string
	Temperature  float64
	TopP         float64
	SystemPrompt string
}

// NewSettings validates and normalizes a settings record.
func NewSettings(model string, temperature, topP float64, systemPrompt string) (Settings, error) {
	s := Settings{
		Model:        strings.TrimSpace(model),
		Temperature:  temperature,
		TopP:         topP,
		SystemPrompt: strings.TrimSpace(systemPrompt),
	}
	return s, s.Validate()
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	switch {
	case s.Model == "":
		return ErrModelRequired
	case s.Temperature < 0 || s.Temperature > 2:
		return ErrTemperatureInvalid
	case s.TopP <= 0 || s.TopP > 1:
		return ErrTopPInvalid
	}
	return nil
}

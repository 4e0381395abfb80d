// Package services adapts the durable store to the contracts the batching
// engine and the dispatcher consume, and hosts the inbound ingest path.
//
// This file centralizes service-level error values so callers can check
// them with errors.Is. Translation into HTTP status codes happens in the
// handler layer.
package services

import "errors"

var (
	// ErrDuplicateInbound is returned when an inbound event with an already
	// seen external id is delivered again.
	ErrDuplicateInbound = errors.New("inbound event already received")

	// ErrInvalidInbound is returned when an inbound event is missing its
	// conversation key or carries no usable content.
	ErrInvalidInbound = errors.New("invalid inbound event")

	// ErrUnsupportedKind is returned for message kinds the batcher does not
	// handle.
	ErrUnsupportedKind = errors.New("unsupported message kind")
)

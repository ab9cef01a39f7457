package models

import "errors"

var (
	// ErrInvalidSessionKey is returned when a session key fails format validation
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrInvalidPayload is returned when an event or effect payload fails its
	// type's schema validation
	ErrInvalidPayload = errors.New("invalid payload")
)

// Package models defines the core domain types shared across the autonomy
// pipeline: session keys, events, effects, timers, and checkpoint metadata.
package models

import (
	"fmt"
	"regexp"
	"strings"
)

// SessionKey identifies one conversation thread and is the unit of ordering
// and partitioning everywhere in the pipeline. Format: userId:agentId:threadId.
type SessionKey string

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+:[A-Za-z0-9_-]+:[A-Za-z0-9_-]+$`)

// ParseSessionKey validates raw input against the key format and returns a
// SessionKey. Malformed keys are rejected before anything is persisted.
func ParseSessionKey(raw string) (SessionKey, error) {
	if !sessionKeyPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: session key %q must match userId:agentId:threadId with segments of [A-Za-z0-9_-]", ErrInvalidSessionKey, raw)
	}
	return SessionKey(raw), nil
}

// NewSessionKey builds a key from its three segments, validating each.
func NewSessionKey(userID, agentID, threadID string) (SessionKey, error) {
	return ParseSessionKey(userID + ":" + agentID + ":" + threadID)
}

func (k SessionKey) String() string { return string(k) }

// UserID returns the first segment of the key.
func (k SessionKey) UserID() string { return k.segment(0) }

// AgentID returns the second segment of the key.
func (k SessionKey) AgentID() string { return k.segment(1) }

// ThreadID returns the third segment of the key.
func (k SessionKey) ThreadID() string { return k.segment(2) }

func (k SessionKey) segment(i int) string {
	parts := strings.SplitN(string(k), ":", 3)
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload carried by an Event.
type EventType string

// Event type constants.
const (
	EventTypeUserMessage EventType = "user_message"
	EventTypeTimer       EventType = "timer"
	EventTypeToolResult  EventType = "tool_result"
)

// Event is one immutable entry in a session's append-only log. Rows are never
// updated or deleted; (SessionKey, Seq) is unique and Seq is gapless as long
// as all writers go through the EventQueue's per-session serialization.
type Event struct {
	ID         string          `json:"id"`
	SessionKey SessionKey      `json:"session_key"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserMessagePayload is the payload for user_message events.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// TimerPayload is the payload for timer events produced by promotion.
type TimerPayload struct {
	TimerID string          `json:"timer_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	ToolID  string          `json:"tool_id"`
	Payload json.RawMessage `json:"payload"`
}

// ValidateEventPayload checks a raw payload against the schema for the given
// event type. Invalid payloads are rejected before persistence.
func ValidateEventPayload(eventType EventType, payload json.RawMessage) error {
	switch eventType {
	case EventTypeUserMessage:
		var p UserMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: user_message: %v", ErrInvalidPayload, err)
		}
		if p.Text == "" {
			return fmt.Errorf("%w: user_message requires non-empty text", ErrInvalidPayload)
		}
	case EventTypeTimer:
		var p TimerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: timer: %v", ErrInvalidPayload, err)
		}
		if p.TimerID == "" {
			return fmt.Errorf("%w: timer requires timer_id", ErrInvalidPayload)
		}
	case EventTypeToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: tool_result: %v", ErrInvalidPayload, err)
		}
		if p.ToolID == "" {
			return fmt.Errorf("%w: tool_result requires tool_id", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, eventType)
	}
	return nil
}

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEventPayload(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		payload   string
		wantErr   bool
	}{
		{"valid user message", EventTypeUserMessage, `{"text":"hello"}`, false},
		{"user message missing text", EventTypeUserMessage, `{}`, true},
		{"user message empty text", EventTypeUserMessage, `{"text":""}`, true},
		{"valid timer", EventTypeTimer, `{"timer_id":"followup-1"}`, false},
		{"timer with payload", EventTypeTimer, `{"timer_id":"t1","payload":{"kind":"nudge"}}`, false},
		{"timer missing id", EventTypeTimer, `{"payload":{}}`, true},
		{"valid tool result", EventTypeToolResult, `{"tool_id":"search","payload":{"hits":3}}`, false},
		{"tool result missing id", EventTypeToolResult, `{"payload":{}}`, true},
		{"malformed json", EventTypeUserMessage, `{not json`, true},
		{"unknown type", EventType("bogus"), `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEventPayload(tt.eventType, json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	event := Event{
		ID:         "ev-1",
		SessionKey: "u:a:t",
		Seq:        3,
		Type:       EventTypeUserMessage,
		Payload:    json.RawMessage(`{"text":"hi"}`),
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.Seq, decoded.Seq)
	assert.Equal(t, event.Type, decoded.Type)
	assert.JSONEq(t, string(event.Payload), string(decoded.Payload))
}

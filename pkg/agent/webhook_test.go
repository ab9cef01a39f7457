package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadworks/autonomy/pkg/models"
)

func TestWebhookClientHandle(t *testing.T) {
	var received handleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		resp := map[string]any{
			"checkpoint_id": "cp-7",
			"effects": []map[string]any{{
				"session_key": "u:a:t",
				"type":        "send_message",
				"payload":     map[string]string{"content": "hi"},
				"dedupe_key":  "u:a:t:send_message:cp-7",
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, srv.URL, 5*time.Second)
	event := &models.Event{
		ID:         "ev-1",
		SessionKey: "u:a:t",
		Seq:        2,
		Type:       models.EventTypeUserMessage,
		Payload:    json.RawMessage(`{"text":"hello"}`),
	}

	result, err := client.Handle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "cp-7", result.CheckpointID)
	require.Len(t, result.Effects, 1)
	assert.Equal(t, models.EffectTypeSendMessage, result.Effects[0].Type)

	require.NotNil(t, received.Event)
	assert.Equal(t, int64(2), received.Event.Seq)
	assert.Equal(t, models.SessionKey("u:a:t"), received.Event.SessionKey)

	am := models.GetAutonomyMetadata(received.Metadata)
	assert.Equal(t, int64(2), am.LastEventSeq)
	assert.Equal(t, models.EventTypeUserMessage, am.LastEventType)
	assert.NotNil(t, am.LastProcessedAt)
}

func TestWebhookClientSendMessage(t *testing.T) {
	var received sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, srv.URL, 5*time.Second)
	require.NoError(t, client.SendMessage(context.Background(), "u:a:t", "ping"))

	assert.Equal(t, models.SessionKey("u:a:t"), received.SessionKey)
	assert.Equal(t, "ping", received.Content)
}

func TestWebhookClientNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, srv.URL, 5*time.Second)

	_, err := client.Handle(context.Background(), &models.Event{SessionKey: "u:a:t"})
	assert.ErrorContains(t, err, "503")

	err = client.SendMessage(context.Background(), "u:a:t", "ping")
	assert.ErrorContains(t, err, "503")
}

func TestWebhookClientUnreachable(t *testing.T) {
	client := NewWebhookClient("http://127.0.0.1:1/handle", "http://127.0.0.1:1/messages", 200*time.Millisecond)

	_, err := client.Handle(context.Background(), &models.Event{SessionKey: "u:a:t"})
	assert.Error(t, err)
}

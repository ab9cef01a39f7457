package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadworks/autonomy/pkg/database"
	"github.com/threadworks/autonomy/pkg/models"
	"github.com/threadworks/autonomy/pkg/queue"
	"github.com/threadworks/autonomy/pkg/services"
	"github.com/threadworks/autonomy/pkg/store"
	"github.com/threadworks/autonomy/test/util"
)

// echoAgent replies to every event with one send_message effect.
type echoAgent struct{}

func (echoAgent) Handle(_ context.Context, event *models.Event) (*services.AgentResult, error) {
	payload, _ := json.Marshal(models.SendMessagePayload{Content: "ack"})
	return &services.AgentResult{
		CheckpointID: "cp-" + event.ID,
		Effects: []*models.EffectInput{{
			Type:      models.EffectTypeSendMessage,
			Payload:   payload,
			DedupeKey: models.DedupeKey(event.SessionKey, models.EffectTypeSendMessage, event.ID),
		}},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *store.TimerStore) {
	gin.SetMode(gin.TestMode)

	db := util.SetupTestDatabase(t)
	client := database.NewClientFromDB(db)
	eventStore := store.NewEventStore(db)
	outboxStore := store.NewOutboxStore(db)
	timerStore := store.NewTimerStore(db)

	ingest := services.NewIngestService(eventStore, outboxStore, timerStore, echoAgent{})
	eventQueue := queue.NewEventQueue(ingest.ProcessEvent)
	ingest.SetQueue(eventQueue)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eventQueue.Shutdown(ctx)
	})

	return NewServer(client, ingest, eventStore, timerStore, eventQueue), timerStore
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	server.router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Contains(t, resp, "database")
	assert.Contains(t, resp, "queue")
}

func TestSubmitMessageAndListEvents(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodPost,
		"/api/v1/sessions/u1:agent:thread/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	// Processing is asynchronous; poll until the event lands.
	require.Eventually(t, func() bool {
		w := doRequest(t, server, http.MethodGet, "/api/v1/sessions/u1:agent:thread/events", "")
		if w.Code != http.StatusOK {
			return false
		}
		var resp struct {
			TotalCount int64 `json:"total_count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.TotalCount == 1
	}, 5*time.Second, 20*time.Millisecond)

	w = doRequest(t, server, http.MethodGet, "/api/v1/sessions/u1:agent:thread/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(0), resp.Events[0].Seq)
	assert.Equal(t, models.EventTypeUserMessage, resp.Events[0].Type)
}

func TestSubmitMessageRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodPost,
		"/api/v1/sessions/not-a-session-key/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, server, http.MethodPost,
		"/api/v1/sessions/u:a:t/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitToolResult(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodPost,
		"/api/v1/sessions/u:a:t/tool-results", `{"tool_id":"search","result":{"hits":2}}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, server, http.MethodPost,
		"/api/v1/sessions/u:a:t/tool-results", `{"result":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTimer(t *testing.T) {
	server, timers := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/v1/sessions/u:a:t/timers/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := timers.UpsertTimer(context.Background(), models.UpsertTimerInput{
		SessionKey: "u:a:t",
		TimerID:    "followup",
		FireAtMs:   time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	w = doRequest(t, server, http.MethodGet, "/api/v1/sessions/u:a:t/timers/followup", "")
	require.Equal(t, http.StatusOK, w.Code)

	var timer models.Timer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &timer))
	assert.Equal(t, "followup", timer.TimerID)
	assert.Equal(t, models.TimerStatusPending, timer.Status)
}

func TestAbandonSession(t *testing.T) {
	server, timers := newTestServer(t)

	_, err := timers.UpsertTimer(context.Background(), models.UpsertTimerInput{
		SessionKey: "u:a:t",
		TimerID:    "followup",
		FireAtMs:   time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	w := doRequest(t, server, http.MethodPost, "/api/v1/sessions/u:a:t/abandon", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp services.AbandonResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.TimersCancelled)
}

func TestQueueStats(t *testing.T) {
	server, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, server, http.MethodGet, "/api/v1/queue/stats?session_key=u:a:t", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "depth")
	assert.Contains(t, resp, "processing")

	w = doRequest(t, server, http.MethodGet, "/api/v1/queue/stats?session_key=bad", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

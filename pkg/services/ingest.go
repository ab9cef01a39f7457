// Package services wires inbound triggers into the autonomy pipeline: append
// to the event log, process under per-session serialization, and record the
// resulting effects in the outbox.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/threadworks/autonomy/pkg/models"
)

// EventLog is the subset of store.EventStore the ingest service needs.
type EventLog interface {
	NextSeq(ctx context.Context, sessionKey models.SessionKey) (int64, error)
	CreateEvent(ctx context.Context, sessionKey models.SessionKey, seq int64, eventType models.EventType, payload json.RawMessage) (*models.Event, error)
}

// EffectWriter is the subset of store.OutboxStore the ingest service needs.
type EffectWriter interface {
	CreateEffects(ctx context.Context, inputs []*models.EffectInput) ([]*models.Effect, error)
	ClearPendingBySession(ctx context.Context, sessionKey models.SessionKey) (int64, error)
}

// TimerCanceller is the subset of store.TimerStore the ingest service needs.
type TimerCanceller interface {
	CancelBySession(ctx context.Context, sessionKey models.SessionKey) (int64, error)
}

// Sequencer is the EventQueue surface the ingest service submits through.
type Sequencer interface {
	Enqueue(event *models.Event) <-chan error
	EnqueueWait(ctx context.Context, event *models.Event) error
}

// AgentResult is what the agent collaborator returns for one processed
// event: the checkpoint it committed and the side effects that checkpoint
// produced.
type AgentResult struct {
	CheckpointID string
	Effects      []*models.EffectInput
}

// Agent is the decision-making collaborator. Handle is invoked once per
// event, under the EventQueue's per-session serialization guarantee.
type Agent interface {
	Handle(ctx context.Context, event *models.Event) (*AgentResult, error)
}

// IngestService accepts inbound triggers (user messages, tool results,
// promoted timers), validates them, and funnels them through the EventQueue.
// Sequence assignment and the event append happen inside the per-session
// drain, which is what keeps NextSeq + CreateEvent race-free — every writer
// must go through this service.
type IngestService struct {
	events EventLog
	outbox EffectWriter
	timers TimerCanceller
	agent  Agent
	queue  Sequencer
}

// NewIngestService creates the ingest service. The Sequencer is attached
// afterwards via SetQueue, since the EventQueue needs this service's
// ProcessEvent as its handler.
func NewIngestService(events EventLog, outbox EffectWriter, timers TimerCanceller, agent Agent) *IngestService {
	return &IngestService{
		events: events,
		outbox: outbox,
		timers: timers,
		agent:  agent,
	}
}

// SetQueue attaches the event queue once it has been constructed with
// ProcessEvent as its handler.
func (s *IngestService) SetQueue(queue Sequencer) {
	s.queue = queue
}

// SubmitUserMessage ingests a user message. Returns the processing future;
// callers may await it or acknowledge immediately.
func (s *IngestService) SubmitUserMessage(ctx context.Context, sessionKey models.SessionKey, text string) (<-chan error, error) {
	payload, err := json.Marshal(models.UserMessagePayload{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user message payload: %w", err)
	}
	return s.submit(ctx, sessionKey, models.EventTypeUserMessage, payload)
}

// SubmitToolResult ingests an asynchronously arriving tool result.
func (s *IngestService) SubmitToolResult(ctx context.Context, sessionKey models.SessionKey, toolID string, result json.RawMessage) (<-chan error, error) {
	payload, err := json.Marshal(models.ToolResultPayload{ToolID: toolID, Payload: result})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result payload: %w", err)
	}
	return s.submit(ctx, sessionKey, models.EventTypeToolResult, payload)
}

// SubmitTimerEvent turns a claimed due timer into a timer event and waits for
// its processing to settle, so the promoter observes append failures.
func (s *IngestService) SubmitTimerEvent(ctx context.Context, timer *models.Timer) error {
	payload, err := json.Marshal(models.TimerPayload{TimerID: timer.TimerID, Payload: timer.Payload})
	if err != nil {
		return fmt.Errorf("failed to marshal timer payload: %w", err)
	}

	future, err := s.submit(ctx, timer.SessionKey, models.EventTypeTimer, payload)
	if err != nil {
		return err
	}
	select {
	case err := <-future:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit validates the trigger and enqueues it. The returned future settles
// once the event has been appended and processed by the agent.
func (s *IngestService) submit(_ context.Context, sessionKey models.SessionKey, eventType models.EventType, payload json.RawMessage) (<-chan error, error) {
	if _, err := models.ParseSessionKey(sessionKey.String()); err != nil {
		return nil, err
	}
	if err := models.ValidateEventPayload(eventType, payload); err != nil {
		return nil, err
	}

	// Seq and ID are assigned inside the drain; see ProcessEvent.
	trigger := &models.Event{
		SessionKey: sessionKey,
		Type:       eventType,
		Payload:    payload,
	}
	return s.queue.Enqueue(trigger), nil
}

// ProcessEvent is the EventQueue handler. It runs with at most one
// invocation per session at a time: assign the next seq, append the event,
// hand it to the agent, and write the resulting effects to the outbox.
func (s *IngestService) ProcessEvent(ctx context.Context, trigger *models.Event) error {
	seq, err := s.events.NextSeq(ctx, trigger.SessionKey)
	if err != nil {
		return fmt.Errorf("failed to get next seq: %w", err)
	}

	event, err := s.events.CreateEvent(ctx, trigger.SessionKey, seq, trigger.Type, trigger.Payload)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// A new user message supersedes whatever the agent had scheduled against
	// the previous conversation state; abandon still-pending effects so they
	// are not executed against an outdated context.
	if event.Type == models.EventTypeUserMessage {
		cleared, err := s.outbox.ClearPendingBySession(ctx, event.SessionKey)
		if err != nil {
			return fmt.Errorf("failed to abandon superseded effects: %w", err)
		}
		if cleared > 0 {
			slog.Info("Abandoned superseded effects",
				"session_key", event.SessionKey, "count", cleared)
		}
	}

	result, err := s.agent.Handle(ctx, event)
	if err != nil {
		return fmt.Errorf("agent processing failed for seq %d: %w", seq, err)
	}
	if result == nil || len(result.Effects) == 0 {
		return nil
	}

	for _, effect := range result.Effects {
		if effect.SessionKey == "" {
			effect.SessionKey = event.SessionKey
		}
		if effect.CheckpointID == "" {
			effect.CheckpointID = result.CheckpointID
		}
	}
	if _, err := s.outbox.CreateEffects(ctx, result.Effects); err != nil {
		return fmt.Errorf("failed to record effects: %w", err)
	}
	return nil
}

// AbandonResult reports what AbandonSession changed.
type AbandonResult struct {
	EffectsAbandoned int64 `json:"effects_abandoned"`
	TimersCancelled  int64 `json:"timers_cancelled"`
}

// AbandonSession fails all pending effects and soft-cancels all pending
// timers for a session. Other sessions are untouched; history is preserved.
func (s *IngestService) AbandonSession(ctx context.Context, sessionKey models.SessionKey) (*AbandonResult, error) {
	if _, err := models.ParseSessionKey(sessionKey.String()); err != nil {
		return nil, err
	}

	effects, err := s.outbox.ClearPendingBySession(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon effects: %w", err)
	}
	timers, err := s.timers.CancelBySession(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel timers: %w", err)
	}

	slog.Info("Session abandoned",
		"session_key", sessionKey,
		"effects_abandoned", effects,
		"timers_cancelled", timers)

	return &AbandonResult{EffectsAbandoned: effects, TimersCancelled: timers}, nil
}

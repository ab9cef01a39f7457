package models

import "time"

// AutonomyMetadata is the slice of checkpoint metadata owned by the autonomy
// core: bookkeeping the agent collaborator carries between events. The
// checkpoint itself belongs to the collaborator; these helpers only merge the
// autonomy keys in and out without mutating the input map, so a checkpoint's
// causal history stays replayable.
type AutonomyMetadata struct {
	LastEventSeq    int64      `json:"last_event_seq"`
	LastEventType   EventType  `json:"last_event_type,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	PendingTimerIDs []string   `json:"pending_timer_ids,omitempty"`
}

const autonomyMetadataKey = "autonomy"

// GetAutonomyMetadata extracts the autonomy section from checkpoint metadata.
// Returns the zero value when the section is absent or malformed.
func GetAutonomyMetadata(metadata map[string]any) AutonomyMetadata {
	var out AutonomyMetadata
	section, ok := metadata[autonomyMetadataKey].(map[string]any)
	if !ok {
		return out
	}
	switch v := section["last_event_seq"].(type) {
	case int64:
		out.LastEventSeq = v
	case float64:
		out.LastEventSeq = int64(v)
	}
	if v, ok := section["last_event_type"].(string); ok {
		out.LastEventType = EventType(v)
	}
	if v, ok := section["last_processed_at"].(time.Time); ok {
		t := v
		out.LastProcessedAt = &t
	} else if v, ok := section["last_processed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.LastProcessedAt = &t
		}
	}
	if ids, ok := section["pending_timer_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out.PendingTimerIDs = append(out.PendingTimerIDs, s)
			}
		}
	}
	return out
}

// SetAutonomyMetadata returns a new metadata map with the autonomy section
// replaced. The input map is copied, never mutated in place.
func SetAutonomyMetadata(metadata map[string]any, am AutonomyMetadata) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}

	section := map[string]any{
		"last_event_seq": am.LastEventSeq,
	}
	if am.LastEventType != "" {
		section["last_event_type"] = string(am.LastEventType)
	}
	if am.LastProcessedAt != nil {
		section["last_processed_at"] = am.LastProcessedAt.Format(time.RFC3339Nano)
	}
	if len(am.PendingTimerIDs) > 0 {
		ids := make([]any, len(am.PendingTimerIDs))
		for i, id := range am.PendingTimerIDs {
			ids[i] = id
		}
		section["pending_timer_ids"] = ids
	}

	out[autonomyMetadataKey] = section
	return out
}

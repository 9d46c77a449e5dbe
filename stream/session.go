package stream

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// DoneSentinel is the payload of the record that ends a stream.
const DoneSentinel = "[DONE]"

// Record kinds.
const (
	KindChunk    = "chunk"
	KindComplete = "complete"
	KindError    = "error"
)

// Record is one JSON payload of the chat stream.
type Record struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is the state of one assistant turn. It is a value: Apply returns the next one.
type Session struct {
	ID             string
	ConversationID string
	BufferedText   string
	RetryAttempts  int
}

// EventKind says what a record did to the turn.
type EventKind int

const (
	// EventSkipped is a record that was malformed or of an unknown type.
	EventSkipped EventKind = iota
	EventChunk
	EventComplete
	EventError
)

// Event is the observable result of applying one record.
type Event struct {
	Kind     EventKind
	Text     string
	Metadata map[string]any
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// Apply folds one record payload into the session.
// A chunk appends to the buffered text. A complete record, or the done sentinel, ends the turn
// with the complete record's content, falling back to the buffered text when it carries none.
// Malformed records are skipped.
func Apply(s Session, data []byte) (Session, Event) {
	payload := strings.TrimSpace(string(data))
	if payload == DoneSentinel {
		return s, Event{Kind: EventComplete, Text: s.BufferedText}
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Int("size", len(payload)).Msg("Skipping malformed stream record")
		return s, Event{Kind: EventSkipped}
	}

	if id := conversationID(rec.Metadata); id != "" {
		s.ConversationID = id
	}

	switch rec.Type {
	case KindChunk:
		s.BufferedText += rec.Content
		return s, Event{Kind: EventChunk, Text: rec.Content}
	case KindComplete:
		if rec.Content != "" {
			s.BufferedText = rec.Content
		}
		return s, Event{Kind: EventComplete, Text: s.BufferedText, Metadata: rec.Metadata}
	case KindError:
		return s, Event{Kind: EventError, Text: rec.Content, Metadata: rec.Metadata}
	default:
		log.Warn().Str("session", s.ID).Str("type", rec.Type).Msg("Skipping stream record of unknown type")
		return s, Event{Kind: EventSkipped}
	}
}

func conversationID(md map[string]any) string {
	for _, key := range []string{"conversationId", "conversation_id"} {
		if v, ok := md[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

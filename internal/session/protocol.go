package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/pipeline"
)

// MessageType is the envelope discriminator.
type MessageType string

// Client → server.
const (
	TypeUserMessage MessageType = "user_message"
	TypeInterrupt   MessageType = "interrupt"
	TypePing        MessageType = "ping"
	TypeGetHistory  MessageType = "get_history"
)

// Server → client.
const (
	TypeStatus      MessageType = "status"
	TypeTextChunk   MessageType = "text_chunk"
	TypeComplete    MessageType = "complete"
	TypeError       MessageType = "error"
	TypeInterrupted MessageType = "interrupted"
	TypeHistory     MessageType = "history"
	TypePong        MessageType = "pong"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
}

// NewEnvelope marshals payload into an envelope stamped with the current time.
func NewEnvelope(t MessageType, messageID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC(), MessageID: messageID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("session: encode %s: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v as is.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("session: decode %s: %w", e.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client payloads
// ---------------------------------------------------------------------------

type UserMessagePayload struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

type InterruptPayload struct {
	Reason          string `json:"reason,omitempty"`
	TargetMessageID string `json:"target_message_id,omitempty"`
}

type GetHistoryPayload struct {
	Limit           int    `json:"limit,omitempty"`
	BeforeMessageID string `json:"before_message_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Server payloads
// ---------------------------------------------------------------------------

type StatusPayload struct {
	Stage     pipeline.Stage `json:"stage"`
	Message   string         `json:"message"`
	MessageID string         `json:"message_id,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type TextChunkPayload struct {
	Content    string `json:"content"`
	MessageID  string `json:"message_id,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	IsFirst    bool   `json:"is_first"`
	IsLast     bool   `json:"is_last"`
}

// CompletePayload is the final answer; its fields are pipeline.Answer's.
type CompletePayload = pipeline.Answer

type ErrorPayload struct {
	Code        pipeline.ErrorCode `json:"code"`
	Message     string             `json:"message"`
	MessageID   string             `json:"message_id,omitempty"`
	Stage       pipeline.Stage     `json:"stage,omitempty"`
	Recoverable bool               `json:"recoverable"`
	Details     map[string]any     `json:"details,omitempty"`
}

type InterruptedPayload struct {
	MessageID     string         `json:"message_id"`
	Stage         pipeline.Stage `json:"stage,omitempty"`
	PartialAnswer string         `json:"partial_answer,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

type HistoryMessage struct {
	MessageID     string          `json:"message_id"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	Timestamp     time.Time       `json:"timestamp"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Visualization json.RawMessage `json:"visualization,omitempty"`
}

type HistoryPayload struct {
	Messages         []HistoryMessage `json:"messages"`
	HasMore          bool             `json:"has_more"`
	SessionCreatedAt *time.Time       `json:"session_created_at,omitempty"`
}

type PongPayload struct {
	ServerTime time.Time `json:"server_time"`
}

// eventEnvelope maps a pipeline event to its wire frame.
func eventEnvelope(ev pipeline.Event) (Envelope, error) {
	switch ev.Kind {
	case pipeline.EventStatus:
		s := ev.Status
		return NewEnvelope(TypeStatus, ev.MessageID, StatusPayload{
			Stage:     s.Stage,
			Message:   s.Message,
			MessageID: ev.MessageID,
			Progress:  s.Progress,
			Details:   s.Details,
		})
	case pipeline.EventTextChunk:
		c := ev.Chunk
		return NewEnvelope(TypeTextChunk, ev.MessageID, TextChunkPayload{
			Content:    c.Content,
			MessageID:  ev.MessageID,
			ChunkIndex: c.Index,
			IsFirst:    c.IsFirst,
			IsLast:     c.IsLast,
		})
	case pipeline.EventComplete:
		return NewEnvelope(TypeComplete, ev.Answer.MessageID, ev.Answer)
	case pipeline.EventError:
		f := ev.Failure
		return NewEnvelope(TypeError, ev.MessageID, ErrorPayload{
			Code:        f.Code,
			Message:     f.Message,
			MessageID:   ev.MessageID,
			Stage:       f.Stage,
			Recoverable: f.Recoverable,
		})
	case pipeline.EventInterrupted:
		i := ev.Interrupted
		return NewEnvelope(TypeInterrupted, ev.MessageID, InterruptedPayload{
			MessageID:     ev.MessageID,
			Stage:         i.Stage,
			PartialAnswer: i.PartialAnswer,
			Reason:        i.Reason,
		})
	}
	return Envelope{}, fmt.Errorf("session: unknown event kind %q", ev.Kind)
}

func errorEnvelope(code pipeline.ErrorCode, messageID, msg string, recoverable bool) Envelope {
	env, _ := NewEnvelope(TypeError, messageID, ErrorPayload{
		Code:        code,
		Message:     msg,
		MessageID:   messageID,
		Recoverable: recoverable,
	})
	return env
}

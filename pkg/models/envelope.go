package models

import (
	"encoding/json"
	"fmt"
)

// EventType tags an envelope traveling through the broadcast bus and the
// durable log. The set is closed; dispatchers switch exhaustively over it.
type EventType string

const (
	// Room membership.
	EventJoinRoom EventType = "join_room"

	// Client-originated durable events.
	EventSendMessage    EventType = "send_message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventMessageRead    EventType = "message_read"

	// Client-originated ephemeral events (bus only, never logged).
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop_typing"
	EventStartVideoCall EventType = "start_video_call"
	EventEndVideoCall   EventType = "end_video_call"

	// Assistant path.
	EventSendAIMessage    EventType = "send_ai_message"
	EventReceiveAIMessage EventType = "receive_ai_message"

	// Server-emitted.
	EventReceiveMessage EventType = "receive_message"
	EventError          EventType = "error_message"
)

// Durable reports whether envelopes of this type are appended to the
// durable log. Everything else rides the bus only and is safe to drop.
func (t EventType) Durable() bool {
	switch t {
	case EventSendMessage, EventMessageEdited, EventMessageDeleted, EventMessageRead:
		return true
	}
	return false
}

// Envelope is the tagged unit of change: a type plus a payload whose shape
// depends on the type. Payload stays raw until the handler for the type
// decodes it, so malformed payloads fail in exactly one place.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it with the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: b}, nil
}

// MessagePayload decodes the payload as a Message.
func (e Envelope) MessagePayload() (Message, error) {
	var m Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return m, nil
}

// RefPayload is the payload shape for edit/delete/read events: a message
// reference plus the fields the event mutates.
type RefPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId,omitempty"`
	Text      string `json:"text,omitempty"`
	IsEdited  bool   `json:"isEdited,omitempty"`
	IsRead    bool   `json:"isRead,omitempty"`
}

// RefPayload decodes the payload as a RefPayload.
func (e Envelope) RefPayload() (RefPayload, error) {
	var p RefPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return RefPayload{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// PresencePayload is the payload shape for typing and call events.
type PresencePayload struct {
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// PresencePayload decodes the payload as a PresencePayload.
func (e Envelope) PresencePayload() (PresencePayload, error) {
	var p PresencePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return PresencePayload{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// AIPayload is the payload shape of send_ai_message.
type AIPayload struct {
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
}

// AIPayload decodes the payload as an AIPayload.
func (e Envelope) AIPayload() (AIPayload, error) {
	var p AIPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AIPayload{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// ErrorPayload is the payload shape of error_message. Status mirrors HTTP
// status semantics so clients can branch on the failure class.
type ErrorPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ErrorEnvelope builds an error_message envelope; marshal failures cannot
// happen for this payload shape.
func ErrorEnvelope(status int, message string) Envelope {
	env, _ := NewEnvelope(EventError, ErrorPayload{Status: status, Message: message})
	return env
}

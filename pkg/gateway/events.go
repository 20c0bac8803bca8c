package gateway

import (
	"context"
	"net/http"
	"time"

	"chatrelay/pkg/channel"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// dispatch routes one inbound client event. Durable events take the dual
// path: an immediate best-effort bus publish so rooms see the change now,
// and a durable log append so the store applies it exactly once. The two
// paths fail independently; a bus failure never blocks persistence and a
// log failure is reported to the sender alone.
func (h *Hub) dispatch(ctx context.Context, c *Client, env models.Envelope) {
	switch env.Type {
	case models.EventJoinRoom:
		p, err := env.PresencePayload()
		if err != nil || p.ChannelID == "" {
			h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "join requires a channel id"))
			return
		}
		h.Join(c, p.ChannelID)

	case models.EventSendMessage:
		h.handleSend(ctx, c, env)

	case models.EventMessageEdited, models.EventMessageDeleted, models.EventMessageRead:
		h.handleRef(ctx, c, env)

	case models.EventTyping, models.EventStopTyping, models.EventStartVideoCall, models.EventEndVideoCall:
		h.handlePresence(ctx, c, env)

	case models.EventSendAIMessage:
		h.handleAssistant(c, env)

	default:
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "unknown event type"))
	}
}

func (h *Hub) handleSend(ctx context.Context, c *Client, env models.Envelope) {
	m, err := env.MessagePayload()
	if err != nil {
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "malformed message payload"))
		return
	}
	if m.ChannelID == "" || m.TempID == "" || !m.HasContent() {
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "message requires channel id, temp id and content"))
		return
	}
	// Only the reference to a parent survives from the client copy; the
	// sender summary, the parent body and the state flags are server
	// territory, or a forged summary would ride through the store and the
	// confirmed envelope untouched.
	m.SenderID = c.userID
	m.ID = ""
	m.Sender = nil
	m.Parent = nil
	m.IsEdited = false
	m.IsRead = false
	m.CreatedTS = time.Now().UTC().UnixNano()

	stamped, err := models.NewEnvelope(models.EventSendMessage, m)
	if err != nil {
		h.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "internal error"))
		return
	}
	echo, err := models.NewEnvelope(models.EventReceiveMessage, m)
	if err != nil {
		h.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "internal error"))
		return
	}
	h.dualPath(ctx, c, m.ChannelID, echo, stamped)
}

func (h *Hub) handleRef(ctx context.Context, c *Client, env models.Envelope) {
	p, err := env.RefPayload()
	if err != nil || p.MessageID == "" || p.ChannelID == "" {
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "event requires message id and channel id"))
		return
	}
	if env.Type == models.EventMessageEdited {
		p.IsEdited = true
	}
	if env.Type == models.EventMessageRead {
		p.IsRead = true
	}
	stamped, err := models.NewEnvelope(env.Type, p)
	if err != nil {
		h.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "internal error"))
		return
	}
	h.dualPath(ctx, c, p.ChannelID, stamped, stamped)
}

// dualPath publishes echo on the bus and appends durable to the log,
// concurrently.
func (h *Hub) dualPath(ctx context.Context, c *Client, channelID string, echo, durable models.Envelope) {
	go func() {
		if err := h.bus.Publish(ctx, channelID, echo); err != nil {
			logger.Error("ws_echo_publish_failed", "channel", channelID, "type", string(echo.Type), "error", err)
		}
	}()
	go func() {
		if _, err := h.log.Append(ctx, channelID, durable); err != nil {
			logger.Error("ws_append_failed", "channel", channelID, "type", string(durable.Type), "error", err)
			if err == chatlog.ErrPayloadTooLarge {
				h.sendTo(c, models.ErrorEnvelope(http.StatusRequestEntityTooLarge, "message too large"))
				return
			}
			h.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "message not persisted"))
		}
	}()
}

// handlePresence rides the bus only. Presence is ephemeral; anyone not
// connected right now has no use for a typing indicator.
func (h *Hub) handlePresence(ctx context.Context, c *Client, env models.Envelope) {
	p, err := env.PresencePayload()
	if err != nil || p.ChannelID == "" {
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "event requires a channel id"))
		return
	}
	p.UserID = c.userID
	stamped, err := models.NewEnvelope(env.Type, p)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, p.ChannelID, stamped); err != nil {
		logger.Error("ws_presence_publish_failed", "channel", p.ChannelID, "type", string(env.Type), "error", err)
	}
}

func (h *Hub) handleAssistant(c *Client, env models.Envelope) {
	if h.assistant == nil {
		h.sendTo(c, models.ErrorEnvelope(http.StatusNotFound, "assistant unavailable"))
		return
	}
	p, err := env.AIPayload()
	if err != nil || p.Text == "" {
		h.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "assistant message requires text"))
		return
	}
	// The log bypass on this path is only sound while an assistant channel
	// has a single human writer, so the channel is pinned to the caller's
	// own regardless of what the payload names.
	p.SenderID = c.userID
	p.ChannelID = channel.Assistant(c.userID)
	// Detached from the connection context: the completion outlives any
	// single read and its reply is delivered over the bus, not this socket.
	go h.assistant.Handle(context.Background(), p)
}

// Package assistant runs the AI conversation path. Assistant channels have
// one human participant and no fan-out race, so messages skip the durable
// log: the user turn and the model reply are written straight to the store
// and the reply is published on the bus.
package assistant

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

// SenderID is the synthetic sender recorded on assistant replies.
const SenderID = "assistant"

const systemPrompt = "You are a helpful assistant inside a chat app. " +
	"Answer concisely and stay on the user's topic."

// Options configure the completion call.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds one completion call.
	Timeout time.Duration
	// Context is how many recent channel messages ride along as history.
	Context int
}

// Assistant issues completions and persists both sides of the exchange.
type Assistant struct {
	client openai.Client
	bus    bus.Bus
	opts   Options
}

// New builds an Assistant. Returns nil when no API key is configured, which
// disables the path at the gateway.
func New(b bus.Bus, opts Options) *Assistant {
	if opts.APIKey == "" {
		return nil
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Context <= 0 {
		opts.Context = 5
	}
	ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	return &Assistant{
		client: openai.NewClient(ropts...),
		bus:    b,
		opts:   opts,
	}
}

// Handle processes one user turn: persist it, complete against recent
// history, persist and publish the reply. Failures become error_message
// envelopes on the channel so the client can surface them.
func (a *Assistant) Handle(ctx context.Context, p models.AIPayload) {
	channelID := p.ChannelID
	if channelID == "" {
		channelID = channel.Assistant(p.SenderID)
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  p.SenderID,
		Text:      p.Text,
		IsRead:    true, // the assistant has no unread state
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if err := store.SaveMessage(userMsg); err != nil {
		logger.Error("assistant_save_user_failed", "channel", channelID, "error", err)
		a.publishError(ctx, channelID, http.StatusInternalServerError, "message not persisted")
		return
	}

	reply, status, err := a.complete(ctx, channelID)
	if err != nil {
		failureTotal.WithLabelValues(failureClass(status)).Inc()
		logger.Error("assistant_completion_failed", "channel", channelID, "status", status, "error", err)
		a.publishError(ctx, channelID, status, failureMessage(status))
		return
	}

	replyMsg := models.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  SenderID,
		Text:      reply,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	if err := store.SaveMessage(replyMsg); err != nil {
		logger.Error("assistant_save_reply_failed", "channel", channelID, "error", err)
		a.publishError(ctx, channelID, http.StatusInternalServerError, "reply not persisted")
		return
	}
	repliesTotal.Inc()

	env, err := models.NewEnvelope(models.EventReceiveAIMessage, replyMsg)
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, channelID, env); err != nil {
		logger.Error("assistant_publish_failed", "channel", channelID, "error", err)
	}
}

// complete runs one chat completion over the channel's recent history.
// The history window already contains the just-persisted user turn.
func (a *Assistant) complete(ctx context.Context, channelID string) (string, int, error) {
	history, err := store.ListMessages(channelID, a.opts.Context)
	if err != nil {
		return "", http.StatusInternalServerError, err
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		if m.SenderID == SenderID {
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	resp, err := a.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.opts.Model),
		Messages: msgs,
	})
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			return "", apierr.StatusCode, err
		}
		if cctx.Err() != nil {
			return "", http.StatusGatewayTimeout, err
		}
		return "", http.StatusBadGateway, err
	}
	if len(resp.Choices) == 0 {
		return "", http.StatusBadGateway, errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, http.StatusOK, nil
}

func (a *Assistant) publishError(ctx context.Context, channelID string, status int, msg string) {
	if err := a.bus.Publish(ctx, channelID, models.ErrorEnvelope(status, msg)); err != nil {
		logger.Error("assistant_error_publish_failed", "channel", channelID, "error", err)
	}
}

// failureClass buckets a status for metrics.
func failureClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "auth"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "provider"
	case status >= 400:
		return "bad_request"
	}
	return "other"
}

// failureMessage is what clients see for each failure class.
func failureMessage(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "assistant is rate limited, try again shortly"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "assistant authentication failed"
	case status == http.StatusNotFound:
		return "assistant model not found"
	case status >= 500:
		return "assistant provider error"
	case status >= 400:
		return "invalid assistant request"
	}
	return "assistant unavailable"
}

package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

// fakeProvider serves the completions endpoint the client talks to.
func fakeProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func completionReply(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": text},
			}},
		})
	}
}

func newAssistant(t *testing.T, b bus.Bus, baseURL string) *Assistant {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	a := New(b, Options{APIKey: "test-key", BaseURL: baseURL, Timeout: 5 * time.Second})
	if a == nil {
		t.Fatalf("assistant disabled despite api key")
	}
	return a
}

func busTap(t *testing.T, b bus.Bus) <-chan models.Envelope {
	t.Helper()
	out := make(chan models.Envelope, 16)
	b.Subscribe(func(_ string, env models.Envelope) { out <- env })
	return out
}

func waitEnvelope(t *testing.T, tap <-chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env := <-tap:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("no envelope published")
		return models.Envelope{}
	}
}

func TestHandlePersistsBothTurnsAndPublishesReply(t *testing.T) {
	srv := fakeProvider(t, completionReply("hello back"))
	b := bus.NewMemory()
	defer b.Close()
	a := newAssistant(t, b, srv.URL)
	tap := busTap(t, b)

	a.Handle(context.Background(), models.AIPayload{SenderID: "u1", Text: "hello"})

	env := waitEnvelope(t, tap)
	if env.Type != models.EventReceiveAIMessage {
		t.Fatalf("published type = %q, want receive_ai_message", env.Type)
	}
	reply, err := env.MessagePayload()
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Text != "hello back" || reply.SenderID != SenderID {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	wantChannel := channel.Assistant("u1")
	if reply.ChannelID != wantChannel {
		t.Fatalf("reply channel = %q, want %q", reply.ChannelID, wantChannel)
	}
	history, err := store.ListMessages(wantChannel, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user turn and reply persisted, got %+v", history)
	}
	if history[0].SenderID != "u1" || !history[0].IsRead {
		t.Fatalf("unexpected user turn: %+v", history[0])
	}
	if history[1].SenderID != SenderID || history[1].Text != "hello back" {
		t.Fatalf("unexpected reply turn: %+v", history[1])
	}
}

func TestHandleKeepsExplicitChannel(t *testing.T) {
	srv := fakeProvider(t, completionReply("ok"))
	b := bus.NewMemory()
	defer b.Close()
	a := newAssistant(t, b, srv.URL)
	tap := busTap(t, b)

	a.Handle(context.Background(), models.AIPayload{ChannelID: "custom", SenderID: "u1", Text: "hi"})

	env := waitEnvelope(t, tap)
	reply, _ := env.MessagePayload()
	if reply.ChannelID != "custom" {
		t.Fatalf("reply channel = %q, want custom", reply.ChannelID)
	}
}

func TestRateLimitBecomesErrorEnvelope(t *testing.T) {
	srv := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Zero retry delay keeps the client's automatic retries instant.
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	})
	b := bus.NewMemory()
	defer b.Close()
	a := newAssistant(t, b, srv.URL)
	tap := busTap(t, b)

	a.Handle(context.Background(), models.AIPayload{SenderID: "u1", Text: "hi"})

	env := waitEnvelope(t, tap)
	if env.Type != models.EventError {
		t.Fatalf("published type = %q, want error_message", env.Type)
	}
	var p models.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", p.Status)
	}

	// The user turn is still persisted; only the reply is missing.
	history, err := store.ListMessages(channel.Assistant("u1"), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 1 || history[0].SenderID != "u1" {
		t.Fatalf("unexpected history after failure: %+v", history)
	}
}

func TestNewWithoutAPIKeyDisables(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	if a := New(b, Options{}); a != nil {
		t.Fatalf("expected nil assistant without api key")
	}
}

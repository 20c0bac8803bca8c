package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/models"
)

const testSigningKey = "test-signing-key"

type harness struct {
	hub *Hub
	log *chatlog.Log
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, assistant AssistantHandler) *harness {
	t.Helper()
	l, err := chatlog.Open(t.TempDir(), chatlog.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	sec := auth.NewSecConfig([]string{"*"}, nil, []string{testSigningKey}, 0, 0)
	h := New(b, l, assistant, sec, Options{})
	h.Start()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return &harness{hub: h, log: l, srv: srv}
}

// dial opens an authenticated websocket for userID.
func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	sig := auth.SignUser(userID, testSigningKey)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?uid=" + userID + "&sig=" + sig
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ models.EventType, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func join(t *testing.T, conn *websocket.Conn, channelID string) {
	t.Helper()
	send(t, conn, models.EventJoinRoom, models.PresencePayload{ChannelID: channelID})
}

func TestServeWSRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?uid=u1&sig=deadbeef"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestSendEchoesToRoomAndAppendsToLog(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")
	bob := h.dial(t, "u2")
	join(t, alice, "u1-u2")
	join(t, bob, "u1-u2")
	time.Sleep(50 * time.Millisecond) // joins are async to the dial

	send(t, alice, models.EventSendMessage, models.Message{
		ChannelID: "u1-u2", TempID: "t1", Text: "hello",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := recv(t, conn)
		if env.Type != models.EventReceiveMessage {
			t.Fatalf("expected receive_message echo, got %q", env.Type)
		}
		m, err := env.MessagePayload()
		if err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if m.TempID != "t1" || m.ID != "" {
			t.Fatalf("echo must be optimistic (temp id, no durable id): %+v", m)
		}
		if m.SenderID != "u1" {
			t.Fatalf("sender not stamped from the connection: %q", m.SenderID)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		recs, err := h.log.Read("u1-u2", 1, 0)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Env.Type != models.EventSendMessage {
				t.Fatalf("log record type = %q", recs[0].Env.Type)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send never reached the log")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoomIsolation(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")
	carol := h.dial(t, "u3")
	join(t, alice, "u1-u2")
	join(t, carol, "u3-u4")
	time.Sleep(50 * time.Millisecond)

	send(t, alice, models.EventSendMessage, models.Message{
		ChannelID: "u1-u2", TempID: "t1", Text: "private",
	})

	// Alice gets her own echo; Carol's room stays silent.
	recv(t, alice)
	carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env models.Envelope
	if err := carol.ReadJSON(&env); err == nil {
		t.Fatalf("cross-room leak: %+v", env)
	}
}

func TestPresenceStampsSender(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")
	bob := h.dial(t, "u2")
	join(t, alice, "u1-u2")
	join(t, bob, "u1-u2")
	time.Sleep(50 * time.Millisecond)

	// The sender stamp comes from the authenticated connection, not the
	// client-supplied payload.
	send(t, alice, models.EventTyping, models.PresencePayload{ChannelID: "u1-u2", UserID: "spoofed"})

	env := recv(t, bob)
	if env.Type != models.EventTyping {
		t.Fatalf("expected typing, got %q", env.Type)
	}
	p, err := env.PresencePayload()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "u1" {
		t.Fatalf("user stamp = %q, want u1", p.UserID)
	}

	// Presence never reaches the durable log.
	time.Sleep(50 * time.Millisecond)
	recs, err := h.log.Read("u1-u2", 1, 0)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("presence leaked into the log: %+v", recs)
	}
}

func TestInvalidEventsReturnErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")

	// Missing temp id.
	send(t, alice, models.EventSendMessage, models.Message{ChannelID: "c", Text: "x"})
	env := recv(t, alice)
	if env.Type != models.EventError {
		t.Fatalf("expected error_message, got %q", env.Type)
	}
	var p models.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", p.Status)
	}

	// Unknown type.
	send(t, alice, models.EventType("bogus"), struct{}{})
	env = recv(t, alice)
	if env.Type != models.EventError {
		t.Fatalf("expected error_message, got %q", env.Type)
	}
}

func TestSendToAfterDisconnectIsSafe(t *testing.T) {
	h := newHarness(t)
	c := &Client{
		hub:    h.hub,
		userID: "u1",
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	h.hub.register(c)
	h.hub.unregister(c)

	// A late send from a detached goroutine must queue or drop, never panic.
	h.hub.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "message not persisted"))
	h.hub.sendTo(c, models.ErrorEnvelope(http.StatusInternalServerError, "message not persisted"))

	// Disconnecting twice is a no-op.
	h.hub.unregister(c)

	select {
	case <-c.done:
	default:
		t.Fatalf("done not closed on disconnect")
	}
}

func TestSendStripsForgedServerFields(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")
	bob := h.dial(t, "u2")
	join(t, alice, "u1-u2")
	join(t, bob, "u1-u2")
	time.Sleep(50 * time.Millisecond)

	send(t, alice, models.EventSendMessage, models.Message{
		ChannelID: "u1-u2", TempID: "t1", Text: "hello",
		SenderID: "u2",
		Sender:   &models.UserSummary{ID: "u2", FullName: "Mallory"},
		ParentID: "p1",
		Parent:   &models.Message{Text: "never said this"},
		IsEdited: true,
		IsRead:   true,
	})

	env := recv(t, bob)
	if env.Type != models.EventReceiveMessage {
		t.Fatalf("expected receive_message, got %q", env.Type)
	}
	m, err := env.MessagePayload()
	if err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if m.SenderID != "u1" {
		t.Fatalf("sender id = %q, want the authenticated u1", m.SenderID)
	}
	if m.Sender != nil || m.Parent != nil {
		t.Fatalf("client-supplied summaries survived: %+v", m)
	}
	if m.IsEdited || m.IsRead {
		t.Fatalf("client-supplied state flags survived: %+v", m)
	}
	if m.ParentID != "p1" {
		t.Fatalf("parent reference dropped: %q", m.ParentID)
	}

	// The durable copy is stripped the same way.
	deadline := time.Now().Add(3 * time.Second)
	for {
		recs, err := h.log.Read("u1-u2", 1, 0)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		if len(recs) == 1 {
			dm, err := recs[0].Env.MessagePayload()
			if err != nil {
				t.Fatalf("decode record: %v", err)
			}
			if dm.SenderID != "u1" || dm.Sender != nil || dm.IsEdited || dm.IsRead {
				t.Fatalf("forged fields reached the log: %+v", dm)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send never reached the log")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type captureAssistant struct {
	got chan models.AIPayload
}

func (a *captureAssistant) Handle(ctx context.Context, p models.AIPayload) {
	a.got <- p
}

func TestAssistantChannelPinnedToCaller(t *testing.T) {
	fake := &captureAssistant{got: make(chan models.AIPayload, 1)}
	h := newHarnessWith(t, fake)
	alice := h.dial(t, "u1")

	send(t, alice, models.EventSendAIMessage, models.AIPayload{
		ChannelID: "u1-u2", SenderID: "u2", Text: "hi",
	})

	select {
	case p := <-fake.got:
		if p.ChannelID != channel.Assistant("u1") {
			t.Fatalf("channel = %q, want %q", p.ChannelID, channel.Assistant("u1"))
		}
		if p.SenderID != "u1" {
			t.Fatalf("sender = %q, want u1", p.SenderID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("assistant never invoked")
	}
}

func TestAssistantUnavailable(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "u1")
	send(t, alice, models.EventSendAIMessage, models.AIPayload{Text: "hi"})
	env := recv(t, alice)
	if env.Type != models.EventError {
		t.Fatalf("expected error_message, got %q", env.Type)
	}
	var p models.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", p.Status)
	}
}

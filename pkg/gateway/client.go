package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// Client is one live websocket connection. userID is fixed at upgrade time
// from the verified identity and stamped onto every event the connection
// originates.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	// done is closed by unregister; send never is, so queueing onto a
	// disconnected client is always safe.
	done    chan struct{}
	limiter *rate.Limiter
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("ws_read_failed", "user", c.userID, "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.sendTo(c, models.ErrorEnvelope(http.StatusTooManyRequests, "rate limited"))
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.sendTo(c, models.ErrorEnvelope(http.StatusBadRequest, "malformed event"))
			continue
		}
		receivedTotal.WithLabelValues(string(env.Type)).Inc()
		c.hub.dispatch(ctx, c, env)
	}
}

func (c *Client) writePump() {
	pingEvery := c.hub.opts.PongWait * 9 / 10
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomcall/internal/util"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a frame
	pongWait       = 60 * time.Second    // time allowed to read the next pong
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	sendBufferSize = 64                  // outgoing frame channel capacity
)

// conn is one WebSocket connection registered in a room (private).
type conn struct {
	id   uuid.UUID
	room string
	ws   *websocket.Conn
	hub  *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(hub *Hub, room string, ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.New(),
		room: room,
		ws:   ws,
		hub:  hub,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue hands data to the write pump without blocking. It reports false
// when the send buffer is full.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close unregisters the connection and closes the socket. Safe to call multiple times.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.leave(c)
		c.ws.Close()
		util.LogInfo("[%s] disconnected from room %s", c.id, c.room)
	})
}

// readPump relays every text frame to the rest of the room until the socket fails.
func (c *conn) readPump(maxFrameSize int64) {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("[%s] read error in room %s: %v", c.id, c.room, err)
			}
			return
		}

		if kind != websocket.TextMessage {
			util.LogDebug("[%s] ignoring non-text frame", c.id)
			continue
		}

		util.LogDebug("[%s] message in room %s: %s", c.id, c.room, data)
		c.hub.broadcast(c, data)
	}
}

// writePump is the single writer of the socket. It also keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogWarning("[%s] write error in room %s: %v", c.id, c.room, err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"),
				time.Now().Add(writeWait))
			return
		}
	}
}

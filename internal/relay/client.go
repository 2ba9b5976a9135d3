package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"nodecollab/internal/models"
	"nodecollab/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	handshakeWait  = 15 * time.Second
	sendQueueSize  = 256
	maxMessageSize = 1 << 20
)

// client is one websocket connection registered in a room.
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	peer      models.PeerInfo
	role      wire.Role
	joinedAt  time.Time
	// send is closed by the hub when the client leaves the room.
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("relay: session %s peer %s read error: %v", c.sessionID, c.peer.ID, err)
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("relay: session %s peer %s sent malformed frame: %v", c.sessionID, c.peer.ID, err)
			continue
		}
		if env.Type != wire.TypeData {
			debugLog("[relay] session %s peer %s: ignoring %s frame", c.sessionID, c.peer.ID, env.Type)
			continue
		}
		c.hub.route(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(env wire.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Envelope holds only plain fields and raw JSON already validated on read.
		log.Printf("relay: encode %s frame: %v", env.Type, err)
		return nil
	}
	return data
}

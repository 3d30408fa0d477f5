package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *slog.Logger
	send       chan *ServerMessage
	limiter    *rateLimiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *slog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = Now().Format("20060102150405.000")
	}

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With("conn", id),
		send:       make(chan *ServerMessage, sendBufferSize),
		limiter:    newRateLimiter(cs.rateEvents, cs.rateWindow),
		stop:       make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Push queues msg for the write pump. It never blocks and reports false once
// the client is stopped or its queue is full.
func (c *Client) Push(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn("client.send.full")
		return false
	}

	return true
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("client.write.exit")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is still queued.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeServerMessage(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error("client.serialize.fail", "err", err)
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) Read() {
	defer func() {
		c.cleanup()
		c.log.Debug("client.read.exit")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("client.read.fail", "err", err)
			}
			return
		}

		if !c.limiter.allow(time.Now()) {
			c.log.Warn("client.rate.exceeded")
			c.Push(ErrNotice(0, ContextRateLimit, ErrRateLimited))
			return
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			c.log.Debug("client.message.invalid", "err", err)
			id := 0
			if msg != nil {
				id = msg.Id
			}
			c.Push(ErrNotice(id, ContextProtocol, err))
			continue
		}

		c.chatServer.dispatch(c, msg)
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("client.write.fail", "err", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup runs the disconnect path once the read pump ends. The write pump
// flushes pending messages and closes the socket.
func (c *Client) cleanup() {
	c.chatServer.disconnect(c)
	c.chatServer.deRegister(c)
	c.stopClient()
}

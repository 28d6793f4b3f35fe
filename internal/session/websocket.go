package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/signalbox/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	defaultPingGap = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is a Sender over a websocket. Frames queue in memory and are
// written by a single goroutine.
type wsConn struct {
	ws     *websocket.Conn
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Envelope
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:     ws,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) Send(env Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) drain() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// writeLoop flushes queued frames and sends keepalive pings until the
// connection is closed.
func (c *wsConn) writeLoop(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			for _, env := range c.drain() {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(env); err != nil {
					return
				}
			}
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-c.notify:
			for _, env := range c.drain() {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(env); err != nil {
					c.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// HandlerOpts configures the websocket route.
type HandlerOpts struct {
	PingInterval time.Duration // websocket keepalive; default 30s
	HistoryLimit int           // default page size for get_history
}

// Handler upgrades /ws/chat/:session_id and serves the chat protocol. The
// reader never waits on a run, so pings and interrupts are answered while
// an answer is streaming.
func Handler(m *Manager, opts HandlerOpts) gin.HandlerFunc {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingGap
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.log.Warn("session: upgrade failed", "error", err)
			return
		}
		ws.SetReadLimit(maxFrameBytes)

		conn := newWSConn(ws)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			conn.writeLoop(opts.PingInterval)
		}()

		ctx := c.Request.Context()
		sess, err := m.Attach(ctx, c.Param("session_id"), conn)
		if err != nil {
			conn.Send(errorEnvelope(pipeline.CodeInternal, "", err.Error(), false))
			conn.Close()
			<-writerDone
			return
		}

		ws.SetPongHandler(func(string) error {
			sess.touch(time.Now())
			return nil
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				break
			}
			m.dispatch(ctx, sess, conn, data, opts.HistoryLimit)
		}

		m.Detach(sess.ID, conn)
		conn.Close()
		<-writerDone
	}
}

// dispatch handles one inbound frame.
func (m *Manager) dispatch(ctx context.Context, sess *Session, out Sender, data []byte, historyLimit int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session: panic handling frame", "session", sess.ID, "panic", r)
			out.Send(errorEnvelope(pipeline.CodeInternal, "", "Internal error", false))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		out.Send(errorEnvelope(pipeline.CodeValidation, "", "Malformed message", true))
		return
	}
	sess.touch(time.Now())

	switch env.Type {
	case TypeUserMessage:
		var p UserMessagePayload
		if err := env.Decode(&p); err != nil {
			out.Send(errorEnvelope(pipeline.CodeValidation, env.MessageID, "Malformed user_message payload", true))
			return
		}
		id := p.MessageID
		if id == "" {
			id = env.MessageID
		}
		// Rejections have already been reported to the client.
		m.Submit(ctx, sess.ID, p.Content, id)

	case TypeInterrupt:
		var p InterruptPayload
		if err := env.Decode(&p); err != nil {
			out.Send(errorEnvelope(pipeline.CodeValidation, env.MessageID, "Malformed interrupt payload", true))
			return
		}
		if _, err := m.Interrupt(ctx, sess.ID, p.Reason, p.TargetMessageID); err != nil {
			m.log.Warn("session: interrupt failed", "session", sess.ID, "error", err)
		}

	case TypePing:
		now, err := m.Heartbeat(sess.ID)
		if err != nil {
			now = time.Now()
		}
		pong, _ := NewEnvelope(TypePong, env.MessageID, PongPayload{ServerTime: now.UTC()})
		out.Send(pong)

	case TypeGetHistory:
		p := GetHistoryPayload{Limit: historyLimit}
		if err := env.Decode(&p); err != nil {
			out.Send(errorEnvelope(pipeline.CodeValidation, env.MessageID, "Malformed get_history payload", true))
			return
		}
		if p.Limit <= 0 {
			p.Limit = historyLimit
		}
		page, err := m.History(ctx, sess.ID, p.Limit, p.BeforeMessageID)
		if err != nil {
			code := pipeline.CodeInternal
			if errors.Is(err, ErrSessionNotFound) {
				code = pipeline.CodeValidation
			}
			out.Send(errorEnvelope(code, env.MessageID, "History unavailable", true))
			return
		}
		reply, err := NewEnvelope(TypeHistory, env.MessageID, page)
		if err != nil {
			out.Send(errorEnvelope(pipeline.CodeInternal, env.MessageID, "History unavailable", false))
			return
		}
		out.Send(reply)

	default:
		out.Send(errorEnvelope(pipeline.CodeValidation, env.MessageID, "Unknown message type "+string(env.Type), true))
	}
}

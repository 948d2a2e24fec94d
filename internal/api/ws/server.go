package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/app/command"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
	sendQueueSize   = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: writeBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		// Controllers live on the local network; origin is not checked.
		return true
	},
}

// Gateway accepts controller websocket connections and bridges them to
// the command processor. Each connection submits commands in its own
// read loop; the processor's single consumer loop provides the total
// order, so any number of connections may be active at once.
type Gateway struct {
	processor      *command.Processor
	commandTimeout time.Duration
}

// NewGateway creates a gateway over the given processor.
func NewGateway(p *command.Processor, commandTimeout time.Duration) *Gateway {
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &Gateway{processor: p, commandTimeout: commandTimeout}
}

// ServeHTTP upgrades the connection and runs it until either side
// closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Msgf("ws: upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	c := &conn2proc{
		g:       g,
		conn:    conn,
		send:    make(chan Message, sendQueueSize),
		closing: make(chan struct{}),
	}
	zlog.Info().Msgf("ws: controller connected: remote=%s", conn.RemoteAddr())

	subID, events := g.processor.Subscribe()
	go c.writePump()
	go c.forward(events)

	// New controllers start from a full snapshot.
	if res, err := g.submit(r.Context(), command.Command{Type: command.TypeGetState}); err == nil {
		c.trySend(Message{Type: MessageSnapshot, Payload: convertSnapshot(res.Snapshot)})
	}

	c.readPump()

	g.processor.Unsubscribe(subID)
	c.close()
	zlog.Info().Msgf("ws: controller disconnected: remote=%s", conn.RemoteAddr())
}

func (g *Gateway) submit(ctx context.Context, cmd command.Command) (command.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.commandTimeout)
	defer cancel()
	return g.processor.Submit(ctx, cmd)
}

// conn2proc is one controller connection. The read loop decodes and
// submits commands; the write pump owns all writes to the socket.
type conn2proc struct {
	g    *Gateway
	conn *websocket.Conn
	send chan Message

	closing   chan struct{}
	closeOnce sync.Once
}

func (c *conn2proc) close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close()
	})
}

// trySend enqueues without ever blocking the caller. Broadcasts to a
// stalled connection are dropped; the next snapshot supersedes them.
func (c *conn2proc) trySend(msg Message) {
	select {
	case c.send <- msg:
	case <-c.closing:
	default:
		zlog.Warn().Msgf("ws: dropping message for slow controller: remote=%s type=%s", c.conn.RemoteAddr(), msg.Type)
	}
}

func (c *conn2proc) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.Warn().Msgf("ws: unexpected closure: remote=%s err=%v", c.conn.RemoteAddr(), err)
			}
			return
		}
		var rm receivedMessage
		if err := json.Unmarshal(raw, &rm); err != nil {
			zlog.Warn().Msgf("ws: invalid message from %s: %v", c.conn.RemoteAddr(), err)
			continue
		}
		if rm.Type != MessageCommand {
			zlog.Warn().Msgf("ws: unexpected message type %q from %s", rm.Type, c.conn.RemoteAddr())
			continue
		}
		c.handleCommand(rm)
	}
}

func (c *conn2proc) handleCommand(rm receivedMessage) {
	cmd, err := decodeCommand(rm.Payload)
	if err != nil {
		c.trySend(Message{Type: MessageResult, ID: rm.ID, Payload: ResultPayload{Error: err.Error()}})
		return
	}
	res, err := c.g.submit(context.Background(), cmd)
	if err != nil {
		c.trySend(Message{Type: MessageResult, ID: rm.ID, Payload: ResultPayload{Error: err.Error()}})
		return
	}
	c.trySend(Message{Type: MessageResult, ID: rm.ID, Payload: ResultPayload{
		Snapshot: convertSnapshot(res.Snapshot),
		Node:     convertNode(res.Node),
	}})
}

// forward turns broadcast processor events into outbound messages. It
// returns when the subscription channel is closed.
func (c *conn2proc) forward(events <-chan command.Event) {
	for ev := range events {
		if msg, ok := convertEvent(ev); ok {
			c.trySend(msg)
		}
	}
	c.close()
}

func (c *conn2proc) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

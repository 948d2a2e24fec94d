package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/osa030/playdeck/internal/app/command"
)

// ErrClientClosed is returned for calls on a closed client.
var ErrClientClosed = errors.New("ws client closed")

// ServerEvent is one broadcast received by the client. Exactly one
// payload field is set, matching Type.
type ServerEvent struct {
	Type     MessageType
	Snapshot *SnapshotPayload
	Position *PositionPayload
	Error    *ErrorPayload
}

// Client is a controller-side connection to the gateway. A single read
// loop routes results to their pending request by id and broadcasts to
// the Events channel.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ResultPayload

	events  chan ServerEvent
	closing chan struct{}
	once    sync.Once
}

// Dial connects to a gateway at the given websocket URL.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", url)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan ResultPayload),
		events:  make(chan ServerEvent, 32),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Do submits one command and waits for its result. A result carrying a
// server-side rejection is returned as an error.
func (c *Client) Do(ctx context.Context, cmd command.Command) (ResultPayload, error) {
	id := uuid.New().String()
	ch := make(chan ResultPayload, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Message{Type: MessageCommand, ID: id, Payload: cmd}); err != nil {
		return ResultPayload{}, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return res, errors.Newf("command rejected: %s", res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return ResultPayload{}, ctx.Err()
	case <-c.closing:
		return ResultPayload{}, ErrClientClosed
	}
}

// Events returns the broadcast channel. It is closed when the
// connection drops or the client is closed.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closing:
		return ErrClientClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, "failed to send command")
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var rm receivedMessage
		if err := json.Unmarshal(raw, &rm); err != nil {
			continue
		}
		switch rm.Type {
		case MessageResult:
			var res ResultPayload
			if err := json.Unmarshal(rm.Payload, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[rm.ID]
			c.mu.Unlock()
			if ok {
				ch <- res
			}
		case MessageSnapshot:
			var snap SnapshotPayload
			if err := json.Unmarshal(rm.Payload, &snap); err != nil {
				continue
			}
			c.deliver(ServerEvent{Type: MessageSnapshot, Snapshot: &snap})
		case MessagePosition:
			var pos PositionPayload
			if err := json.Unmarshal(rm.Payload, &pos); err != nil {
				continue
			}
			c.deliver(ServerEvent{Type: MessagePosition, Position: &pos})
		case MessageError:
			var pe ErrorPayload
			if err := json.Unmarshal(rm.Payload, &pe); err != nil {
				continue
			}
			c.deliver(ServerEvent{Type: MessageError, Error: &pe})
		}
	}
}

// deliver drops rather than blocks when the consumer lags; the next
// snapshot supersedes anything missed.
func (c *Client) deliver(ev ServerEvent) {
	select {
	case c.events <- ev:
	default:
	}
}

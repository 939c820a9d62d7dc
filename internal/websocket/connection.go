package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/pkg/types"
)

// Connection implements interfaces.Connection over a gorilla socket.
// All data frames go through writeCh and a single writer goroutine.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	remoteAddr   string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.RWMutex
	claim *types.IdentityClaim
}

// NewConnection wraps conn and starts its writer. bufferSize bounds the
// number of queued outbound frames.
func NewConnection(conn *websocket.Conn, remoteAddr string, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		remoteAddr:   remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				zap.S().Debugw("websocket write failed",
					"connection_id", c.id,
					"error", err,
				)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// UserID returns the admitted subject, or "" before admission.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.claim == nil {
		return ""
	}
	return c.claim.Subject
}

func (c *Connection) Claim() *types.IdentityClaim {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claim
}

func (c *Connection) setClaim(claim *types.IdentityClaim) {
	c.mu.Lock()
	c.claim = claim
	c.mu.Unlock()
}

// Send encodes event and queues it. A full queue fails immediately so a
// slow reader never blocks the sender.
func (c *Connection) Send(event types.OutboundEvent) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := event.Encode()
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

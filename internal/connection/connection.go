package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Close codes sent to clients. 4xxx codes are application defined.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseInternalError    = 1011
	CloseHeartbeatTimeout = 4008
	CloseRateLimited      = 4029
)

// Transport is the byte-level link a session runs over. WebSocket and
// WebTransport both satisfy it.
type Transport interface {
	// ReadMessage blocks until the next application message arrives.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one application message. Only the write loop calls it.
	WriteMessage(data []byte) error
	// Ping sends a liveness probe. It may be called concurrently with WriteMessage.
	Ping() error
	// SetPongHandler registers fn to run when the peer answers a probe.
	SetPongHandler(fn func())
	Close(code int, reason string) error
	RemoteAddr() string
}

type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one client session. Outbound frames go through a buffered
// channel drained by a single write goroutine.
type Connection struct {
	id        string
	transport Transport
	logger    *slog.Logger
	createdAt time.Time

	mu              sync.RWMutex
	user            *model.User
	authenticatedAt time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	lastPing      atomic.Int64

	writeChan   chan []byte
	closeChan   chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// New wraps transport in a session and starts its write loop.
func New(transport Transport, sendBuffer int, logger *slog.Logger) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	id := uuid.NewString()
	c := &Connection{
		id:        id,
		transport: transport,
		logger:    logger.With("session_id", id),
		createdAt: time.Now(),
		writeChan: make(chan []byte, sendBuffer),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.Touch()
	transport.SetPongHandler(c.Touch)

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

func (c *Connection) Transport() Transport {
	return c.transport
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// User returns the bound identity, false while unauthenticated.
func (c *Connection) User() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.user == nil {
		return model.User{}, false
	}
	return *c.user, true
}

// UserID returns the bound user id or "".
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.user == nil {
		return ""
	}
	return c.user.ID
}

func (c *Connection) AuthenticatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticatedAt
}

// bind records user on the session. A closed session stays closed.
func (c *Connection) bind(user model.User) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return false
	}
	c.user = &user
	c.authenticatedAt = time.Now()
	c.state.Store(int32(StateAuthenticated))
	return true
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Send encodes ev and queues it. A full buffer drops the frame instead of
// stalling the broadcaster.
func (c *Connection) Send(ev protocol.ServerEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded frame.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		c.logger.Warn("Send buffer full, dropping frame", "user_id", c.UserID())
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				c.Close(CloseInternalError, "write failed")
				c.finish()
				return
			}
		case <-c.closeChan:
			c.flush()
			c.finish()
			return
		}
	}
}

// flush writes whatever was queued before Close so a final error event
// reaches the client ahead of the close frame.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) finish() {
	if err := c.transport.Close(c.closeCode, c.closeReason); err != nil {
		c.logger.Debug("Transport close failed", "error", err)
	}
}

// Close marks the session closed and lets the write loop flush and close the
// transport. It is safe to call more than once and from any goroutine.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closeChan)
	})
}

// Done is closed once the transport has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// markPinged stores the probe time and reports whether the peer answered the
// previous probe.
func (c *Connection) markPinged(now time.Time) bool {
	prev := c.lastPing.Swap(now.UnixNano())
	return prev == 0 || c.lastHeartbeat.Load() >= prev
}

package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/yoockh/callguard/internal/models"
)

// Close codes sent to clients.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	ClosePolicyViolation  = 1008
	CloseHeartbeatTimeout = 4000
	CloseSessionEnded     = 4001

	closeAbnormal = 1006
)

var (
	ErrMaxConnections = errors.New("max connections reached")
	ErrShuttingDown   = errors.New("connection manager is shutting down")
	ErrSetupFailed    = errors.New("connection setup failed")
)

// Transport is the subset of *websocket.Conn the manager needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusError
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusError:
		return "ERROR"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Meta describes the remote end at accept time.
type Meta struct {
	RemoteAddr string
	UserAgent  string
}

type SendResult int

const (
	SendRejected SendResult = iota
	SendDelivered
	SendQueued
)

func (r SendResult) String() string {
	switch r {
	case SendDelivered:
		return "delivered"
	case SendQueued:
		return "queued"
	default:
		return "rejected"
	}
}

// Info is a point-in-time copy of a connection's state.
type Info struct {
	ID                string    `json:"id"`
	RemoteAddr        string    `json:"remoteAddr"`
	UserAgent         string    `json:"userAgent"`
	Status            Status    `json:"status"`
	UserID            string    `json:"userId,omitempty"`
	CallID            string    `json:"callId,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`
	AuthenticatedAt   time.Time `json:"authenticatedAt,omitempty"`
	LastHeartbeatAt   time.Time `json:"lastHeartbeatAt"`
	QueuedMessages    int       `json:"queuedMessages"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	MessagesIn        int64     `json:"messagesIn"`
	MessagesOut       int64     `json:"messagesOut"`
	BytesIn           int64     `json:"bytesIn"`
	BytesOut          int64     `json:"bytesOut"`
}

func (i Info) Authenticated() bool { return i.UserID != "" && i.CallID != "" }

// Stats aggregates every live connection.
type Stats struct {
	Active        int            `json:"active"`
	ByStatus      map[string]int `json:"byStatus"`
	Authenticated int            `json:"authenticated"`
	Users         int            `json:"users"`
	Calls         int            `json:"calls"`
	Accepted      int64          `json:"accepted"`
	Refused       int64          `json:"refused"`
	RateLimited   int64          `json:"rateLimited"`
	QueueRejected int64          `json:"queueRejected"`
}

// Observer receives lifecycle and message events. Calls are made from the
// connection's read goroutine, so events for one connection arrive in order.
type Observer interface {
	ConnectionOpened(info Info)
	ConnectionClosed(info Info, code int, reason string)
	MessageReceived(connID string, msg models.Message)
	RateLimited(connID string)
}

type queued struct {
	msg        models.Message
	enqueuedAt time.Time
}

type conn struct {
	id        string
	transport Transport
	meta      Meta

	// guards everything below
	mu sync.Mutex

	status          Status
	userID          string
	callID          string
	connectedAt     time.Time
	authenticatedAt time.Time
	lastHeartbeat   time.Time
	queue           []queued
	reconnects      int

	windowStart time.Time
	windowCount int

	msgsIn, msgsOut   int64
	bytesIn, bytesOut int64
	binarySeq         int64

	closeCode   int
	closeReason string

	// serializes transport writes
	writeMu sync.Mutex
}

// info must be called with c.mu held.
func (c *conn) info() Info {
	return Info{
		ID:                c.id,
		RemoteAddr:        c.meta.RemoteAddr,
		UserAgent:         c.meta.UserAgent,
		Status:            c.status,
		UserID:            c.userID,
		CallID:            c.callID,
		ConnectedAt:       c.connectedAt,
		AuthenticatedAt:   c.authenticatedAt,
		LastHeartbeatAt:   c.lastHeartbeat,
		QueuedMessages:    len(c.queue),
		ReconnectAttempts: c.reconnects,
		MessagesIn:        c.msgsIn,
		MessagesOut:       c.msgsOut,
		BytesIn:           c.bytesIn,
		BytesOut:          c.bytesOut,
	}
}

// allow applies the fixed-window rate limit. Caller holds c.mu.
func (c *conn) allow(now time.Time, window time.Duration, max int) bool {
	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= max
}

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	QueueSize         int
	QueueRetention    time.Duration
	CleanupInterval   time.Duration
	RateLimitWindow   time.Duration
	RateLimitMax      int
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         100,
		QueueRetention:    5 * time.Minute,
		CleanupInterval:   time.Minute,
		RateLimitWindow:   time.Minute,
		RateLimitMax:      1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = d.QueueRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = d.RateLimitMax
	}
	return c
}

// Manager owns every live connection and the user/call indexes. All index
// mutation happens here under mu.
type Manager struct {
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	obsMu    sync.RWMutex
	observer Observer

	mu     sync.RWMutex
	conns  map[string]*conn
	byUser map[string]map[string]struct{}
	byCall map[string]map[string]struct{}

	closing atomic.Bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	readers sync.WaitGroup

	accepted      atomic.Int64
	refused       atomic.Int64
	rateLimited   atomic.Int64
	queueRejected atomic.Int64
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, log *logrus.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if m == nil {
		m = metrics.Noop()
	}
	mgr := &Manager{
		cfg:     cfg.withDefaults(),
		log:     logger.Component(log, "connection"),
		metrics: m,
		now:     time.Now,
		conns:   make(map[string]*conn),
		byUser:  make(map[string]map[string]struct{}),
		byCall:  make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		o(mgr)
	}
	return mgr
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) SetObserver(o Observer) {
	m.obsMu.Lock()
	m.observer = o
	m.obsMu.Unlock()
}

func (m *Manager) obs() Observer {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return m.observer
}

// Start launches the heartbeat and cleanup loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.loops.Add(2)
	go m.tick(ctx, m.cfg.HeartbeatInterval, m.CheckHeartbeats)
	go m.tick(ctx, m.cfg.CleanupInterval, m.Sweep)
}

func (m *Manager) tick(ctx context.Context, every time.Duration, fn func()) {
	defer m.loops.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Accept registers t, acknowledges it and starts its read loop. On any
// failure the transport is closed with a policy-violation code and nothing
// stays registered.
func (m *Manager) Accept(t Transport, meta Meta) (string, error) {
	const op = "ConnectionManager.Accept"

	if m.closing.Load() {
		m.refused.Add(1)
		m.closeTransport(t, CloseServerShutdown, "server shutdown")
		return "", utils.E(utils.CodeUnavailable, op, "server shutting down", ErrShuttingDown)
	}

	c, err := m.register(t, meta)
	if err != nil {
		m.refused.Add(1)
		m.closeTransport(t, ClosePolicyViolation, "max connections reached")
		m.log.WithField("remote_addr", meta.RemoteAddr).Warn("connection refused: max connections reached")
		return "", utils.E(utils.CodeUnavailable, op, "max connections reached", err)
	}

	ack := models.NewMessage(models.MsgConnectionStatus, "", models.ConnectionStatusData{
		Status:       "connected",
		ConnectionID: c.id,
	})
	if err := m.write(c, ack); err != nil {
		m.unregister(c)
		m.refused.Add(1)
		m.closeTransport(t, ClosePolicyViolation, "setup failed")
		m.log.WithError(err).WithField("connection_id", c.id).Warn("connection setup failed")
		return "", utils.E(utils.CodeUnavailable, op, "connection setup failed", errors.Join(ErrSetupFailed, err))
	}

	m.markConnected(c)

	m.accepted.Add(1)
	m.metrics.RecordConnectionOpened()
	c.mu.Lock()
	info := c.info()
	c.mu.Unlock()
	m.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"remote_addr":   meta.RemoteAddr,
	}).Info("connection accepted")

	if o := m.obs(); o != nil {
		o.ConnectionOpened(info)
	}

	m.readers.Add(1)
	go m.readLoop(c)
	return c.id, nil
}

func (m *Manager) register(t Transport, meta Meta) (*conn, error) {
	now := m.now()
	c := &conn{
		id:            uuid.NewString(),
		transport:     t,
		meta:          meta,
		status:        StatusConnecting,
		connectedAt:   now,
		lastHeartbeat: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.cfg.MaxConnections {
		return nil, ErrMaxConnections
	}
	m.conns[c.id] = c
	return c, nil
}

// markConnected drains anything queued while connecting, then flips the
// status so later sends go straight to the transport.
func (m *Manager) markConnected(c *conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.status = StatusConnected
			c.mu.Unlock()
			return
		}
		pending := m.takeFresh(c)
		c.mu.Unlock()

		for _, q := range pending {
			if err := m.write(c, q.msg); err != nil {
				m.log.WithError(err).WithField("connection_id", c.id).Warn("flush of queued message failed")
			}
		}
	}
}

// takeFresh empties the queue and returns the entries still within
// retention. Caller holds c.mu.
func (m *Manager) takeFresh(c *conn) []queued {
	cutoff := m.now().Add(-m.cfg.QueueRetention)
	out := make([]queued, 0, len(c.queue))
	for _, q := range c.queue {
		if q.enqueuedAt.After(cutoff) {
			out = append(out, q)
		}
	}
	c.queue = nil
	return out
}

func (m *Manager) unregister(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.id] == c {
		delete(m.conns, c.id)
	}
	c.mu.Lock()
	m.unindexLocked(c.id, c.userID, c.callID)
	c.mu.Unlock()
}

func (m *Manager) unindexLocked(id, userID, callID string) {
	if set := m.byUser[userID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
	if set := m.byCall[callID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byCall, callID)
		}
	}
}

func (m *Manager) lookup(id string) *conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// write encodes msg and writes it with a deadline. Binary payloads go out as
// binary frames, everything else as JSON text.
func (m *Manager) write(c *conn, msg models.Message) error {
	frameType := websocket.TextMessage
	payload := msg.Binary
	if payload != nil {
		frameType = websocket.BinaryMessage
	} else {
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		payload = b
	}

	c.writeMu.Lock()
	_ = c.transport.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err := c.transport.WriteMessage(frameType, payload)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.msgsOut++
	c.bytesOut += int64(len(payload))
	c.mu.Unlock()
	return nil
}

// Send delivers msg when the transport is open, queues it otherwise, and
// rejects it when the id is unknown or the queue is full.
func (m *Manager) Send(id string, msg models.Message) SendResult {
	c := m.lookup(id)
	if c == nil {
		m.metrics.MessagesOut.WithLabelValues("rejected").Inc()
		return SendRejected
	}

	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
	case StatusDisconnected, StatusError:
		c.mu.Unlock()
		m.metrics.MessagesOut.WithLabelValues("rejected").Inc()
		return SendRejected
	default:
		if len(c.queue) >= m.cfg.QueueSize {
			c.mu.Unlock()
			m.queueRejected.Add(1)
			m.metrics.QueueRejected.Inc()
			m.metrics.MessagesOut.WithLabelValues("rejected").Inc()
			m.log.WithFields(logrus.Fields{
				"connection_id": id,
				"type":          msg.Type,
				"queue_size":    m.cfg.QueueSize,
			}).Warn("outbound queue full, message rejected")
			return SendRejected
		}
		c.queue = append(c.queue, queued{msg: msg, enqueuedAt: m.now()})
		c.mu.Unlock()
		m.metrics.MessagesOut.WithLabelValues("queued").Inc()
		return SendQueued
	}

	if err := m.write(c, msg); err != nil {
		c.mu.Lock()
		if c.status == StatusConnected {
			c.status = StatusError
		}
		c.mu.Unlock()
		m.log.WithError(err).WithFields(logrus.Fields{"connection_id": id, "type": msg.Type}).Warn("write failed")
		m.metrics.MessagesOut.WithLabelValues("failed").Inc()
		// the read loop sees the closed transport and runs the disconnect path
		_ = c.transport.Close()
		return SendRejected
	}
	m.metrics.MessagesOut.WithLabelValues("delivered").Inc()
	return SendDelivered
}

func (m *Manager) BroadcastToCall(callID string, msg models.Message) int {
	return m.broadcast(m.snapshot(m.byCall, callID), msg)
}

func (m *Manager) BroadcastToUser(userID string, msg models.Message) int {
	return m.broadcast(m.snapshot(m.byUser, userID), msg)
}

func (m *Manager) snapshot(index map[string]map[string]struct{}, key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := index[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) broadcast(ids []string, msg models.Message) int {
	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(32)
	for _, id := range ids {
		g.Go(func() error {
			if m.Send(id, msg) == SendDelivered {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// ConnectionsForCall lists connection ids indexed under callID, sorted.
func (m *Manager) ConnectionsForCall(callID string) []string {
	ids := m.snapshot(m.byCall, callID)
	sort.Strings(ids)
	return ids
}

func (m *Manager) ConnectionsForUser(userID string) []string {
	ids := m.snapshot(m.byUser, userID)
	sort.Strings(ids)
	return ids
}

// Authenticate binds a user and call to the connection and indexes it.
func (m *Manager) Authenticate(id, userID, callID string) bool {
	if userID == "" || callID == "" {
		return false
	}

	m.mu.Lock()
	c := m.conns[id]
	if c == nil {
		m.mu.Unlock()
		return false
	}
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	m.unindexLocked(id, c.userID, c.callID)
	c.userID, c.callID = userID, callID
	c.authenticatedAt = m.now()
	c.mu.Unlock()

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][id] = struct{}{}
	if m.byCall[callID] == nil {
		m.byCall[callID] = make(map[string]struct{})
	}
	m.byCall[callID][id] = struct{}{}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"connection_id": id,
		"user_id":       userID,
		"call_id":       callID,
	}).Info("connection authenticated")
	return true
}

// Unauthenticate clears the identity bound by Authenticate and drops the
// connection from the user and call indexes.
func (m *Manager) Unauthenticate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	if c == nil {
		return
	}
	c.mu.Lock()
	m.unindexLocked(id, c.userID, c.callID)
	c.userID, c.callID = "", ""
	c.authenticatedAt = time.Time{}
	c.mu.Unlock()
}

// SetReconnectAttempts records how many reconnects led to this connection.
func (m *Manager) SetReconnectAttempts(id string, n int) {
	if c := m.lookup(id); c != nil {
		c.mu.Lock()
		c.reconnects = n
		c.mu.Unlock()
	}
}

// Touch refreshes liveness, used for transport-level pongs.
func (m *Manager) Touch(id string) {
	if c := m.lookup(id); c != nil {
		c.mu.Lock()
		c.lastHeartbeat = m.now()
		c.mu.Unlock()
	}
}

// Close asks the transport to close. Deregistration happens when the read
// loop observes the close.
func (m *Manager) Close(id string, code int, reason string) bool {
	c := m.lookup(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()

	m.closeTransport(c.transport, code, reason)
	return true
}

func (m *Manager) closeTransport(t Transport, code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = t.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	_ = t.Close()
}

func (m *Manager) Info(id string) (Info, bool) {
	c := m.lookup(id)
	if c == nil {
		return Info{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info(), true
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	st := Stats{
		Active:   len(m.conns),
		ByStatus: make(map[string]int),
		Users:    len(m.byUser),
		Calls:    len(m.byCall),
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		st.ByStatus[c.status.String()]++
		if c.userID != "" {
			st.Authenticated++
		}
		c.mu.Unlock()
	}
	st.Accepted = m.accepted.Load()
	st.Refused = m.refused.Load()
	st.RateLimited = m.rateLimited.Load()
	st.QueueRejected = m.queueRejected.Load()
	return st
}

// Shutdown closes every connection with 1001 and waits for read loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id, CloseServerShutdown, "server shutdown")
	}
	m.log.WithField("count", len(ids)).Info("closing connections for shutdown")

	done := make(chan struct{})
	go func() {
		m.readers.Wait()
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package connection

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/models"
)

func (m *Manager) all() []*conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// CheckHeartbeats pings every connected peer and closes those silent for
// longer than HeartbeatTimeout. Any inbound frame counts as liveness.
func (m *Manager) CheckHeartbeats() {
	now := m.now()
	for _, c := range m.all() {
		c.mu.Lock()
		status, last, callID := c.status, c.lastHeartbeat, c.callID
		c.mu.Unlock()
		if status != StatusConnected {
			continue
		}

		if silent := now.Sub(last); silent > m.cfg.HeartbeatTimeout {
			m.metrics.HeartbeatTimeouts.Inc()
			m.log.WithFields(logrus.Fields{
				"connection_id": c.id,
				"silent_for":    silent.String(),
			}).Warn("heartbeat timeout")
			m.Close(c.id, CloseHeartbeatTimeout, "heartbeat timeout")
			continue
		}

		m.Send(c.id, models.NewMessage(models.MsgHeartbeat, callID, nil))
		_ = c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
	}
}

// Sweep purges queued messages older than QueueRetention and resets
// rate-limit windows that have elapsed.
func (m *Manager) Sweep() {
	now := m.now()
	purged := 0
	for _, c := range m.all() {
		c.mu.Lock()
		if len(c.queue) > 0 {
			before := len(c.queue)
			c.queue = m.takeFresh(c)
			purged += before - len(c.queue)
		}
		if !c.windowStart.IsZero() && now.Sub(c.windowStart) >= m.cfg.RateLimitWindow {
			c.windowStart = time.Time{}
			c.windowCount = 0
		}
		c.mu.Unlock()
	}
	if purged > 0 {
		m.log.WithField("purged", purged).Info("purged stale queued messages")
	}
}

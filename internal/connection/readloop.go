package connection

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

func (m *Manager) readLoop(c *conn) {
	defer m.readers.Done()

	var rerr error
	for {
		mt, data, err := c.transport.ReadMessage()
		if err != nil {
			rerr = err
			break
		}
		m.handleFrame(c, mt, data)
	}
	m.disconnect(c, rerr)
}

func (m *Manager) handleFrame(c *conn, frameType int, data []byte) {
	now := m.now()

	c.mu.Lock()
	c.lastHeartbeat = now
	if !c.allow(now, m.cfg.RateLimitWindow, m.cfg.RateLimitMax) {
		c.mu.Unlock()
		m.rateLimited.Add(1)
		m.metrics.RateLimited.Inc()
		m.log.WithField("connection_id", c.id).Warn("rate limit exceeded, message dropped")
		if o := m.obs(); o != nil {
			o.RateLimited(c.id)
		}
		return
	}
	c.msgsIn++
	c.bytesIn += int64(len(data))
	callID := c.callID
	c.mu.Unlock()

	var msg models.Message
	switch frameType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			m.sendError(c.id, utils.CodeInvalidArgument, "audio payload is empty")
			return
		}
		c.mu.Lock()
		seq := c.binarySeq
		c.binarySeq++
		c.mu.Unlock()
		msg = models.NewMessage(models.MsgAudioChunk, callID, models.AudioChunkData{Seq: &seq})
		msg.Binary = data

	case websocket.TextMessage:
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(c.id, utils.CodeInvalidArgument, "malformed message")
			return
		}
		if msg.Type == "" {
			m.sendError(c.id, utils.CodeInvalidArgument, "message type is required")
			return
		}
		if !msg.Type.Known() {
			m.log.WithFields(logrus.Fields{"connection_id": c.id, "type": msg.Type}).Warn("unknown message type ignored")
			return
		}
		if msg.Type == models.MsgAudioChunk {
			var ad models.AudioChunkData
			if err := msg.Decode(&ad); err != nil {
				m.sendError(c.id, utils.CodeInvalidArgument, "malformed audio chunk")
				return
			}
			if len(ad.Payload) == 0 {
				m.sendError(c.id, utils.CodeInvalidArgument, "audio payload is empty")
				return
			}
		}

	default:
		return
	}

	m.metrics.MessagesIn.WithLabelValues(string(msg.Type)).Inc()

	if msg.Type == models.MsgHeartbeat {
		var hb models.HeartbeatData
		_ = msg.Decode(&hb)
		if !hb.Ack {
			m.Send(c.id, models.NewMessage(models.MsgHeartbeat, callID, models.HeartbeatData{Ack: true}))
		}
		return
	}
	if o := m.obs(); o != nil {
		o.MessageReceived(c.id, msg)
	}
}

func (m *Manager) sendError(id string, code utils.Code, message string) {
	m.Send(id, models.NewMessage(models.MsgError, "", models.ErrorData{Code: string(code), Message: message}))
}

// SendError reports a failure to the peer without closing the connection.
func (m *Manager) SendError(id string, err error) SendResult {
	return m.Send(id, models.NewMessage(models.MsgError, "", models.ErrorData{
		Code:    string(utils.CodeOf(err)),
		Message: utils.SafeMessage(err),
	}))
}

// disconnect is the only path that deregisters a connection.
func (m *Manager) disconnect(c *conn, cause error) {
	m.unregister(c)

	c.mu.Lock()
	c.status = StatusDisconnected
	code, reason := c.closeCode, c.closeReason
	if code == 0 {
		var ce *websocket.CloseError
		if errors.As(cause, &ce) {
			code, reason = ce.Code, ce.Text
		} else {
			code, reason = closeAbnormal, "connection lost"
		}
	}
	c.queue = nil
	info := c.info()
	c.mu.Unlock()

	_ = c.transport.Close()

	m.metrics.RecordConnectionClosed(closeLabel(code))
	entry := m.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"user_id":       info.UserID,
		"call_id":       info.CallID,
		"code":          code,
		"reason":        reason,
	})
	if cause != nil && code == closeAbnormal {
		entry = entry.WithError(cause)
	}
	entry.Info("connection closed")

	if o := m.obs(); o != nil {
		o.ConnectionClosed(info, code, reason)
	}
}

func closeLabel(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseServerShutdown:
		return "server_shutdown"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseSessionEnded:
		return "session_ended"
	default:
		return "abnormal"
	}
}

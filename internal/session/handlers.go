package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

// ConnectionOpened implements connection.Observer.
func (o *Orchestrator) ConnectionOpened(info connection.Info) {}

// ConnectionClosed implements connection.Observer.
func (o *Orchestrator) ConnectionClosed(info connection.Info, code int, reason string) {
	o.OnDisconnect(info.ID)
}

// RateLimited implements connection.Observer.
func (o *Orchestrator) RateLimited(connID string) {
	o.log.WithField("connection_id", connID).Debug("message dropped by rate limit")
}

// MessageReceived routes a validated client message.
func (o *Orchestrator) MessageReceived(connID string, msg models.Message) {
	switch msg.Type {
	case models.MsgSessionStart:
		o.handleSessionStart(connID, msg)
	case models.MsgAudioChunk:
		o.handleAudioChunk(connID, msg)
	case models.MsgSessionEnd:
		o.handleSessionEnd(connID, msg)
	case models.MsgReconnect:
		o.handleReconnect(connID, msg)
	default:
		o.log.WithFields(logrus.Fields{"connection_id": connID, "type": msg.Type}).Debug("message type not handled by client")
	}
}

func (o *Orchestrator) handleSessionStart(connID string, msg models.Message) {
	const op = "Orchestrator.handleSessionStart"

	var d models.SessionStartData
	if err := msg.Decode(&d); err != nil {
		o.gw.SendError(connID, utils.E(utils.CodeInvalidArgument, op, "malformed session start", err))
		return
	}
	if d.CallID == "" {
		d.CallID = msg.CallID
	}
	if _, busy := o.SessionForConnection(connID); busy {
		o.gw.SendError(connID, utils.E(utils.CodeConflict, op, "connection already has a session", nil))
		return
	}
	if err := o.AuthenticateTransport(d.AuthToken, d.UserID, d.CallID); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"connection_id": connID, "user_id": d.UserID}).Warn("session start rejected")
		o.gw.SendError(connID, err)
		return
	}
	if o.callBusy(d.CallID) {
		o.gw.SendError(connID, utils.E(utils.CodeConflict, op, "call already has a live session", nil))
		return
	}
	if !o.gw.Authenticate(connID, d.UserID, d.CallID) {
		return
	}
	cs, err := o.StartSession(connID, d.UserID, d.CallID)
	if err != nil {
		// a rejected start must not leave the connection indexed under the call
		o.gw.Unauthenticate(connID)
		o.gw.SendError(connID, err)
		return
	}
	o.gw.Send(connID, models.NewMessage(models.MsgConnectionStatus, cs.CallID, models.ConnectionStatusData{
		Status:       "session_started",
		ConnectionID: connID,
		SessionID:    cs.SessionID,
	}))
}

func (o *Orchestrator) handleAudioChunk(connID string, msg models.Message) {
	const op = "Orchestrator.handleAudioChunk"

	o.mu.Lock()
	var s *callSession
	if sid, ok := o.byConn[connID]; ok {
		s = o.sessions[sid]
	}
	if s == nil || s.state != StateActive {
		o.mu.Unlock()
		o.gw.SendError(connID, utils.E(utils.CodeUnauthorized, op, "no active session for connection", nil))
		return
	}
	sessionID, callID, userID := s.id, s.callID, s.userID

	var d models.AudioChunkData
	_ = msg.Decode(&d)
	payload := msg.Binary
	if len(payload) == 0 {
		payload = d.Payload
	}
	seq := s.nextSeq
	if d.Seq != nil {
		seq = *d.Seq
	}
	if seq >= s.nextSeq {
		s.nextSeq = seq + 1
	}
	o.mu.Unlock()

	chunk := models.AudioChunk{
		CallID:     callID,
		Seq:        seq,
		Payload:    payload,
		SampleRate: d.SampleRate,
		Channels:   d.Channels,
	}
	if d.CapturedAt > 0 {
		chunk.CapturedAt = time.UnixMilli(d.CapturedAt)
	}

	seg, err := o.audio.ProcessChunk(chunk)
	if err != nil {
		switch utils.CodeOf(err) {
		case utils.CodeProcessing:
			o.log.WithError(err).WithFields(logrus.Fields{"call_id": callID, "seq": seq}).Warn("audio chunk failed")
		default:
			o.gw.SendError(connID, err)
		}
		return
	}
	if seg != nil && o.sink != nil {
		if !o.sink.Submit(sessionID, userID, *seg) {
			o.log.WithFields(logrus.Fields{"session_id": sessionID, "seq": seg.Seq}).Warn("speech segment dropped, pipeline busy")
		}
	}
}

func (o *Orchestrator) handleSessionEnd(connID string, msg models.Message) {
	const op = "Orchestrator.handleSessionEnd"

	cs, ok := o.SessionForConnection(connID)
	if !ok {
		o.gw.SendError(connID, utils.E(utils.CodeNotFound, op, "no session for connection", nil))
		return
	}
	var d models.SessionEndData
	_ = msg.Decode(&d)
	if d.SessionID != "" && d.SessionID != cs.SessionID {
		o.gw.SendError(connID, utils.E(utils.CodeInvalidArgument, op, "session does not belong to connection", nil))
		return
	}
	if err := o.EndSession(cs.SessionID, ReasonClientEnd); err != nil {
		o.gw.SendError(connID, err)
		return
	}
	o.gw.Send(connID, models.NewMessage(models.MsgConnectionStatus, cs.CallID, models.ConnectionStatusData{
		Status:       "session_ended",
		ConnectionID: connID,
		SessionID:    cs.SessionID,
		Reason:       ReasonClientEnd,
	}))
}

func (o *Orchestrator) handleReconnect(connID string, msg models.Message) {
	const op = "Orchestrator.handleReconnect"

	var d models.ReconnectData
	if err := msg.Decode(&d); err != nil {
		o.gw.SendError(connID, utils.E(utils.CodeInvalidArgument, op, "malformed reconnect", err))
		return
	}
	if _, err := o.Reconnect(connID, d.PreviousConnectionID, d.SessionID, d.AuthToken); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"connection_id": connID,
			"previous":      d.PreviousConnectionID,
			"session_id":    d.SessionID,
		}).Warn("reconnect rejected")
		o.gw.SendError(connID, err)
	}
}

// StreamStarted implements audio.Observer.
func (o *Orchestrator) StreamStarted(callID string) {}

// StreamStopped implements audio.Observer. A stream stopped underneath a
// live session (idle cleanup) ends that session.
func (o *Orchestrator) StreamStopped(callID string, stats models.StreamStats) {
	o.mu.Lock()
	sid, ok := o.byCall[callID]
	var live bool
	if ok {
		s := o.sessions[sid]
		live = s != nil && s.state != StateEnded
	}
	o.mu.Unlock()
	if live {
		_ = o.end(sid, ReasonAudioIdle, &stats)
	}
}

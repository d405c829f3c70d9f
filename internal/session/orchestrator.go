// Package session binds authenticated connections to call sessions and
// carries them across transport drops. With auth enabled, RECONNECT must
// carry an authToken whose subject is the session's user, the same as
// SESSION_START.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/audio"
	"github.com/yoockh/callguard/internal/auth"
	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/services"
	"github.com/yoockh/callguard/internal/utils"
)

// Gateway is the part of the connection manager the orchestrator drives.
type Gateway interface {
	Send(id string, msg models.Message) connection.SendResult
	SendError(id string, err error) connection.SendResult
	Authenticate(id, userID, callID string) bool
	Unauthenticate(id string)
	Info(id string) (connection.Info, bool)
	Close(id string, code int, reason string) bool
	SetReconnectAttempts(id string, n int)
}

type AudioProcessor interface {
	StartStream(callID string, opts audio.Options) error
	ProcessChunk(chunk models.AudioChunk) (*models.SpeechSegment, error)
	StopStream(callID string) ([]models.SpeechSegment, error)
	HasStream(callID string) bool
	StreamStats(callID string) (models.StreamStats, bool)
}

type TokenVerifier interface {
	VerifySubject(raw, userID string) (*auth.Claims, error)
}

// SegmentSink receives detected speech. Submit must not block.
type SegmentSink interface {
	Submit(sessionID, userID string, seg models.SpeechSegment) bool
}

type Config struct {
	EnableAuth           bool
	EnableReconnect      bool
	ReconnectTimeout     time.Duration // default 60s
	MaxReconnectAttempts int           // default 5
	SweepInterval        time.Duration // default 1s
	EndedRetention       time.Duration // how long ended sessions stay queryable, default 10m
	PersistTimeout       time.Duration // default 3s
	Audio                audio.Options
}

func (c Config) withDefaults() Config {
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 60 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.EndedRetention <= 0 {
		c.EndedRetention = 10 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 3 * time.Second
	}
	return c
}

type Deps struct {
	Gateway  Gateway
	Audio    AudioProcessor
	Verifier TokenVerifier
	Records  RecordStore
	Store    services.SessionService // optional
	Sink     SegmentSink            // optional
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type callSession struct {
	id     string
	callID string
	userID string

	connID     string
	state      State
	startedAt  time.Time
	reconnects int
	history    []string
	nextSeq    int64

	priorConnID       string
	reconnectDeadline time.Time

	endedAt   time.Time
	endReason string
}

func (s *callSession) snapshot() models.CallSession {
	out := models.CallSession{
		SessionID:         s.id,
		CallID:            s.callID,
		UserID:            s.userID,
		ConnectionID:      s.connID,
		ConnectionHistory: append([]string(nil), s.history...),
		State:             s.state.String(),
		ReconnectAttempts: s.reconnects,
		StartedAt:         s.startedAt,
		EndReason:         s.endReason,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		out.EndedAt = &t
	}
	return out
}

// Orchestrator owns call sessions and reconnection. It observes the
// connection manager and the audio processor.
type Orchestrator struct {
	cfg      Config
	gw       Gateway
	audio    AudioProcessor
	verifier TokenVerifier
	records  RecordStore
	store    services.SessionService
	sink     SegmentSink
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*callSession
	byConn   map[string]string // connection id -> session id
	byCall   map[string]string // call id -> live session id

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, d Deps) *Orchestrator {
	m := d.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		gw:       d.Gateway,
		audio:    d.Audio,
		verifier: d.Verifier,
		records:  d.Records,
		store:    d.Store,
		sink:     d.Sink,
		log:      logger.Component(d.Logger, "session"),
		metrics:  m,
		now:      now,
		sessions: make(map[string]*callSession),
		byConn:   make(map[string]string),
		byCall:   make(map[string]string),
	}
}

// SetSink attaches the downstream segment consumer. Call before traffic starts.
func (o *Orchestrator) SetSink(s SegmentSink) { o.sink = s }

// Start runs the reconnection expiry sweep.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(o.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				o.ExpireReconnections()
				o.pruneEnded()
			}
		}
	}()
}

func (o *Orchestrator) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
}

// transition moves s to next. Caller holds o.mu.
func (o *Orchestrator) transition(s *callSession, next State) error {
	if !CanTransition(s.state, next) {
		return utils.E(utils.CodeConflict, "Orchestrator.transition",
			fmt.Sprintf("illegal session transition %s -> %s", s.state, next), nil)
	}
	s.state = next
	return nil
}

// AuthenticateTransport validates a session token for userID. With auth
// disabled only the ids are checked.
func (o *Orchestrator) AuthenticateTransport(token, userID, callID string) error {
	const op = "Orchestrator.AuthenticateTransport"

	if userID == "" || callID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "userId and callId are required", nil)
	}
	if !o.cfg.EnableAuth {
		return nil
	}
	if o.verifier == nil {
		return utils.E(utils.CodeInternal, op, "token verifier is not configured", nil)
	}
	if _, err := o.verifier.VerifySubject(token, userID); err != nil {
		return err
	}
	return nil
}

// StartSession opens a session for an authenticated connection and starts
// the call's audio stream.
func (o *Orchestrator) StartSession(connID, userID, callID string) (models.CallSession, error) {
	const op = "Orchestrator.StartSession"

	if connID == "" || userID == "" || callID == "" {
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "connectionId, userId and callId are required", nil)
	}
	info, ok := o.gw.Info(connID)
	if !ok {
		return models.CallSession{}, utils.E(utils.CodeNotFound, op, "connection not found", nil)
	}
	if info.UserID != userID || info.CallID != callID {
		return models.CallSession{}, utils.E(utils.CodeUnauthorized, op, "connection is not authenticated for this call", nil)
	}

	now := o.now()
	s := &callSession{
		id:        uuid.NewString(),
		callID:    callID,
		userID:    userID,
		connID:    connID,
		state:     StateUnauthenticated,
		startedAt: now,
		history:   []string{connID},
	}

	o.mu.Lock()
	if sid, busy := o.byConn[connID]; busy {
		o.mu.Unlock()
		return models.CallSession{}, utils.E(utils.CodeConflict, op, fmt.Sprintf("connection already owns session %s", sid), nil)
	}
	if _, busy := o.byCall[callID]; busy {
		o.mu.Unlock()
		return models.CallSession{}, utils.E(utils.CodeConflict, op, "call already has a live session", nil)
	}
	_ = o.transition(s, StateAuthenticated)
	o.sessions[s.id] = s
	o.byConn[connID] = s.id
	o.byCall[callID] = s.id
	o.mu.Unlock()

	if err := o.audio.StartStream(callID, o.cfg.Audio); err != nil {
		o.mu.Lock()
		delete(o.sessions, s.id)
		delete(o.byConn, connID)
		delete(o.byCall, callID)
		o.mu.Unlock()
		return models.CallSession{}, err
	}

	o.mu.Lock()
	_ = o.transition(s, StateActive)
	snap := s.snapshot()
	o.mu.Unlock()

	o.metrics.RecordSessionStart()
	o.log.WithFields(logrus.Fields{
		"session_id":    s.id,
		"call_id":       callID,
		"user_id":       userID,
		"connection_id": connID,
	}).Info("session started")

	if o.store != nil {
		ctx, cancel := o.persistCtx()
		if err := o.store.Started(ctx, snap); err != nil {
			o.log.WithError(err).WithField("session_id", s.id).Warn("persist session start failed")
		}
		cancel()
	}
	return snap, nil
}

// EndSession stops the call's audio, clears bookkeeping and persists the
// outcome. Ending an already ended session is a no-op.
func (o *Orchestrator) EndSession(sessionID, reason string) error {
	return o.end(sessionID, reason, nil)
}

// end finishes a session. final carries the stream's stats when the audio
// stream is already gone.
func (o *Orchestrator) end(sessionID, reason string, final *models.StreamStats) error {
	const op = "Orchestrator.EndSession"

	o.mu.Lock()
	s := o.sessions[sessionID]
	if s == nil {
		o.mu.Unlock()
		return utils.E(utils.CodeNotFound, op, "session not found", nil)
	}
	if s.state == StateEnded {
		o.mu.Unlock()
		return nil
	}
	if err := o.transition(s, StateEnded); err != nil {
		o.mu.Unlock()
		return err
	}
	s.endedAt = o.now()
	s.endReason = reason
	connID, prior := s.connID, s.priorConnID
	if connID != "" && o.byConn[connID] == s.id {
		delete(o.byConn, connID)
	}
	if o.byCall[s.callID] == s.id {
		delete(o.byCall, s.callID)
	}
	s.priorConnID = ""
	snap := s.snapshot()
	o.mu.Unlock()

	if prior != "" && o.records != nil {
		ctx, cancel := o.persistCtx()
		_ = o.records.Delete(ctx, prior)
		cancel()
	}

	var stats models.StreamStats
	var drained []models.SpeechSegment
	if final != nil {
		stats = *final
	} else {
		stats, _ = o.audio.StreamStats(s.callID)
		var err error
		if drained, err = o.audio.StopStream(s.callID); err != nil {
			o.log.WithError(err).WithField("call_id", s.callID).Debug("stop audio stream")
		}
	}

	o.metrics.RecordSessionEnd(reason, snap.EndedAt.Sub(snap.StartedAt).Seconds())
	o.log.WithFields(logrus.Fields{
		"session_id":       s.id,
		"call_id":          s.callID,
		"reason":           reason,
		"reconnects":       snap.ReconnectAttempts,
		"drained_segments": len(drained),
	}).Info("session ended")

	if o.store != nil {
		ctx, cancel := o.persistCtx()
		if err := o.store.Ended(ctx, snap, stats); err != nil {
			o.log.WithError(err).WithField("session_id", s.id).Warn("persist session end failed")
		}
		cancel()
	}

	if connID != "" && closesConnection(reason) {
		o.gw.Close(connID, connection.CloseSessionEnded, "session ended")
	}
	return nil
}

// closesConnection is true for server-side ends while a client may still be attached.
func closesConnection(reason string) bool {
	switch reason {
	case ReasonClientEnd, ReasonServerShutdown, ReasonDisconnected, ReasonReconnectLimit, ReasonReconnectExpired:
		return false
	}
	return true
}

// OnDisconnect parks an active session for reconnection, or ends it when
// reconnection is disabled or exhausted.
func (o *Orchestrator) OnDisconnect(connID string) {
	now := o.now()

	o.mu.Lock()
	sid, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return
	}
	s := o.sessions[sid]
	delete(o.byConn, connID)
	if s == nil || s.state != StateActive {
		o.mu.Unlock()
		return
	}

	if !o.cfg.EnableReconnect || s.reconnects >= o.cfg.MaxReconnectAttempts {
		reason := ReasonDisconnected
		if o.cfg.EnableReconnect {
			reason = ReasonReconnectLimit
		}
		s.connID = ""
		o.mu.Unlock()
		_ = o.EndSession(sid, reason)
		return
	}

	_ = o.transition(s, StateReconnecting)
	s.connID = ""
	s.priorConnID = connID
	s.reconnectDeadline = now.Add(o.cfg.ReconnectTimeout)
	rec := models.ReconnectionRecord{
		PriorConnectionID: connID,
		SessionID:         s.id,
		UserID:            s.userID,
		CallID:            s.callID,
		DisconnectedAt:    now,
		Attempts:          s.reconnects,
		ExpiresAt:         s.reconnectDeadline,
	}
	o.mu.Unlock()

	ctx, cancel := o.persistCtx()
	defer cancel()
	// the store TTL is a backstop; expiry is decided by ExpiresAt
	if err := o.records.Put(ctx, rec, o.cfg.ReconnectTimeout+time.Minute); err != nil {
		o.log.WithError(err).WithField("session_id", sid).Error("store reconnection record failed")
		_ = o.EndSession(sid, ReasonDisconnected)
		return
	}
	if o.store != nil {
		if err := o.store.Suspended(ctx, sid); err != nil {
			o.log.WithError(err).WithField("session_id", sid).Warn("persist session suspend failed")
		}
	}
	o.log.WithFields(logrus.Fields{
		"session_id":    sid,
		"connection_id": connID,
		"expires_at":    rec.ExpiresAt,
	}).Info("session awaiting reconnection")
}

// Reconnect moves a parked session onto newConnID. An unknown, mismatched or
// expired record is INVALID_ARGUMENT; an expired one also ends the session.
func (o *Orchestrator) Reconnect(newConnID, priorConnID, sessionID, token string) (models.CallSession, error) {
	const op = "Orchestrator.Reconnect"

	if newConnID == "" || priorConnID == "" || sessionID == "" {
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "previousConnectionId and sessionId are required", nil)
	}

	ctx, cancel := o.persistCtx()
	defer cancel()

	rec, ok, err := o.records.Get(ctx, priorConnID)
	if err != nil {
		o.metrics.Reconnects.WithLabelValues("error").Inc()
		return models.CallSession{}, utils.E(utils.CodeUnavailable, op, "reconnection store unavailable", err)
	}
	if !ok {
		o.metrics.Reconnects.WithLabelValues("unknown").Inc()
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "no reconnection record for previous connection", nil)
	}
	if rec.SessionID != sessionID {
		o.metrics.Reconnects.WithLabelValues("mismatch").Inc()
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "session does not match reconnection record", nil)
	}
	if rec.Expired(o.now()) {
		o.metrics.Reconnects.WithLabelValues("expired").Inc()
		_ = o.records.Delete(ctx, priorConnID)
		_ = o.EndSession(sessionID, ReasonReconnectExpired)
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "reconnection window expired", nil)
	}
	if o.cfg.EnableAuth {
		if err := o.AuthenticateTransport(token, rec.UserID, rec.CallID); err != nil {
			o.metrics.Reconnects.WithLabelValues("unauthorized").Inc()
			return models.CallSession{}, err
		}
	}

	o.mu.Lock()
	s := o.sessions[sessionID]
	if s == nil || s.state != StateReconnecting || s.priorConnID != priorConnID {
		o.mu.Unlock()
		o.metrics.Reconnects.WithLabelValues("stale").Inc()
		return models.CallSession{}, utils.E(utils.CodeInvalidArgument, op, "session is not awaiting reconnection", nil)
	}
	if _, busy := o.byConn[newConnID]; busy {
		o.mu.Unlock()
		return models.CallSession{}, utils.E(utils.CodeConflict, op, "connection already owns a session", nil)
	}
	if !o.gw.Authenticate(newConnID, rec.UserID, rec.CallID) {
		o.mu.Unlock()
		return models.CallSession{}, utils.E(utils.CodeNotFound, op, "connection not found", nil)
	}
	_ = o.transition(s, StateActive)
	s.reconnects++
	s.connID = newConnID
	s.history = append(s.history, newConnID)
	s.priorConnID = ""
	s.reconnectDeadline = time.Time{}
	o.byConn[newConnID] = s.id
	attempts := s.reconnects
	snap := s.snapshot()
	o.mu.Unlock()

	_ = o.records.Delete(ctx, priorConnID)

	if !o.audio.HasStream(s.callID) {
		if err := o.audio.StartStream(s.callID, o.cfg.Audio); err != nil {
			o.log.WithError(err).WithField("call_id", s.callID).Warn("restart audio stream failed")
		}
	}
	o.gw.SetReconnectAttempts(newConnID, attempts)

	if o.store != nil {
		if err := o.store.Reattached(ctx, s.id, newConnID, attempts); err != nil {
			o.log.WithError(err).WithField("session_id", s.id).Warn("persist reconnect failed")
		}
	}

	o.gw.Send(newConnID, models.NewMessage(models.MsgConnectionStatus, s.callID, models.ConnectionStatusData{
		Status:       "reconnected",
		ConnectionID: newConnID,
		SessionID:    s.id,
	}))

	o.metrics.Reconnects.WithLabelValues("success").Inc()
	o.log.WithFields(logrus.Fields{
		"session_id":    s.id,
		"connection_id": newConnID,
		"previous":      priorConnID,
		"attempt":       attempts,
	}).Info("session reconnected")
	return snap, nil
}

// ExpireReconnections ends every parked session whose window has closed and
// returns how many were ended.
func (o *Orchestrator) ExpireReconnections() int {
	now := o.now()

	o.mu.Lock()
	var expired []string
	var priors []string
	for id, s := range o.sessions {
		if s.state == StateReconnecting && !now.Before(s.reconnectDeadline) {
			expired = append(expired, id)
			priors = append(priors, s.priorConnID)
		}
	}
	o.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	ctx, cancel := o.persistCtx()
	defer cancel()
	for i, id := range expired {
		_ = o.records.Delete(ctx, priors[i])
		_ = o.EndSession(id, ReasonReconnectExpired)
		o.metrics.Reconnects.WithLabelValues("expired").Inc()
	}
	o.log.WithField("count", len(expired)).Info("reconnection windows expired")
	return len(expired)
}

func (o *Orchestrator) pruneEnded() {
	cutoff := o.now().Add(-o.cfg.EndedRetention)
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, s := range o.sessions {
		if s.state == StateEnded && s.endedAt.Before(cutoff) {
			delete(o.sessions, id)
		}
	}
}

// Deliver sends pipeline output to the session's current connection.
func (o *Orchestrator) Deliver(sessionID string, msg models.Message) connection.SendResult {
	o.mu.Lock()
	s := o.sessions[sessionID]
	var connID string
	if s != nil && s.state == StateActive {
		connID = s.connID
	}
	o.mu.Unlock()
	if connID == "" {
		return connection.SendRejected
	}
	return o.gw.Send(connID, msg)
}

func (o *Orchestrator) Session(sessionID string) (models.CallSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		return models.CallSession{}, false
	}
	return s.snapshot(), true
}

func (o *Orchestrator) SessionForConnection(connID string) (models.CallSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sid, ok := o.byConn[connID]
	if !ok {
		return models.CallSession{}, false
	}
	return o.sessions[sid].snapshot(), true
}

// callBusy reports whether callID is owned by a live or reconnecting session.
func (o *Orchestrator) callBusy(callID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.byCall[callID]
	return busy
}

type Stats struct {
	Active       int `json:"active"`
	Reconnecting int `json:"reconnecting"`
	Ended        int `json:"endedRetained"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	var st Stats
	for _, s := range o.sessions {
		switch s.state {
		case StateActive:
			st.Active++
		case StateReconnecting:
			st.Reconnecting++
		case StateEnded:
			st.Ended++
		}
	}
	return st
}

// Shutdown stops the sweep and ends every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	o.mu.Lock()
	var live []string
	for id, s := range o.sessions {
		if s.state != StateEnded {
			live = append(live, id)
		}
	}
	o.mu.Unlock()

	for _, id := range live {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = o.EndSession(id, ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

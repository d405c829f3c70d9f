package connection

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

func accept(t *testing.T, m *Manager) (string, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	id, err := m.Accept(tr, Meta{RemoteAddr: "10.0.0.1:5000", UserAgent: "test"})
	require.NoError(t, err)
	return id, tr
}

func TestAccept_AcknowledgesAndRegisters(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})

	id, tr := accept(t, m)

	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgConnectionStatus, msgs[0].Type)
	var st models.ConnectionStatusData
	require.NoError(t, msgs[0].Decode(&st))
	assert.Equal(t, "connected", st.Status)
	assert.Equal(t, id, st.ConnectionID)

	info, ok := m.Info(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, info.Status)
	assert.Equal(t, "10.0.0.1:5000", info.RemoteAddr)
	assert.False(t, info.Authenticated())

	rec.mu.Lock()
	require.Len(t, rec.opened, 1)
	assert.Equal(t, id, rec.opened[0].ID)
	rec.mu.Unlock()
}

func TestAccept_RefusesOverCapacity(t *testing.T) {
	m, _, rec := newTestManager(t, Config{MaxConnections: 1})
	accept(t, m)

	tr := newFakeTransport()
	_, err := m.Accept(tr, Meta{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxConnections)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	assert.True(t, tr.isClosed())
	assert.Equal(t, ClosePolicyViolation, tr.closeCode())
	assert.Equal(t, 1, m.Stats().Active)
	assert.Equal(t, int64(1), m.Stats().Refused)
	rec.mu.Lock()
	assert.Len(t, rec.opened, 1)
	rec.mu.Unlock()
}

func TestAccept_SetupFailureNeverRegisters(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	tr := newFakeTransport()
	tr.writeErr = errors.New("broken pipe")

	_, err := m.Accept(tr, Meta{})
	require.ErrorIs(t, err, ErrSetupFailed)
	assert.Equal(t, 0, m.Stats().Active)
	assert.Equal(t, ClosePolicyViolation, tr.closeCode())
	rec.mu.Lock()
	assert.Empty(t, rec.opened)
	rec.mu.Unlock()
}

func TestHeartbeat_SilentConnectionIsClosed(t *testing.T) {
	m, clock, rec := newTestManager(t, Config{HeartbeatInterval: 30 * time.Second})
	id, tr := accept(t, m)
	require.True(t, m.Authenticate(id, "u1", "c1"))

	clock.Advance(61 * time.Second)
	m.CheckHeartbeats()

	require.Eventually(t, func() bool { return len(rec.closedEvents()) == 1 }, waitFor, tick)
	ev := rec.closedEvents()[0]
	assert.Equal(t, CloseHeartbeatTimeout, ev.code)
	assert.Equal(t, "u1", ev.info.UserID)
	assert.Equal(t, CloseHeartbeatTimeout, tr.closeCode())

	_, ok := m.Info(id)
	assert.False(t, ok)
	assert.Empty(t, m.ConnectionsForCall("c1"))
	assert.Empty(t, m.ConnectionsForUser("u1"))
}

func TestHeartbeat_AnyTrafficKeepsConnectionAlive(t *testing.T) {
	m, clock, rec := newTestManager(t, Config{HeartbeatInterval: 30 * time.Second})
	id, tr := accept(t, m)

	for i := 0; i < 4; i++ {
		clock.Advance(50 * time.Second)
		tr.sendText(t, models.NewMessage(models.MsgSessionEnd, "c1", nil))
		want := i + 1
		require.Eventually(t, func() bool { return rec.receivedCount() == want }, waitFor, tick)
		m.CheckHeartbeats()
	}

	info, ok := m.Info(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, info.Status)
	assert.Empty(t, rec.closedEvents())
	assert.Len(t, tr.messagesOfType(t, models.MsgHeartbeat), 4)
}

func TestHeartbeat_ExactlyAtTimeoutStaysOpen(t *testing.T) {
	m, clock, rec := newTestManager(t, Config{HeartbeatInterval: 30 * time.Second})
	id, _ := accept(t, m)

	clock.Advance(60 * time.Second)
	m.CheckHeartbeats()

	_, ok := m.Info(id)
	assert.True(t, ok)
	assert.Empty(t, rec.closedEvents())
}

func TestTouch_RefreshesLiveness(t *testing.T) {
	m, clock, rec := newTestManager(t, Config{HeartbeatInterval: 30 * time.Second})
	id, _ := accept(t, m)

	clock.Advance(50 * time.Second)
	m.Touch(id)
	clock.Advance(50 * time.Second)
	m.CheckHeartbeats()

	assert.Empty(t, rec.closedEvents())
}

func TestRateLimit_MaxMessagesNeverDrops(t *testing.T) {
	m, _, rec := newTestManager(t, Config{RateLimitMax: 5, RateLimitWindow: time.Minute})
	id, tr := accept(t, m)

	for i := 0; i < 5; i++ {
		tr.sendText(t, models.NewMessage(models.MsgSessionEnd, "", nil))
	}
	require.Eventually(t, func() bool { return rec.receivedCount() == 5 }, waitFor, tick)
	assert.Equal(t, 0, rec.rateLimitedCount())

	info, _ := m.Info(id)
	assert.Equal(t, StatusConnected, info.Status)
}

func TestRateLimit_OneOverMaxDropsExactlyOne(t *testing.T) {
	m, _, rec := newTestManager(t, Config{RateLimitMax: 5, RateLimitWindow: time.Minute})
	id, tr := accept(t, m)

	for i := 0; i < 6; i++ {
		tr.sendText(t, models.NewMessage(models.MsgSessionEnd, "", nil))
	}
	require.Eventually(t, func() bool { return rec.rateLimitedCount() == 1 }, waitFor, tick)
	assert.Equal(t, 5, rec.receivedCount())
	assert.Equal(t, int64(1), m.Stats().RateLimited)

	info, ok := m.Info(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, info.Status)
	// nothing is sent back for dropped messages
	assert.Empty(t, tr.messagesOfType(t, models.MsgError))
}

func TestRateLimit_WindowResets(t *testing.T) {
	m, clock, rec := newTestManager(t, Config{RateLimitMax: 2, RateLimitWindow: time.Minute})
	_, tr := accept(t, m)

	for i := 0; i < 3; i++ {
		tr.sendText(t, models.NewMessage(models.MsgSessionEnd, "", nil))
	}
	require.Eventually(t, func() bool { return rec.rateLimitedCount() == 1 }, waitFor, tick)

	clock.Advance(time.Minute)
	tr.sendText(t, models.NewMessage(models.MsgSessionEnd, "", nil))
	require.Eventually(t, func() bool { return rec.receivedCount() == 3 }, waitFor, tick)
	assert.Equal(t, 1, rec.rateLimitedCount())
}

func TestSend_QueueRejectsNewestWhenFull(t *testing.T) {
	m, _, _ := newTestManager(t, Config{QueueSize: 3})
	tr := newFakeTransport()
	c, err := m.register(tr, Meta{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, SendQueued, m.Send(c.id, models.NewMessage(models.MsgTranscript, "c1", map[string]int{"n": i})))
	}
	assert.Equal(t, SendRejected, m.Send(c.id, models.NewMessage(models.MsgTranscript, "c1", map[string]int{"n": 99})))
	assert.Equal(t, int64(1), m.Stats().QueueRejected)

	info, _ := m.Info(c.id)
	assert.Equal(t, 3, info.QueuedMessages)

	m.markConnected(c)
	msgs := tr.messages(t)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		var d map[string]int
		require.NoError(t, json.Unmarshal(msg.Data, &d))
		assert.Equal(t, i, d["n"], "queued messages keep their order; the rejected one never appears")
	}

	assert.Equal(t, SendDelivered, m.Send(c.id, models.NewMessage(models.MsgTranscript, "c1", nil)))
}

func TestSweep_PurgesStaleQueuedMessages(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{QueueRetention: 5 * time.Minute})
	c, err := m.register(newFakeTransport(), Meta{})
	require.NoError(t, err)

	m.Send(c.id, models.NewMessage(models.MsgTranscript, "", nil))
	clock.Advance(4 * time.Minute)
	m.Send(c.id, models.NewMessage(models.MsgTranscript, "", nil))
	clock.Advance(2 * time.Minute)
	m.Sweep()

	info, _ := m.Info(c.id)
	assert.Equal(t, 1, info.QueuedMessages)
}

func TestSend_UnknownConnection(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	assert.Equal(t, SendRejected, m.Send("missing", models.NewMessage(models.MsgHeartbeat, "", nil)))
}

func TestSend_WriteFailureClosesConnection(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	id, tr := accept(t, m)

	tr.mu.Lock()
	tr.writeErr = errors.New("reset by peer")
	tr.mu.Unlock()

	assert.Equal(t, SendRejected, m.Send(id, models.NewMessage(models.MsgTranscript, "", nil)))
	require.Eventually(t, func() bool { return len(rec.closedEvents()) == 1 }, waitFor, tick)
	_, ok := m.Info(id)
	assert.False(t, ok)
}

func TestSend_ErroredConnectionRejects(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id, tr := accept(t, m)

	c := m.lookup(id)
	require.NotNil(t, c)
	c.mu.Lock()
	c.status = StatusError
	c.mu.Unlock()

	assert.Equal(t, SendRejected, m.Send(id, models.NewMessage(models.MsgTranscript, "", nil)))
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	assert.Zero(t, queued)
	assert.Empty(t, tr.messagesOfType(t, models.MsgTranscript))
}

func TestBroadcast_CountsDeliveries(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	a, ta := accept(t, m)
	b, tb := accept(t, m)
	c, tc := accept(t, m)
	require.True(t, m.Authenticate(a, "u1", "c1"))
	require.True(t, m.Authenticate(b, "u2", "c1"))
	require.True(t, m.Authenticate(c, "u1", "c2"))

	msg := models.NewMessage(models.MsgAIResponse, "c1", models.AIResponseData{Text: "hi"})
	assert.Equal(t, 2, m.BroadcastToCall("c1", msg))
	assert.Equal(t, 2, m.BroadcastToUser("u1", msg))
	assert.Equal(t, 0, m.BroadcastToCall("nobody", msg))

	assert.Len(t, ta.messagesOfType(t, models.MsgAIResponse), 2)
	assert.Len(t, tb.messagesOfType(t, models.MsgAIResponse), 1)
	assert.Len(t, tc.messagesOfType(t, models.MsgAIResponse), 1)
}

func TestAuthenticate(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id, _ := accept(t, m)

	assert.False(t, m.Authenticate(id, "", "c1"))
	assert.False(t, m.Authenticate(id, "u1", ""))
	assert.False(t, m.Authenticate("missing", "u1", "c1"))

	require.True(t, m.Authenticate(id, "u1", "c1"))
	assert.Equal(t, []string{id}, m.ConnectionsForCall("c1"))

	// rebinding moves the index entries
	require.True(t, m.Authenticate(id, "u1", "c2"))
	assert.Empty(t, m.ConnectionsForCall("c1"))
	assert.Equal(t, []string{id}, m.ConnectionsForCall("c2"))

	info, _ := m.Info(id)
	assert.True(t, info.Authenticated())
	assert.False(t, info.AuthenticatedAt.IsZero())

	st := m.Stats()
	assert.Equal(t, 1, st.Authenticated)
	assert.Equal(t, 1, st.Calls)
	assert.Equal(t, 1, st.Users)
}

func TestUnauthenticate_DropsIndexes(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	a, _ := accept(t, m)
	b, _ := accept(t, m)
	require.True(t, m.Authenticate(a, "u1", "c1"))
	require.True(t, m.Authenticate(b, "u2", "c1"))

	m.Unauthenticate(b)
	m.Unauthenticate("missing")

	assert.Equal(t, []string{a}, m.ConnectionsForCall("c1"))
	assert.Empty(t, m.ConnectionsForUser("u2"))
	info, ok := m.Info(b)
	require.True(t, ok)
	assert.False(t, info.Authenticated())
	assert.True(t, info.AuthenticatedAt.IsZero())
	assert.Equal(t, StatusConnected, info.Status)
}

func TestClose_DeregistersThroughDisconnectPath(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	id, tr := accept(t, m)
	require.True(t, m.Authenticate(id, "u1", "c1"))

	require.True(t, m.Close(id, CloseSessionEnded, "session ended"))
	require.Eventually(t, func() bool { return len(rec.closedEvents()) == 1 }, waitFor, tick)

	ev := rec.closedEvents()[0]
	assert.Equal(t, CloseSessionEnded, ev.code)
	assert.Equal(t, "session ended", ev.reason)
	assert.Equal(t, StatusDisconnected, ev.info.Status)
	assert.Equal(t, CloseSessionEnded, tr.closeCode())
	assert.Empty(t, m.ConnectionsForUser("u1"))
	assert.Equal(t, SendRejected, m.Send(id, models.NewMessage(models.MsgHeartbeat, "", nil)))
	assert.False(t, m.Close(id, CloseNormal, ""))
}

func TestPeerClose_ReportsPeerCode(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	_, tr := accept(t, m)

	tr.peerErr <- &websocket.CloseError{Code: CloseNormal, Text: "bye"}
	require.Eventually(t, func() bool { return len(rec.closedEvents()) == 1 }, waitFor, tick)
	assert.Equal(t, CloseNormal, rec.closedEvents()[0].code)
}

func TestPeerDrop_IsAbnormal(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	_, tr := accept(t, m)

	tr.peerErr <- errors.New("read tcp: connection reset by peer")
	require.Eventually(t, func() bool { return len(rec.closedEvents()) == 1 }, waitFor, tick)
	assert.Equal(t, 1006, rec.closedEvents()[0].code)
}

func TestFrames_Validation(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	id, tr := accept(t, m)

	tr.sendRaw(websocket.TextMessage, []byte("{not json"))
	tr.sendRaw(websocket.TextMessage, []byte(`{"type":"SOMETHING_ELSE"}`))
	tr.sendRaw(websocket.TextMessage, []byte(`{"callId":"c1"}`))
	tr.sendRaw(websocket.BinaryMessage, nil)
	tr.sendRaw(websocket.TextMessage, []byte(`{"type":"AUDIO_CHUNK","data":{"payload":""}}`))
	tr.sendText(t, models.NewMessage(models.MsgHeartbeat, "", models.HeartbeatData{Ack: true}))
	tr.sendText(t, models.NewMessage(models.MsgHeartbeat, "", nil))

	require.Eventually(t, func() bool {
		return len(tr.messagesOfType(t, models.MsgHeartbeat)) == 1
	}, waitFor, tick)
	var hb models.HeartbeatData
	require.NoError(t, tr.messagesOfType(t, models.MsgHeartbeat)[0].Decode(&hb))
	assert.True(t, hb.Ack, "heartbeat replies are acks and acks are not answered")

	errs := tr.messagesOfType(t, models.MsgError)
	require.Len(t, errs, 4)
	want := []string{"malformed message", "message type is required", "audio payload is empty", "audio payload is empty"}
	for i, e := range errs {
		var d models.ErrorData
		require.NoError(t, e.Decode(&d))
		assert.Equal(t, string(utils.CodeInvalidArgument), d.Code)
		assert.Equal(t, want[i], d.Message)
	}

	assert.Equal(t, 0, rec.receivedCount(), "unknown types and heartbeats are not forwarded")
	info, ok := m.Info(id)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, info.Status)
}

func TestFrames_BinaryAudioGetsSequence(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	id, tr := accept(t, m)
	require.True(t, m.Authenticate(id, "u1", "c1"))

	tr.sendRaw(websocket.BinaryMessage, []byte{1, 2, 3, 4})
	tr.sendRaw(websocket.BinaryMessage, []byte{5, 6})
	require.Eventually(t, func() bool { return rec.receivedCount() == 2 }, waitFor, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, msg := range rec.received {
		assert.Equal(t, models.MsgAudioChunk, msg.Type)
		assert.Equal(t, "c1", msg.CallID)
		var d models.AudioChunkData
		require.NoError(t, msg.Decode(&d))
		require.NotNil(t, d.Seq)
		assert.Equal(t, int64(i), *d.Seq)
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, rec.received[0].Binary)
}

func TestSendError_UsesSafeMessage(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id, tr := accept(t, m)

	m.SendError(id, utils.E(utils.CodeUnauthorized, "Op", "token expired", errors.New("exp claim")))
	m.SendError(id, errors.New("db password in here"))

	errs := tr.messagesOfType(t, models.MsgError)
	require.Len(t, errs, 2)
	var d models.ErrorData
	require.NoError(t, errs[0].Decode(&d))
	assert.Equal(t, "UNAUTHORIZED", d.Code)
	assert.Equal(t, "token expired", d.Message)
	require.NoError(t, errs[1].Decode(&d))
	assert.Equal(t, "INTERNAL", d.Code)
	assert.Equal(t, "internal error", d.Message)
}

func TestShutdown_ClosesEverythingWithServerShutdown(t *testing.T) {
	m, _, rec := newTestManager(t, Config{})
	_, t1 := accept(t, m)
	_, t2 := accept(t, m)

	ctx, cancel := contextWithTimeout(time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, CloseServerShutdown, t1.closeCode())
	assert.Equal(t, CloseServerShutdown, t2.closeCode())
	assert.Len(t, rec.closedEvents(), 2)
	assert.Equal(t, 0, m.Stats().Active)

	_, err := m.Accept(newFakeTransport(), Meta{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

package workers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/events"
	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/providers/stt"
)

type fakeSTT struct {
	mu      sync.Mutex
	calls   []stt.Request
	text    func(seq int) string
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSTT) Transcribe(ctx context.Context, req stt.Request) (string, float64, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text(n), 0.9, nil
}

func (f *fakeSTT) Close() error { return nil }

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	chunks  []string
	err     error
}

func (f *fakeLLM) StreamAnswer(_ context.Context, prompt string) (<-chan string, <-chan error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	out := make(chan string, len(f.chunks))
	errs := make(chan error, 1)
	for _, c := range f.chunks {
		out <- c
	}
	if f.err != nil {
		errs <- f.err
	}
	close(out)
	close(errs)
	return out, errs
}

func (f *fakeLLM) Close() error { return nil }

type delivered struct {
	session string
	msg     models.Message
}

type fakeOut struct {
	mu   sync.Mutex
	msgs []delivered
}

func (f *fakeOut) Deliver(sessionID string, msg models.Message) connection.SendResult {
	f.mu.Lock()
	f.msgs = append(f.msgs, delivered{sessionID, msg})
	f.mu.Unlock()
	return connection.SendDelivered
}

func (f *fakeOut) types() []models.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MessageType
	for _, d := range f.msgs {
		out = append(out, d.msg.Type)
	}
	return out
}

type fakeEvents struct {
	mu       sync.Mutex
	segments []events.SegmentEvent
	replies  []events.ReplyEvent
}

func (f *fakeEvents) PublishSegment(_ context.Context, ev events.SegmentEvent) error {
	f.mu.Lock()
	f.segments = append(f.segments, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvents) PublishReply(_ context.Context, ev events.ReplyEvent) error {
	f.mu.Lock()
	f.replies = append(f.replies, ev)
	f.mu.Unlock()
	return nil
}

type fakeArchive struct {
	mu    sync.Mutex
	names []string
	sizes []int
}

func (f *fakeArchive) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	b, _ := io.ReadAll(r)
	f.mu.Lock()
	f.names = append(f.names, name)
	f.sizes = append(f.sizes, len(b))
	f.mu.Unlock()
	return "gs://bucket/" + name, nil
}

func segment(callID string, seq int64) models.SpeechSegment {
	return models.SpeechSegment{
		CallID:     callID,
		Seq:        seq,
		Audio:      make([]byte, 320),
		SampleRate: 16000,
		Channels:   1,
		DurationMs: 10,
		SizeBytes:  320,
		VAD:        models.VADResult{IsSpeech: true, Confidence: 1},
	}
}

func closePool(t *testing.T, p *SegmentPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestSegmentPool_FullPipeline(t *testing.T) {
	s := &fakeSTT{text: func(n int) string { return []string{"hello", "it's the clinic"}[n] }}
	l := &fakeLLM{chunks: []string{"Hi, ", "who is calling?"}}
	out, ev, arch := &fakeOut{}, &fakeEvents{}, &fakeArchive{}
	m := metrics.Noop()

	p := NewSegmentPool(Config{}, Deps{STT: s, LLM: l, Archive: arch, Events: ev, Out: out, Logger: logger.Discard(), Metrics: m})
	require.True(t, p.Submit("s1", "u1", segment("c1", 0)))
	require.True(t, p.Submit("s1", "u1", segment("c1", 2)))
	closePool(t, p)

	assert.Equal(t, []models.MessageType{
		models.MsgTranscript, models.MsgAIResponse, models.MsgAIResponse, models.MsgAIResponse,
		models.MsgTranscript, models.MsgAIResponse, models.MsgAIResponse, models.MsgAIResponse,
	}, out.types())

	var tr models.TranscriptData
	require.NoError(t, out.msgs[0].msg.Decode(&tr))
	assert.Equal(t, "hello", tr.Text)
	assert.Equal(t, "s1", out.msgs[0].session)

	var done models.AIResponseData
	require.NoError(t, out.msgs[3].msg.Decode(&done))
	assert.True(t, done.Done)
	assert.Equal(t, "Hi, who is calling?", done.Text)

	require.Len(t, l.prompts, 2)
	assert.NotContains(t, l.prompts[0], "Earlier in this call")
	assert.Contains(t, l.prompts[1], "- hello\n")

	require.Len(t, ev.segments, 2)
	assert.Equal(t, "hello", ev.segments[0].Transcript)
	assert.Equal(t, "gs://bucket/calls/c1/s1/00000000.wav", ev.segments[0].AudioURI)
	assert.Len(t, ev.replies, 2)
	assert.Equal(t, []int{44 + 320, 44 + 320}, arch.sizes)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PipelineJobs.WithLabelValues("ok")))
}

func TestSegmentPool_EventsOnlyWithoutSTT(t *testing.T) {
	out, ev := &fakeOut{}, &fakeEvents{}
	p := NewSegmentPool(Config{}, Deps{Events: ev, Out: out, Logger: logger.Discard()})
	seg := segment("c1", 5)
	seg.DurationMs = 99.6
	require.True(t, p.Submit("s1", "u1", seg))
	closePool(t, p)

	assert.Empty(t, out.types())
	require.Len(t, ev.segments, 1)
	assert.Equal(t, int64(5), ev.segments[0].Seq)
	assert.Equal(t, "u1", ev.segments[0].UserID)
	assert.Equal(t, 100, ev.segments[0].DurationMs)
	assert.Equal(t, 320, ev.segments[0].SizeBytes)
}

func TestSegmentPool_STTFailure(t *testing.T) {
	s := &fakeSTT{err: errors.New("quota")}
	out, ev := &fakeOut{}, &fakeEvents{}
	m := metrics.Noop()
	p := NewSegmentPool(Config{}, Deps{STT: s, LLM: &fakeLLM{}, Events: ev, Out: out, Logger: logger.Discard(), Metrics: m})
	require.True(t, p.Submit("s1", "u1", segment("c1", 0)))
	closePool(t, p)

	assert.Empty(t, out.types())
	assert.Len(t, ev.segments, 1, "segment event still published")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineJobs.WithLabelValues("stt_failed")))
}

func TestSegmentPool_LLMFailureSkipsDone(t *testing.T) {
	s := &fakeSTT{text: func(int) string { return "hi" }}
	l := &fakeLLM{chunks: []string{"par"}, err: errors.New("stream broke")}
	out, ev := &fakeOut{}, &fakeEvents{}
	p := NewSegmentPool(Config{}, Deps{STT: s, LLM: l, Events: ev, Out: out, Logger: logger.Discard()})
	require.True(t, p.Submit("s1", "u1", segment("c1", 0)))
	closePool(t, p)

	assert.Equal(t, []models.MessageType{models.MsgTranscript, models.MsgAIResponse}, out.types())
	assert.Empty(t, ev.replies)
}

func TestSegmentPool_FullLaneRejects(t *testing.T) {
	s := &fakeSTT{
		text:    func(int) string { return "x" },
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	m := metrics.Noop()
	p := NewSegmentPool(Config{LaneSize: 1}, Deps{STT: s, Out: &fakeOut{}, Logger: logger.Discard(), Metrics: m})

	require.True(t, p.Submit("s1", "u1", segment("c1", 0)))
	<-s.started
	require.True(t, p.Submit("s1", "u1", segment("c1", 1)))
	assert.False(t, p.Submit("s1", "u1", segment("c1", 2)))
	assert.True(t, p.Submit("s2", "u2", segment("c2", 0)), "other calls have their own lane")
	assert.Equal(t, 2, p.Lanes())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineJobs.WithLabelValues("dropped")))

	close(s.release)
	closePool(t, p)
	assert.False(t, p.Submit("s1", "u1", segment("c1", 3)), "closed pool refuses work")
}

func TestSegmentPool_IdleLaneExits(t *testing.T) {
	s := &fakeSTT{text: func(int) string { return "" }}
	p := NewSegmentPool(Config{LaneIdle: 20 * time.Millisecond}, Deps{STT: s, Out: &fakeOut{}, Logger: logger.Discard()})
	require.True(t, p.Submit("s1", "u1", segment("c1", 0)))

	assert.Eventually(t, func() bool { return p.Lanes() == 0 }, 2*time.Second, 5*time.Millisecond)
	closePool(t, p)
}

package workers

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/events"
	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/providers/llm"
	"github.com/yoockh/callguard/internal/providers/stt"
	"github.com/yoockh/callguard/internal/storage"
)

// Deliverer routes pipeline output to a session's current connection.
type Deliverer interface {
	Deliver(sessionID string, msg models.Message) connection.SendResult
}

type EventPublisher interface {
	PublishSegment(ctx context.Context, ev events.SegmentEvent) error
	PublishReply(ctx context.Context, ev events.ReplyEvent) error
}

type Config struct {
	MaxConcurrent int           // global in-flight jobs, default 8
	LaneSize      int           // queued segments per call, default 64
	JobTimeout    time.Duration // default 30s
	LaneIdle      time.Duration // idle lanes exit after this, default 2m
	HistoryTurns  int           // caller turns kept for the prompt, default 6
	Language      string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.LaneSize <= 0 {
		c.LaneSize = 64
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.LaneIdle <= 0 {
		c.LaneIdle = 2 * time.Minute
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	return c
}

// Deps are all optional except Out. Without STT the pool only publishes
// segment events.
type Deps struct {
	STT     stt.Provider
	LLM     llm.Provider
	Archive storage.Uploader
	Events  EventPublisher
	Out     Deliverer
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

type job struct {
	sessionID string
	userID    string
	seg       models.SpeechSegment
}

type lane struct {
	callID  string
	jobs    chan job
	history []string
}

// SegmentPool runs speech segments through STT and reply generation. Each
// call gets a FIFO lane so its segments are handled in order; a weighted
// semaphore bounds work across calls.
type SegmentPool struct {
	cfg     Config
	d       Deps
	log     *logrus.Entry
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewSegmentPool(cfg Config, d Deps) *SegmentPool {
	cfg = cfg.withDefaults()
	m := d.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentPool{
		cfg:     cfg,
		d:       d,
		log:     logger.Component(d.Logger, "pipeline"),
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
}

// Submit enqueues seg without blocking. It returns false when the call's
// lane is full or the pool is closed.
func (p *SegmentPool) Submit(sessionID, userID string, seg models.SpeechSegment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	l := p.lanes[seg.CallID]
	if l == nil {
		l = &lane{callID: seg.CallID, jobs: make(chan job, p.cfg.LaneSize)}
		p.lanes[seg.CallID] = l
		p.wg.Add(1)
		go p.runLane(l)
	}
	select {
	case l.jobs <- job{sessionID: sessionID, userID: userID, seg: seg}:
		return true
	default:
		p.metrics.PipelineJobs.WithLabelValues("dropped").Inc()
		return false
	}
}

func (p *SegmentPool) runLane(l *lane) {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.LaneIdle)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-l.jobs:
			if !ok {
				return
			}
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				p.metrics.PipelineJobs.WithLabelValues("cancelled").Inc()
				continue
			}
			p.handle(l, j)
			p.sem.Release(1)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.LaneIdle)

		case <-idle.C:
			p.mu.Lock()
			if len(l.jobs) == 0 && !p.closed {
				delete(p.lanes, l.callID)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idle.Reset(p.cfg.LaneIdle)
		}
	}
}

func (p *SegmentPool) handle(l *lane, j job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	defer cancel()

	seg := j.seg
	log := p.log.WithFields(logrus.Fields{
		"session_id": j.sessionID,
		"call_id":    seg.CallID,
		"seq":        seg.Seq,
	})

	ev := events.SegmentEvent{
		SessionID:  j.sessionID,
		CallID:     seg.CallID,
		UserID:     j.userID,
		Seq:        seg.Seq,
		Confidence: seg.VAD.Confidence,
		DurationMs: int(math.Round(seg.DurationMs)),
		SizeBytes:  seg.SizeBytes,
		DetectedAt: seg.DetectedAt,
	}

	if p.d.Archive != nil {
		start := time.Now()
		uri, err := p.d.Archive.Upload(ctx, storage.SegmentObjectName(seg.CallID, j.sessionID, seg.Seq), "audio/wav",
			bytes.NewReader(storage.EncodeWAV(seg.Audio, seg.SampleRate, seg.Channels)))
		p.metrics.PipelineLatency.WithLabelValues("archive").Observe(time.Since(start).Seconds())
		if err != nil {
			log.WithError(err).Warn("segment archive failed")
		} else {
			ev.AudioURI = uri
		}
	}

	if p.d.STT == nil {
		p.publishSegment(ctx, log, ev)
		p.metrics.PipelineJobs.WithLabelValues("events_only").Inc()
		return
	}

	start := time.Now()
	text, conf, err := p.d.STT.Transcribe(ctx, stt.Request{
		Audio:      seg.Audio,
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		Language:   p.cfg.Language,
	})
	p.metrics.PipelineLatency.WithLabelValues("stt").Observe(time.Since(start).Seconds())
	if err != nil {
		log.WithError(err).Error("stt failed")
		p.publishSegment(ctx, log, ev)
		p.metrics.PipelineJobs.WithLabelValues("stt_failed").Inc()
		return
	}
	text = strings.TrimSpace(text)
	ev.Transcript = text
	p.publishSegment(ctx, log, ev)
	if text == "" {
		p.metrics.PipelineJobs.WithLabelValues("empty").Inc()
		return
	}

	p.d.Out.Deliver(j.sessionID, models.NewMessage(models.MsgTranscript, seg.CallID, models.TranscriptData{
		SessionID:  j.sessionID,
		Seq:        seg.Seq,
		Text:       text,
		Confidence: conf,
	}))

	history := l.history
	l.history = append(l.history, text)
	if len(l.history) > p.cfg.HistoryTurns {
		l.history = l.history[len(l.history)-p.cfg.HistoryTurns:]
	}

	if p.d.LLM == nil {
		p.metrics.PipelineJobs.WithLabelValues("ok").Inc()
		return
	}

	start = time.Now()
	chunks, errs := p.d.LLM.StreamAnswer(ctx, llm.ScreeningPrompt(history, text))
	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		p.d.Out.Deliver(j.sessionID, models.NewMessage(models.MsgAIResponse, seg.CallID, models.AIResponseData{
			SessionID: j.sessionID,
			Seq:       seg.Seq,
			Delta:     chunk,
		}))
	}
	var streamErr error
	if e, ok := <-errs; ok {
		streamErr = e
	}
	p.metrics.PipelineLatency.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	if streamErr != nil {
		log.WithError(streamErr).Error("llm stream failed")
		p.metrics.PipelineJobs.WithLabelValues("llm_failed").Inc()
		return
	}

	answer := full.String()
	p.d.Out.Deliver(j.sessionID, models.NewMessage(models.MsgAIResponse, seg.CallID, models.AIResponseData{
		SessionID: j.sessionID,
		Seq:       seg.Seq,
		Done:      true,
		Text:      answer,
	}))
	if p.d.Events != nil {
		if err := p.d.Events.PublishReply(ctx, events.ReplyEvent{
			SessionID: j.sessionID,
			CallID:    seg.CallID,
			UserID:    j.userID,
			Seq:       seg.Seq,
			Text:      answer,
			CreatedAt: time.Now(),
		}); err != nil {
			log.WithError(err).Warn("publish reply event failed")
		}
	}
	p.metrics.PipelineJobs.WithLabelValues("ok").Inc()
}

func (p *SegmentPool) publishSegment(ctx context.Context, log *logrus.Entry, ev events.SegmentEvent) {
	if p.d.Events == nil {
		return
	}
	if err := p.d.Events.PublishSegment(ctx, ev); err != nil {
		log.WithError(err).Warn("publish segment event failed")
	}
}

// Lanes returns the number of calls with a live lane.
func (p *SegmentPool) Lanes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close stops intake and lets queued segments finish until ctx expires, then
// cancels in-flight work.
func (p *SegmentPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, l := range p.lanes {
			close(l.jobs)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

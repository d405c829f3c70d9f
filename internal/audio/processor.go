package audio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

const (
	latencyWindow  = 100
	maxChunkFactor = 10
)

// Options configures one stream. Zero fields fall back to DefaultOptions.
type Options struct {
	SampleRate       int
	Channels         int
	BufferDurationMs int
	ChunkDurationMs  int
	EnergyThreshold  float64
	ZCRThreshold     float64
}

func DefaultOptions() Options {
	return Options{
		SampleRate:       16000,
		Channels:         1,
		BufferDurationMs: 3000,
		ChunkDurationMs:  100,
		EnergyThreshold:  0.01,
		ZCRThreshold:     0.1,
	}
}

func (o Options) withDefaults(d Options) Options {
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	if o.Channels <= 0 {
		o.Channels = d.Channels
	}
	if o.BufferDurationMs <= 0 {
		o.BufferDurationMs = d.BufferDurationMs
	}
	if o.ChunkDurationMs <= 0 {
		o.ChunkDurationMs = d.ChunkDurationMs
	}
	if o.EnergyThreshold <= 0 {
		o.EnergyThreshold = d.EnergyThreshold
	}
	if o.ZCRThreshold <= 0 {
		o.ZCRThreshold = d.ZCRThreshold
	}
	return o
}

// BufferCapacity is the ring size in chunks.
func (o Options) BufferCapacity() int {
	c := o.BufferDurationMs / o.ChunkDurationMs
	if c < 1 {
		return 1
	}
	return c
}

// NominalChunkBytes is the byte size of one chunk of ChunkDurationMs.
func (o Options) NominalChunkBytes() int {
	return o.SampleRate * o.Channels * 2 * o.ChunkDurationMs / 1000
}

type Config struct {
	Defaults        Options
	IdleTimeout     time.Duration // default 5m
	CleanupInterval time.Duration // default 1m
}

// Observer is told about stream lifecycle changes. Calls happen outside the
// processor's locks.
type Observer interface {
	StreamStarted(callID string)
	StreamStopped(callID string, stats models.StreamStats)
}

type stream struct {
	mu sync.Mutex

	callID   string
	opts     Options
	detector Detector
	ring     *chunkRing
	active   bool

	chunks    int64
	bytes     int64
	segments  int64
	latencies [latencyWindow]float64
	latN      int
	latNext   int
	avgLat    float64

	startedAt    time.Time
	lastActivity time.Time
}

func (s *stream) recordLatency(ms float64) {
	s.latencies[s.latNext] = ms
	s.latNext = (s.latNext + 1) % latencyWindow
	if s.latN < latencyWindow {
		s.latN++
	}
	var sum float64
	for i := 0; i < s.latN; i++ {
		sum += s.latencies[i]
	}
	s.avgLat = sum / float64(s.latN)
}

func (s *stream) stats() models.StreamStats {
	return models.StreamStats{
		CallID:           s.callID,
		Active:           s.active,
		ChunksProcessed:  s.chunks,
		BytesProcessed:   s.bytes,
		SegmentsEmitted:  s.segments,
		BufferedChunks:   s.ring.Len(),
		BufferCapacity:   s.ring.Cap(),
		AverageLatencyMs: s.avgLat,
		StartedAt:        s.startedAt,
		LastActivityAt:   s.lastActivity,
	}
}

// Processor turns per-call chunk feeds into speech segments.
type Processor struct {
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics
	cond    Conditioner
	now     func() time.Time

	obsMu    sync.RWMutex
	observer Observer

	mu      sync.RWMutex
	streams map[string]*stream

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ProcessorOption func(*Processor)

func WithConditioner(c Conditioner) ProcessorOption {
	return func(p *Processor) {
		if c != nil {
			p.cond = c
		}
	}
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(cfg Config, log *logrus.Logger, m *metrics.Metrics, opts ...ProcessorOption) *Processor {
	cfg.Defaults = cfg.Defaults.withDefaults(DefaultOptions())
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if m == nil {
		m = metrics.Noop()
	}
	p := &Processor{
		cfg:     cfg,
		log:     logger.Component(log, "audio"),
		metrics: m,
		cond:    PassThrough{},
		now:     time.Now,
		streams: make(map[string]*stream),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) SetObserver(o Observer) {
	p.obsMu.Lock()
	p.observer = o
	p.obsMu.Unlock()
}

func (p *Processor) obs() Observer {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	return p.observer
}

// Start runs the idle-stream sweep until ctx is cancelled or Shutdown is called.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.cfg.CleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.Cleanup()
			}
		}
	}()
}

func (p *Processor) StartStream(callID string, opts Options) error {
	const op = "AudioProcessor.StartStream"
	if callID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "callId is required", nil)
	}
	opts = opts.withDefaults(p.cfg.Defaults)
	now := p.now()

	p.mu.Lock()
	if _, exists := p.streams[callID]; exists {
		p.mu.Unlock()
		return utils.E(utils.CodeConflict, op, fmt.Sprintf("stream already exists for call %s", callID), nil)
	}
	p.streams[callID] = &stream{
		callID:       callID,
		opts:         opts,
		detector:     Detector{EnergyThreshold: opts.EnergyThreshold, ZCRThreshold: opts.ZCRThreshold},
		ring:         newChunkRing(opts.BufferCapacity()),
		active:       true,
		startedAt:    now,
		lastActivity: now,
	}
	p.mu.Unlock()

	p.metrics.StreamsActive.Inc()
	p.log.WithFields(logrus.Fields{
		"call_id":     callID,
		"sample_rate": opts.SampleRate,
		"channels":    opts.Channels,
		"buffer_cap":  opts.BufferCapacity(),
	}).Info("audio stream started")
	if o := p.obs(); o != nil {
		o.StreamStarted(callID)
	}
	return nil
}

func (p *Processor) HasStream(callID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.streams[callID]
	return ok
}

func (p *Processor) lookup(callID string) *stream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streams[callID]
}

// ProcessChunk buffers chunk and returns a segment when it carries speech.
// Validation failures are INVALID_ARGUMENT, conditioning failures are
// PROCESSING_ERROR; neither affects the stream.
func (p *Processor) ProcessChunk(chunk models.AudioChunk) (*models.SpeechSegment, error) {
	const op = "AudioProcessor.ProcessChunk"
	start := p.now()

	switch {
	case len(chunk.Payload) == 0:
		p.metrics.ChunkErrors.WithLabelValues("empty_payload").Inc()
		return nil, utils.E(utils.CodeInvalidArgument, op, "audio payload is empty", nil)
	case chunk.CallID == "":
		p.metrics.ChunkErrors.WithLabelValues("missing_call_id").Inc()
		return nil, utils.E(utils.CodeInvalidArgument, op, "callId is required", nil)
	case chunk.Seq < 0:
		p.metrics.ChunkErrors.WithLabelValues("negative_seq").Inc()
		return nil, utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("sequence number %d must be non-negative", chunk.Seq), nil)
	}

	s := p.lookup(chunk.CallID)
	if s == nil {
		return nil, utils.E(utils.CodeNotFound, op, fmt.Sprintf("no audio stream for call %s", chunk.CallID), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, utils.E(utils.CodeConflict, op, "audio stream is stopping", nil)
	}
	if limit := maxChunkFactor * s.opts.NominalChunkBytes(); len(chunk.Payload) > limit {
		p.metrics.ChunkErrors.WithLabelValues("oversized").Inc()
		return nil, utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("chunk size %d exceeds limit %d bytes", len(chunk.Payload), limit), nil)
	}

	if s.ring.Push(chunk) {
		p.log.WithFields(logrus.Fields{"call_id": s.callID, "seq": chunk.Seq}).Debug("ring buffer full, evicted oldest chunk")
	}
	return p.process(s, chunk, start)
}

// process runs conditioning and VAD. Caller holds s.mu.
func (p *Processor) process(s *stream, chunk models.AudioChunk, start time.Time) (*models.SpeechSegment, error) {
	const op = "AudioProcessor.process"

	now := p.now()
	s.lastActivity = now
	s.chunks++
	s.bytes += int64(len(chunk.Payload))

	conditioned, err := p.cond.Condition(chunk.Payload)
	if err != nil {
		p.metrics.ChunkErrors.WithLabelValues("conditioning").Inc()
		latency := float64(p.now().Sub(start)) / float64(time.Millisecond)
		s.recordLatency(latency)
		return nil, utils.E(utils.CodeProcessing, op, fmt.Sprintf("conditioning failed for seq %d", chunk.Seq), err)
	}

	vad := s.detector.Detect(conditioned)

	end := p.now()
	latency := float64(end.Sub(start)) / float64(time.Millisecond)
	s.recordLatency(latency)
	p.metrics.RecordChunk(len(chunk.Payload), latency/1000)

	if !vad.IsSpeech || vad.Confidence <= SpeechConfidence {
		return nil, nil
	}

	sampleRate, channels := s.opts.SampleRate, s.opts.Channels
	if chunk.SampleRate > 0 {
		sampleRate = chunk.SampleRate
	}
	if chunk.Channels > 0 {
		channels = chunk.Channels
	}
	s.segments++
	p.metrics.Segments.Inc()

	return &models.SpeechSegment{
		CallID:     s.callID,
		Seq:        chunk.Seq,
		Audio:      append([]byte(nil), conditioned...),
		VAD:        vad,
		SampleRate: sampleRate,
		Channels:   channels,
		DurationMs: float64(len(conditioned)) / float64(sampleRate*channels*2) * 1000,
		SizeBytes:  len(conditioned),
		LatencyMs:  latency,
		DetectedAt: end,
	}, nil
}

// StopStream marks the stream inactive, reprocesses whatever is still in the
// ring buffer and removes the stream. Drain failures are logged only.
func (p *Processor) StopStream(callID string) ([]models.SpeechSegment, error) {
	const op = "AudioProcessor.StopStream"

	p.mu.RLock()
	s := p.streams[callID]
	p.mu.RUnlock()
	if s == nil {
		return nil, utils.E(utils.CodeNotFound, op, fmt.Sprintf("no audio stream for call %s", callID), nil)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, utils.E(utils.CodeNotFound, op, fmt.Sprintf("audio stream for call %s is already stopping", callID), nil)
	}
	s.active = false

	var drained []models.SpeechSegment
	for _, c := range s.ring.Drain() {
		seg, err := p.process(s, c, p.now())
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"call_id": callID, "seq": c.Seq}).Warn("drain: chunk skipped")
			continue
		}
		if seg != nil {
			drained = append(drained, *seg)
		}
	}
	stats := s.stats()
	s.mu.Unlock()

	p.mu.Lock()
	if p.streams[callID] == s {
		delete(p.streams, callID)
	}
	p.mu.Unlock()

	p.metrics.StreamsActive.Dec()
	p.log.WithFields(logrus.Fields{
		"call_id":          callID,
		"chunks":           stats.ChunksProcessed,
		"segments":         stats.SegmentsEmitted,
		"drained_segments": len(drained),
		"avg_latency_ms":   stats.AverageLatencyMs,
	}).Info("audio stream stopped")
	if o := p.obs(); o != nil {
		o.StreamStopped(callID, stats)
	}
	return drained, nil
}

// Cleanup stops streams idle for longer than IdleTimeout and returns their call ids.
func (p *Processor) Cleanup() []string {
	now := p.now()
	var idle []string

	p.mu.RLock()
	for id, s := range p.streams {
		s.mu.Lock()
		last, active := s.lastActivity, s.active
		s.mu.Unlock()
		if active && now.Sub(last) > p.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	p.mu.RUnlock()

	var stopped []string
	for _, id := range idle {
		if _, err := p.StopStream(id); err != nil {
			continue
		}
		stopped = append(stopped, id)
	}
	if len(stopped) > 0 {
		p.log.WithField("count", len(stopped)).Info("stopped idle audio streams")
	}
	return stopped
}

func (p *Processor) StreamStats(callID string) (models.StreamStats, bool) {
	s := p.lookup(callID)
	if s == nil {
		return models.StreamStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats(), true
}

// ActiveStreams returns the call ids with a live stream, sorted.
func (p *Processor) ActiveStreams() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops the sweep and flushes every remaining stream.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	for _, id := range p.ActiveStreams() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _ = p.StopStream(id)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

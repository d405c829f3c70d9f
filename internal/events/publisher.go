// Package events publishes call pipeline events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/utils"
)

// SegmentEvent is published when speech is detected in a call.
type SegmentEvent struct {
	SessionID  string    `json:"sessionId"`
	CallID     string    `json:"callId"`
	UserID     string    `json:"userId"`
	Seq        int64     `json:"seq"`
	Confidence float64   `json:"confidence"`
	DurationMs int       `json:"durationMs"`
	SizeBytes  int       `json:"sizeBytes"`
	Transcript string    `json:"transcript,omitempty"`
	AudioURI   string    `json:"audioUri,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
}

// ReplyEvent is published for each completed assistant reply.
type ReplyEvent struct {
	SessionID string    `json:"sessionId"`
	CallID    string    `json:"callId"`
	UserID    string    `json:"userId"`
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Config struct {
	Brokers       []string
	TopicSegments string
	TopicReplies  string
	Principal     string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to one topic per event kind. With no brokers it
// runs in log-only mode.
type Publisher struct {
	segments  messageWriter
	replies   messageWriter
	topicSeg  string
	topicRep  string
	principal string
	enabled   bool
	log       *logrus.Entry
	metrics   *metrics.Metrics
}

func New(cfg Config, log *logrus.Logger, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.Noop()
	}
	p := &Publisher{
		topicSeg:  cfg.TopicSegments,
		topicRep:  cfg.TopicReplies,
		principal: cfg.Principal,
		log:       logger.Component(log, "events"),
		metrics:   m,
	}
	if len(cfg.Brokers) == 0 {
		p.log.Info("kafka disabled, events are logged only")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.segments = newWriter(cfg.TopicSegments)
	p.replies = newWriter(cfg.TopicReplies)
	p.enabled = true

	p.log.WithFields(logrus.Fields{
		"brokers":        cfg.Brokers,
		"topic_segments": cfg.TopicSegments,
		"topic_replies":  cfg.TopicReplies,
	}).Info("kafka publisher initialized")
	return p
}

func (p *Publisher) Enabled() bool { return p.enabled }

// PublishSegment is keyed by call id so a call's events stay ordered.
func (p *Publisher) PublishSegment(ctx context.Context, ev SegmentEvent) error {
	return p.publish(ctx, p.segments, p.topicSeg, ev.CallID, ev)
}

func (p *Publisher) PublishReply(ctx context.Context, ev ReplyEvent) error {
	return p.publish(ctx, p.replies, p.topicRep, ev.CallID, ev)
}

func (p *Publisher) publish(ctx context.Context, w messageWriter, topic, key string, event any) error {
	const op = "Publisher.publish"

	payload, err := json.Marshal(event)
	if err != nil {
		p.metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		return utils.E(utils.CodeInternal, op, "encode event", err)
	}

	entry := p.log.WithFields(logrus.Fields{"topic": topic, "key": key})
	if !p.enabled || w == nil {
		entry.WithField("payload", string(payload)).Debug("event (log only)")
		p.metrics.EventsPublished.WithLabelValues(topic, "logged").Inc()
		return nil
	}

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	})
	if err != nil {
		entry.WithError(err).Error("kafka write failed")
		p.metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		return utils.E(utils.CodeUnavailable, op, "publish event", err)
	}
	p.metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.segments, p.replies} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
)

// LogSink writes one structured line per event.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev models.Event) error {
	fields := logrus.Fields{
		"event":    ev.Name,
		"job_id":   ev.JobID,
		"brand_id": ev.BrandID,
		"status":   ev.Status,
	}
	for k, v := range ev.Metadata {
		fields[k] = v
	}
	s.log.WithFields(fields).Info("job event")
	return nil
}

type auditAppender interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// AuditSink records every event in the job store's audit log.
type AuditSink struct {
	store auditAppender
}

func NewAuditSink(store auditAppender) *AuditSink { return &AuditSink{store: store} }

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Deliver(ctx context.Context, ev models.Event) error {
	detail := ""
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(raw)
	}
	return s.store.AppendAudit(ctx, ev.JobID, ev.Name, detail)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to one topic per event name, keyed by brand so a brand's events
// stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	prefix string
}

func NewKafkaSink(brokers []string, topicPrefix string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.prefix + ev.Name,
		Key:   []byte(ev.BrandID),
		Value: payload,
		Time:  ev.OccurredAt,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// BroadcastSink fans events out on a per-brand Redis channel for real-time subscribers.
type BroadcastSink struct {
	client *redis.Client
	prefix string
}

func NewBroadcastSink(client *redis.Client, channelPrefix string) *BroadcastSink {
	return &BroadcastSink{client: client, prefix: channelPrefix}
}

func (s *BroadcastSink) Name() string { return "broadcast" }

// Channel is the pub/sub channel for brandID.
func (s *BroadcastSink) Channel(brandID string) string { return s.prefix + brandID }

func (s *BroadcastSink) Deliver(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(ev.BrandID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.Channel(ev.BrandID), err)
	}
	return nil
}

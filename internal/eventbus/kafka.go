package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/config"
	"firestige.xyz/callcore/internal/log"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	writeTimeout        = 10 * time.Second
)

// messageWriter is the part of *kafka.Writer the exporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter forwards channel lifecycle events to a Kafka topic, keyed by
// channel uuid so that one channel's events land in one Kafka partition.
type KafkaExporter struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	exported atomic.Uint64
	failed   atomic.Uint64
}

// NewKafkaExporter builds the writer from configuration.
func NewKafkaExporter(cfg config.KafkaConfig) (*KafkaExporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka exporter: brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka exporter: topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Compression:  codec,
	}
	return newKafkaExporter(w, cfg.Topic), nil
}

func newKafkaExporter(w messageWriter, topic string) *KafkaExporter {
	return &KafkaExporter{
		writer: w,
		topic:  topic,
		logger: log.Get().With("component", "kafka_exporter", "topic", topic),
	}
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "none", "":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	}
	return 0, fmt.Errorf("invalid compression type: %s", name)
}

// Attach subscribes the exporter to every channel event on bus.
func (x *KafkaExporter) Attach(bus EventBus) error {
	return SubscribeChannel(bus, WildcardTopic, x.Export)
}

// Export writes one event.
func (x *KafkaExporter) Export(ev *channel.Event) error {
	value, err := encodeEvent(ev)
	if err != nil {
		x.failed.Add(1)
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.UUID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(ev.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := x.writer.WriteMessages(ctx, msg); err != nil {
		x.failed.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	x.exported.Add(1)
	return nil
}

// encodeEvent flattens headers into an object the way event consumers expect
// (first value wins for repeated names).
func encodeEvent(ev *channel.Event) ([]byte, error) {
	headers := make(map[string]string, len(ev.Headers))
	for _, h := range ev.Headers {
		if _, ok := headers[h.Name]; !ok {
			headers[h.Name] = h.Value
		}
	}
	out := map[string]any{
		"event":     ev.Type,
		"uuid":      ev.UUID,
		"timestamp": ev.Timestamp.UnixMicro(),
		"headers":   headers,
	}
	if ev.Subclass != "" {
		out["subclass"] = ev.Subclass
	}
	if ev.Body != "" {
		out["body"] = ev.Body
	}
	return json.Marshal(out)
}

// Close flushes pending messages.
func (x *KafkaExporter) Close() error {
	err := x.writer.Close()
	x.logger.Info("kafka exporter stopped",
		"total_exported", x.exported.Load(),
		"total_errors", x.failed.Load())
	return err
}

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/callcore/internal/config"
)

// KafkaCommand is the wire format for commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "callcore-01",
//	  "command":    "channel_hangup",
//	  "timestamp":  "2026-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    { "uuid": "...", "cause": "CALL_REJECTED" }
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // node hostname or "*" for broadcast
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches to handler.
type KafkaCommandConsumer struct {
	cfg      config.CommandKafkaConfig
	hostname string
	reader   messageReader
	handler  *CommandHandler
	ttl      time.Duration
	retry    time.Duration
}

// NewKafkaCommandConsumer creates a consumer for cfg. hostname is matched
// against each command's target.
func NewKafkaCommandConsumer(cfg config.CommandKafkaConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	var startOffset int64
	switch cfg.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	case "", "latest":
		startOffset = kafka.LastOffset
	default:
		return nil, fmt.Errorf("invalid auto_offset_reset %q", cfg.AutoOffsetReset)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})

	return newKafkaCommandConsumer(cfg, hostname, reader, handler), nil
}

func newKafkaCommandConsumer(cfg config.CommandKafkaConfig, hostname string, reader messageReader, handler *CommandHandler) *KafkaCommandConsumer {
	ttl := cfg.CommandTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KafkaCommandConsumer{
		cfg:      cfg,
		hostname: hostname,
		reader:   reader,
		handler:  handler,
		ttl:      ttl,
		retry:    5 * time.Second,
	}
}

// Start consumes commands until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("kafka command consumer started",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"group_id", c.cfg.GroupID,
		"hostname", c.hostname,
		"ttl", c.ttl,
	)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("kafka command consumer stopped", "reason", err)
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retry):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		// 失败的命令同样提交，避免反复消费
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		slog.Debug("skipping command not targeting this node",
			"target", kCmd.Target,
			"hostname", c.hostname,
			"request_id", kCmd.RequestID,
		)
		return nil
	}

	if !kCmd.Timestamp.IsZero() && time.Since(kCmd.Timestamp) > c.ttl {
		slog.Warn("skipping stale command",
			"command", kCmd.Command,
			"request_id", kCmd.RequestID,
			"age", time.Since(kCmd.Timestamp),
			"ttl", c.ttl,
		)
		return nil
	}

	// daemon_shutdown is only accepted on the local socket
	if kCmd.Command == "daemon_shutdown" {
		return fmt.Errorf("command %s not allowed over kafka", kCmd.Command)
	}

	response := c.handler.Handle(ctx, Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	})
	if response.Error != nil {
		return fmt.Errorf("command %s failed: %w", kCmd.Command, response.Error)
	}

	slog.Info("kafka command executed", "method", kCmd.Command, "request_id", kCmd.RequestID)
	return nil
}

// Stop closes the reader. Safe to call more than once.
func (c *KafkaCommandConsumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	reader := c.reader
	c.reader = nil
	slog.Info("closing kafka command consumer")
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}

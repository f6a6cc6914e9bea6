package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/config"
)

// fakeReader hands out queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    int
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeReader) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func kafkaMessage(t *testing.T, offset int64, cmd KafkaCommand) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Topic: "callcore-commands", Offset: offset, Value: raw}
}

func TestNewKafkaCommandConsumer(t *testing.T) {
	handler := NewCommandHandler(channel.NewRegistry(channel.Options{}), nil, nil)

	tests := []struct {
		name    string
		config  config.CommandKafkaConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "commands",
				GroupID: "callcore",
			},
		},
		{
			name:    "missing brokers",
			config:  config.CommandKafkaConfig{Topic: "commands", GroupID: "callcore"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			config:  config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "callcore"},
			wantErr: true,
		},
		{
			name:    "missing group_id",
			config:  config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands"},
			wantErr: true,
		},
		{
			name: "invalid offset",
			config: config.CommandKafkaConfig{
				Brokers:         []string{"localhost:9092"},
				Topic:           "commands",
				GroupID:         "callcore",
				AutoOffsetReset: "middle",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, err := NewKafkaCommandConsumer(tt.config, "node-1", handler)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, consumer.ttl)
			assert.NoError(t, consumer.Stop())
			assert.NoError(t, consumer.Stop())
		})
	}
}

func TestKafkaCommandConsumer_Dispatch(t *testing.T) {
	reg := channel.NewRegistry(channel.Options{})
	mine := reg.Create("sofia/mine")
	broadcast := reg.Create("sofia/broadcast")
	other := reg.Create("sofia/other")
	stale := reg.Create("sofia/stale")

	hangup := func(offset int64, target string, ch *channel.Channel, ts time.Time) kafka.Message {
		payload, _ := json.Marshal(ChannelHangupParams{UUID: ch.UUID(), Cause: "CALL_REJECTED"})
		return kafkaMessage(t, offset, KafkaCommand{
			Version:   "v1",
			Target:    target,
			Command:   "channel_hangup",
			Timestamp: ts,
			RequestID: ch.Name(),
			Payload:   payload,
		})
	}

	now := time.Now()
	reader := &fakeReader{msgs: []kafka.Message{
		hangup(1, "node-1", mine, now),
		hangup(2, "*", broadcast, now),
		hangup(3, "node-2", other, now),
		hangup(4, "node-1", stale, now.Add(-time.Hour)),
		{Offset: 5, Value: []byte("not json")},
		kafkaMessage(t, 6, KafkaCommand{Target: "node-1", Command: "daemon_shutdown"}),
	}}

	shutdown := false
	handler := NewCommandHandler(reg, nil, nil)
	handler.SetShutdownFunc(func() { shutdown = true })

	consumer := newKafkaCommandConsumer(config.CommandKafkaConfig{
		Brokers:    []string{"localhost:9092"},
		Topic:      "callcore-commands",
		GroupID:    "callcore",
		CommandTTL: time.Minute,
	}, "node-1", reader, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 6 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.True(t, mine.Down())
	assert.Equal(t, channel.CauseCallRejected, mine.Cause())
	assert.True(t, broadcast.Down())
	assert.True(t, other.Up(), "command for another node")
	assert.True(t, stale.Up(), "stale command")
	assert.False(t, shutdown)

	require.NoError(t, consumer.Stop())
	assert.Equal(t, 1, reader.closed)
}

type failingReader struct {
	fakeReader
	fails int
}

func (f *failingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	f.fails++
	f.mu.Unlock()
	return kafka.Message{}, errors.New("broker unavailable")
}

func TestKafkaCommandConsumer_RetriesFetchErrors(t *testing.T) {
	reader := &failingReader{}
	consumer := newKafkaCommandConsumer(config.CommandKafkaConfig{}, "node-1", reader,
		NewCommandHandler(channel.NewRegistry(channel.Options{}), nil, nil))
	consumer.retry = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := consumer.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Greater(t, reader.fails, 1)
}

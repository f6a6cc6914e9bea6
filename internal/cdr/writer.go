package cdr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/eventbus"
	logpkg "firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Sink stores records.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
	Close() error
}

// Writer fans each finished call out to every sink.
type Writer struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewWriter creates a writer over sinks.
func NewWriter(sinks ...Sink) *Writer {
	return &Writer{sinks: sinks, logger: logpkg.Get().With("component", "cdr")}
}

// Attach subscribes the writer to CHANNEL_HANGUP_COMPLETE on bus.
func (w *Writer) Attach(bus eventbus.EventBus) error {
	return eventbus.SubscribeChannel(bus, string(channel.EventHangupComplete), w.Handle)
}

// Handle writes the record for ev to every sink. A failing sink does not
// keep the others from receiving the record.
func (w *Writer) Handle(ev *channel.Event) error {
	rec, err := FromEvent(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var errs []error
	for _, s := range w.sinks {
		if err := s.Write(ctx, rec); err != nil {
			metrics.CDRWritesTotal.WithLabelValues(s.Name(), "error").Inc()
			w.logger.Error("cdr write failed", "sink", s.Name(), "uuid", rec.UUID, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.CDRWritesTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (w *Writer) Close() error {
	var errs []error
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

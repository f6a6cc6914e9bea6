package eventbus

import (
	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/log"
)

// ChannelSink publishes channel lifecycle events to a bus, keyed by channel
// uuid. Topics are the event type names (CHANNEL_HANGUP, ...).
type ChannelSink struct {
	bus EventBus
}

// NewChannelSink wraps bus as a channel.EventSink.
func NewChannelSink(bus EventBus) *ChannelSink {
	return &ChannelSink{bus: bus}
}

// Publish implements channel.EventSink. A full queue drops the event.
func (s *ChannelSink) Publish(ev *channel.Event) {
	err := s.bus.Publish(&Event{Topic: string(ev.Type), Key: ev.UUID, Payload: ev})
	if err != nil {
		log.Get().Warn("channel event dropped", "type", string(ev.Type), "uuid", ev.UUID, "error", err)
	}
}

// SubscribeChannel subscribes to one channel event type, or all of them with
// WildcardTopic. Non-channel payloads are ignored.
func SubscribeChannel(bus EventBus, topic string, fn func(*channel.Event) error) error {
	return bus.Subscribe(topic, func(e *Event) error {
		ev, ok := e.Payload.(*channel.Event)
		if !ok {
			return nil
		}
		return fn(ev)
	})
}

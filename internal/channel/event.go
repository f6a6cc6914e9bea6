package channel

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventChannelCreate  EventType = "CHANNEL_CREATE"
	EventChannelState   EventType = "CHANNEL_STATE"
	EventPresenceIn     EventType = "PRESENCE_IN"
	EventProgress       EventType = "CHANNEL_PROGRESS"
	EventProgressMedia  EventType = "CHANNEL_PROGRESS_MEDIA"
	EventAnswer         EventType = "CHANNEL_ANSWER"
	EventHangup         EventType = "CHANNEL_HANGUP"
	EventHangupComplete EventType = "CHANNEL_HANGUP_COMPLETE"
	EventDestroy        EventType = "CHANNEL_DESTROY"
	EventMessage        EventType = "MESSAGE"
	EventCustom         EventType = "CUSTOM"
)

// Header is one event header. Events keep headers in insertion order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a snapshot of a channel at the moment something happened.
type Event struct {
	Type      EventType `json:"type"`
	Subclass  string    `json:"subclass,omitempty"`
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	Headers   []Header  `json:"headers"`
	Body      string    `json:"body,omitempty"`
}

// Header returns the first header called name.
func (e *Event) Header(name string) string {
	for _, h := range e.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// AddHeader appends a header.
func (e *Event) AddHeader(name, value string) {
	e.Headers = append(e.Headers, Header{Name: name, Value: value})
}

// EventSink receives lifecycle events. Publish must not block for long and
// must not call back into the channel while holding locks of its own.
type EventSink interface {
	Publish(ev *Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev *Event)

func (f SinkFunc) Publish(ev *Event) { f(ev) }

type discardSink struct{}

func (discardSink) Publish(*Event) {}

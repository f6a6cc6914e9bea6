package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	logpkg "firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/metrics"
)

var ErrDuplicateUUID = errors.New("channel uuid already in use")

// Options configures a Registry.
type Options struct {
	MaxStateHandlers int
	DTMFQueueSize    int
	Globals          map[string]string
	Sink             EventSink
	Violation        ViolationHandler
}

// Registry owns the live channels of the process together with the global
// variables and the event sink they publish to.
type Registry struct {
	opts      Options
	sink      EventSink
	violation ViolationHandler
	logger    *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	globals  map[string]string
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxStateHandlers <= 0 {
		opts.MaxStateHandlers = 30
	}
	if opts.DTMFQueueSize <= 0 {
		opts.DTMFQueueSize = 128
	}
	r := &Registry{
		opts:      opts,
		sink:      opts.Sink,
		violation: opts.Violation,
		logger:    logpkg.Get().With("component", "channel"),
		channels:  make(map[string]*Channel),
		globals:   make(map[string]string, len(opts.Globals)),
	}
	if r.sink == nil {
		r.sink = discardSink{}
	}
	if r.violation == nil {
		r.violation = PanicOnViolation
	}
	for k, v := range opts.Globals {
		r.globals[k] = v
	}
	return r
}

// Create allocates a channel with a fresh uuid in StateNew.
func (r *Registry) Create(name string) *Channel {
	ch, err := r.CreateWithUUID(uuid.NewString(), name)
	if err != nil {
		// a random v4 collision means the uuid source is broken
		panic(err)
	}
	return ch
}

// CreateWithUUID allocates a channel under a caller-chosen uuid.
func (r *Registry) CreateWithUUID(id, name string) (*Channel, error) {
	if id == "" {
		return nil, errors.New("channel uuid must not be empty")
	}

	r.mu.Lock()
	if _, ok := r.channels[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUUID, id)
	}
	ch := newChannel(r, id, name)
	r.seq++
	ch.seq = r.seq
	r.channels[id] = ch
	r.mu.Unlock()

	metrics.ChannelsActive.Inc()
	r.logger.Debug("channel created", "uuid", id, "name", name)

	ch.mu.Lock()
	ev := ch.eventLocked(EventChannelCreate)
	ch.mu.Unlock()
	ch.fire(ev)
	return ch, nil
}

// Locate finds a live channel by uuid.
func (r *Registry) Locate(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// List returns the live channels ordered by creation time.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Registry) remove(ch *Channel) {
	r.mu.Lock()
	cur, ok := r.channels[ch.uuid]
	if ok && cur == ch {
		delete(r.channels, ch.uuid)
	}
	r.mu.Unlock()
	if !ok || cur != ch {
		return
	}

	metrics.ChannelsActive.Dec()
	r.logger.Debug("channel destroyed", "uuid", ch.uuid)

	ch.mu.Lock()
	ev := ch.eventLocked(EventDestroy)
	ch.mu.Unlock()
	ch.fire(ev)
}

// SetGlobal sets a process-wide variable. An empty value removes it.
func (r *Registry) SetGlobal(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == "" {
		delete(r.globals, name)
		return
	}
	r.globals[name] = value
}

// Global reads a process-wide variable.
func (r *Registry) Global(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.globals[name]
	return v, ok
}

// Globals returns a copy of the process-wide variables.
func (r *Registry) Globals() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.globals))
	for k, v := range r.globals {
		out[k] = v
	}
	return out
}

// ReplaceGlobals swaps the process-wide variables, used on config reload.
func (r *Registry) ReplaceGlobals(globals map[string]string) {
	next := make(map[string]string, len(globals))
	for k, v := range globals {
		next[k] = v
	}
	r.mu.Lock()
	r.globals = next
	r.mu.Unlock()
}

// HangupAll hangs up every live channel and drives each to DONE. It returns
// the number of channels hung up.
func (r *Registry) HangupAll(cause Cause) int {
	chans := r.List()
	for _, ch := range chans {
		ch.Hangup(cause)
		ch.AdvanceStates()
	}
	return len(chans)
}

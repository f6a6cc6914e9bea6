package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"firestige.xyz/callcore/internal/metrics"
)

// Signal is an out-of-band interrupt delivered to whoever services the
// channel's media.
type Signal int

const (
	SigNone Signal = iota
	SigKill
	SigXfer
	SigBreak
)

func (s Signal) String() string {
	switch s {
	case SigKill:
		return "KILL"
	case SigXfer:
		return "XFER"
	case SigBreak:
		return "BREAK"
	}
	return "NONE"
}

// Variables with a fixed meaning.
const (
	VarOriginator     = "originator"
	VarSignalBond     = "signal_bond"
	VarExportVars     = "export_vars"
	VarHangupCause    = "hangup_cause"
	VarHangupCauseQ   = "hangup_cause_q850"
	VarLastTextMsg    = "last_text_message"
	VarMSRPLocalPath  = "msrp_local_path"
	VarMSRPRemotePath = "msrp_remote_path"
)

// Channel is one call leg. Flags, state, profiles, variables and private data
// share the channel mutex; the DTMF queue has its own.
//
// Callers doing read-decide-write sequences across several calls use Lock and
// Unlock around them and the *Locked accessors inside.
type Channel struct {
	uuid      string
	name      string
	seq       uint64 // creation order within the registry
	reg       *Registry
	sink      EventSink
	violation ViolationHandler
	logger    *slog.Logger

	mu           sync.Mutex
	machine      *fsm.FSM
	state        State
	runningState State
	flags        Flags
	cause        Cause
	profiles     []*CallerProfile // most recent first
	vars         variables
	private      map[string]any
	handlers     []*StateHandler
	maxHandlers  int
	hangupHooks  []func(*Channel)
	changed      chan struct{} // closed and replaced on every state or flag change

	dtmfMu  sync.Mutex
	dtmf    []DTMF
	dtmfMax int

	signals chan Signal
}

func newChannel(r *Registry, id, name string) *Channel {
	now := time.Now()
	c := &Channel{
		uuid:        id,
		name:        name,
		reg:         r,
		sink:        r.sink,
		violation:   r.violation,
		logger:      r.logger.With("uuid", id),
		machine:     newStateMachine(StateNew),
		state:       StateNew,
		private:     make(map[string]any),
		maxHandlers: r.opts.MaxStateHandlers,
		changed:     make(chan struct{}),
		dtmfMax:     r.opts.DTMFQueueSize,
		signals:     make(chan Signal, 8),
	}
	c.profiles = []*CallerProfile{{
		UUID:        id,
		ChannelName: name,
		Context:     "default",
		Times:       Times{Created: now, ProfileCreated: now},
	}}
	return c
}

// UUID returns the channel's unique id.
func (c *Channel) UUID() string { return c.uuid }

// Name returns the channel name, e.g. "msrp/alice@example.com".
func (c *Channel) Name() string { return c.name }

// Lock takes the channel mutex for a multi-step inspect-then-transition
// sequence. Only the *Locked methods may be called while it is held.
func (c *Channel) Lock() { c.mu.Lock() }

// Unlock releases the channel mutex.
func (c *Channel) Unlock() { c.mu.Unlock() }

// State returns the last requested state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateLocked is State for callers holding Lock.
func (c *Channel) StateLocked() State { return c.state }

// RunningState returns the last state the handler chain processed.
func (c *Channel) RunningState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningState
}

// Cause returns the hangup cause, CauseNone while the channel is up.
func (c *Channel) Cause() Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Up reports whether the channel has not been hung up.
func (c *Channel) Up() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upLocked()
}

func (c *Channel) upLocked() bool {
	return c.cause == CauseNone && c.state < StateHangup
}

// Down is the negation of Up.
func (c *Channel) Down() bool { return !c.Up() }

// Ready reports whether media may flow: the channel is up, not resetting and
// not in the middle of a transfer.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upLocked() && c.state != StateReset && !c.flags.Has(FlagTransfer)
}

// SetState requests a new state. The request is checked against the
// transition table; an invalid request before hangup is a contract violation
// handed to the ViolationHandler, after hangup it is logged and ignored.
// Requesting StateHangup is the same as Hangup(CauseNone).
func (c *Channel) SetState(to State) error {
	if to == StateHangup {
		c.Hangup(CauseNone)
		return nil
	}

	c.mu.Lock()
	ev, err := c.setStateLocked(to)
	c.mu.Unlock()

	if err != nil {
		return c.reject(err)
	}
	c.fire(ev)
	return nil
}

// SetStateLocked is SetState for callers holding Lock. It cannot be used to
// hang up. Events it causes are published by calling the returned function
// after Unlock.
func (c *Channel) SetStateLocked(to State) (publish func(), err error) {
	if to == StateHangup {
		return func() {}, fmt.Errorf("channel %s: use Hangup to enter %s", c.uuid, to)
	}
	ev, terr := c.setStateLocked(to)
	if terr != nil {
		return func() {}, c.reject(terr)
	}
	return func() { c.fire(ev) }, nil
}

func (c *Channel) setStateLocked(to State) (*Event, *TransitionError) {
	from := c.state
	if from == to {
		return nil, nil
	}
	if !c.machine.Can(to.String()) {
		return nil, &TransitionError{UUID: c.uuid, From: from, To: to}
	}
	if err := c.machine.Event(context.Background(), to.String()); err != nil {
		return nil, &TransitionError{UUID: c.uuid, From: from, To: to}
	}
	c.state = to
	c.logger.Debug("state change", "from", from.String(), "to", to.String())

	var ev *Event
	if to >= StateRouting {
		c.flags.Clear(FlagTransfer)
		if !c.flags.Has(FlagNoPresence) {
			ev = c.eventLocked(EventPresenceIn)
			ev.AddHeader("Presence-Call-State", to.String())
		}
	}
	c.broadcastLocked()
	return ev, nil
}

// reject routes a refused transition: fatal before hangup, logged after.
func (c *Channel) reject(err *TransitionError) error {
	if err.From >= StateHangup {
		metrics.ChannelViolationsTotal.WithLabelValues("post_hangup").Inc()
		c.logger.Warn("ignoring state change after hangup", "from", err.From.String(), "to", err.To.String())
		return err
	}
	metrics.ChannelViolationsTotal.WithLabelValues("pre_hangup").Inc()
	c.logger.Error("invalid state transition", "from", err.From.String(), "to", err.To.String())
	c.violation(c, err)
	return err
}

// AdvanceStates commits the requested state: running_state catches up with
// state, CHANNEL_STATE is published and the state handlers run, once per
// committed state. A handler may request another state, which is committed in
// turn. Committing HANGUP moves on to DONE; committing DONE publishes
// CHANNEL_HANGUP_COMPLETE and removes the channel from its registry.
func (c *Channel) AdvanceStates() State {
	for {
		c.mu.Lock()
		target := c.state
		if c.runningState == target {
			c.mu.Unlock()
			return target
		}
		c.runningState = target
		handlers := slices.Clone(c.handlers)
		ev := c.eventLocked(EventChannelState)
		c.broadcastLocked()
		c.mu.Unlock()

		metrics.ChannelStateTransitionsTotal.WithLabelValues(target.String()).Inc()
		c.fire(ev)

		for _, h := range handlers {
			if h.Handle != nil && !h.Handle(c, target) {
				break
			}
		}

		switch target {
		case StateHangup:
			c.mu.Lock()
			var done *Event
			if c.state == StateHangup {
				done, _ = c.setStateLocked(StateDone)
			}
			c.mu.Unlock()
			c.fire(done)
		case StateDone:
			c.mu.Lock()
			ev := c.eventLocked(EventHangupComplete)
			c.mu.Unlock()
			c.fire(ev)
			c.reg.remove(c)
			return StateDone
		}
	}
}

// Hangup forces the channel into StateHangup regardless of the transition
// table. The first call stamps the hangup time, records the cause (defaulting
// to NORMAL_CLEARING), sets the billing variables, publishes CHANNEL_HANGUP,
// kills the media loop and runs the hangup hooks. Later calls do nothing.
func (c *Channel) Hangup(cause Cause) State {
	c.mu.Lock()
	if c.state >= StateHangup {
		s := c.state
		c.mu.Unlock()
		return s
	}
	if cause == CauseNone {
		cause = CauseNormalClearing
	}
	from := c.state
	c.cause = cause
	c.state = StateHangup
	c.machine.SetState(StateHangup.String())

	now := time.Now()
	p := c.profiles[0]
	if p.Times.Hungup.IsZero() {
		p.Times.Hungup = now
	}
	c.setTimestampsLocked(p.Times)
	c.vars.set(VarHangupCause, cause.String())
	c.vars.set(VarHangupCauseQ, strconv.Itoa(cause.Q850()))
	c.flags.Set(FlagHangupHookRun)

	ev := c.eventLocked(EventHangup)
	ev.AddHeader("Hangup-Cause", cause.String())
	hooks := slices.Clone(c.hangupHooks)
	c.broadcastLocked()
	c.mu.Unlock()

	metrics.ChannelHangupsTotal.WithLabelValues(cause.String()).Inc()
	c.logger.Info("hangup", "cause", cause.String(), "state", from.String())

	c.Kill(SigKill)
	c.fire(ev)
	for _, hook := range hooks {
		hook(c)
	}
	return StateHangup
}

// setTimestampsLocked derives the billing variables from t.
func (c *Channel) setTimestampsLocked(t Times) {
	epoch := func(ts time.Time) string {
		if ts.IsZero() {
			return "0"
		}
		return strconv.FormatInt(ts.Unix(), 10)
	}
	c.vars.set("start_epoch", epoch(t.Created))
	c.vars.set("answer_epoch", epoch(t.Answered))
	c.vars.set("progress_epoch", epoch(t.Progress))
	c.vars.set("end_epoch", epoch(t.Hungup))

	duration := t.Hungup.Sub(t.Created)
	var billed time.Duration
	if !t.Answered.IsZero() {
		billed = t.Hungup.Sub(t.Answered)
	}
	c.vars.set("duration", strconv.FormatInt(int64(duration/time.Second), 10))
	c.vars.set("billsec", strconv.FormatInt(int64(billed/time.Second), 10))
	c.vars.set("billmsec", strconv.FormatInt(billed.Milliseconds(), 10))
}

// OnHangup registers a hook run once, after CHANNEL_HANGUP is published.
func (c *Channel) OnHangup(hook func(*Channel)) {
	c.mu.Lock()
	c.hangupHooks = append(c.hangupHooks, hook)
	c.mu.Unlock()
}

// MarkRingReady records that the far end is ringing.
func (c *Channel) MarkRingReady() error {
	return c.mark(FlagRingReady, EventProgress, func(t *Times, now time.Time) { t.Progress = now })
}

// MarkPreAnswered records early media.
func (c *Channel) MarkPreAnswered() error {
	return c.mark(FlagEarlyMedia, EventProgressMedia, func(t *Times, now time.Time) { t.ProgressMedia = now })
}

// MarkAnswered records the answer and breaks the originating leg out of its
// media read so it notices.
func (c *Channel) MarkAnswered() error {
	if err := c.mark(FlagAnswered, EventAnswer, func(t *Times, now time.Time) { t.Answered = now }); err != nil {
		return err
	}
	if id, ok := c.GetVariable(VarOriginator); ok && id != "" {
		if other, ok := c.reg.Locate(id); ok && other != c {
			other.Kill(SigBreak)
		}
	}
	return nil
}

// mark sets flag once; repeats succeed without effect.
func (c *Channel) mark(flag Flag, evType EventType, stamp func(*Times, time.Time)) error {
	c.mu.Lock()
	if !c.upLocked() {
		c.mu.Unlock()
		return ErrChannelDown
	}
	if c.flags.Has(flag) {
		c.mu.Unlock()
		return nil
	}
	c.flags.Set(flag)
	now := time.Now()
	stamp(&c.profiles[0].Times, now)
	ev := c.eventLocked(evType)
	c.broadcastLocked()
	c.mu.Unlock()

	c.logger.Info("channel marked", "flag", flag.String())
	c.fire(ev)
	return nil
}

// SetFlag sets f.
func (c *Channel) SetFlag(f Flag) {
	c.mu.Lock()
	c.flags.Set(f)
	c.broadcastLocked()
	c.mu.Unlock()
}

// ClearFlag clears f.
func (c *Channel) ClearFlag(f Flag) {
	c.mu.Lock()
	c.flags.Clear(f)
	c.broadcastLocked()
	c.mu.Unlock()
}

// TestFlag reports whether f is set.
func (c *Channel) TestFlag(f Flag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Has(f)
}

// TestFlagLocked is TestFlag for callers holding Lock.
func (c *Channel) TestFlagLocked(f Flag) bool { return c.flags.Has(f) }

// Flags returns the names of the set flags.
func (c *Channel) Flags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Names()
}

// Kill delivers sig without blocking. Signals beyond the buffer are dropped;
// the receiver only needs to learn that something happened.
func (c *Channel) Kill(sig Signal) {
	select {
	case c.signals <- sig:
	default:
		c.logger.Debug("signal queue full", "signal", sig.String())
	}
}

// Signals is read by the goroutine servicing the channel's media.
func (c *Channel) Signals() <-chan Signal { return c.signals }

func (c *Channel) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitForFlag blocks until f is set (want) or cleared (!want).
func (c *Channel) WaitForFlag(ctx context.Context, f Flag, want bool) error {
	for {
		c.mu.Lock()
		has := c.flags.Has(f)
		changed := c.changed
		c.mu.Unlock()
		if has == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForState blocks until the channel's running state reaches want. It
// gives up with ErrChannelDown when this channel or other (optional) is hung
// up first.
func (c *Channel) WaitForState(ctx context.Context, other *Channel, want State) error {
	for {
		c.mu.Lock()
		running, up := c.runningState, c.upLocked()
		changed := c.changed
		c.mu.Unlock()
		if running == want {
			return nil
		}
		if !up {
			return ErrChannelDown
		}

		var otherChanged chan struct{}
		if other != nil {
			other.mu.Lock()
			otherUp := other.upLocked()
			otherChanged = other.changed
			other.mu.Unlock()
			if !otherUp {
				return ErrChannelDown
			}
		}

		select {
		case <-changed:
		case <-otherChanged:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BindPrivate attaches an arbitrary object under key; nil removes it.
func (c *Channel) BindPrivate(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		delete(c.private, key)
		return
	}
	c.private[key] = v
}

// Private returns the object bound under key.
func (c *Channel) Private(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.private[key]
	return v, ok
}

// SetCallerProfile installs p as the active profile. A replacement inherits
// the creation, progress, answer and hangup times of the profile it
// supersedes, and that profile records the transfer time. The previous
// profile stays in the history.
func (c *Channel) SetCallerProfile(p *CallerProfile) {
	np := p.clone()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if np.UUID != c.uuid {
		np.UUID = c.uuid
	}
	if np.ChannelName == "" {
		np.ChannelName = c.name
	}
	if np.Context == "" {
		np.Context = "default"
	}
	if np.Times.ProfileCreated.IsZero() {
		np.Times.ProfileCreated = now
	}

	if cur := c.profiles[0]; cur != nil {
		cur.Times.Transferred = np.Times.ProfileCreated
		np.Times.Created = cur.Times.Created
		np.Times.Progress = cur.Times.Progress
		np.Times.ProgressMedia = cur.Times.ProgressMedia
		np.Times.Answered = cur.Times.Answered
		np.Times.Hungup = cur.Times.Hungup
	}
	if np.Times.Created.IsZero() {
		np.Times.Created = now
	}
	c.profiles = append([]*CallerProfile{np}, c.profiles...)
}

// CallerProfile returns a copy of the active profile.
func (c *Channel) CallerProfile() *CallerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles[0].clone()
}

// ProfileHistory returns copies of every profile, most recent first.
func (c *Channel) ProfileHistory() []*CallerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CallerProfile, len(c.profiles))
	for i, p := range c.profiles {
		out[i] = p.clone()
	}
	return out
}

// SetOriginatorProfile links the profile of the leg that spawned this one.
func (c *Channel) SetOriginatorProfile(p *CallerProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[0].originator = p.clone()
}

// SetOriginateeProfile links the profile of the leg this one spawned.
func (c *Channel) SetOriginateeProfile(p *CallerProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[0].originatee = p.clone()
}

// Info is a JSON friendly snapshot of a channel.
type Info struct {
	UUID         string         `json:"uuid"`
	Name         string         `json:"name"`
	State        string         `json:"state"`
	RunningState string         `json:"running_state"`
	Cause        string         `json:"hangup_cause,omitempty"`
	Flags        []string       `json:"flags,omitempty"`
	Profile      *CallerProfile `json:"caller_profile"`
	Variables    []Variable     `json:"variables,omitempty"`
	DTMFQueued   int            `json:"dtmf_queued"`
}

// Info returns a snapshot for status reporting.
func (c *Channel) Info() Info {
	queued := c.PendingDTMF()

	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		UUID:         c.uuid,
		Name:         c.name,
		State:        c.state.String(),
		RunningState: c.runningState.String(),
		Flags:        c.flags.Names(),
		Profile:      c.profiles[0].clone(),
		Variables:    c.vars.all(),
		DTMFQueued:   queued,
	}
	if c.cause != CauseNone {
		info.Cause = c.cause.String()
	}
	return info
}

// eventLocked builds an event carrying the full channel snapshot.
func (c *Channel) eventLocked(t EventType) *Event {
	ev := &Event{Type: t, UUID: c.uuid, Timestamp: time.Now()}
	ev.AddHeader("Event-Name", string(t))
	ev.AddHeader("Unique-ID", c.uuid)
	ev.AddHeader("Channel-Name", c.name)
	ev.AddHeader("Channel-State", c.state.String())
	ev.AddHeader("Channel-State-Number", strconv.Itoa(int(c.state)))
	ev.AddHeader("Channel-Running-State", c.runningState.String())
	ev.AddHeader("Answer-State", c.answerStateLocked())
	if c.cause != CauseNone {
		ev.AddHeader("Hangup-Cause", c.cause.String())
	}

	p := c.profiles[0]
	ev.Headers = append(ev.Headers, p.eventHeaders("Caller")...)
	if p.originator != nil {
		ev.Headers = append(ev.Headers, p.originator.eventHeaders("Other-Leg")...)
	} else if p.originatee != nil {
		ev.Headers = append(ev.Headers, p.originatee.eventHeaders("Other-Leg")...)
	}
	for _, v := range c.vars.list {
		ev.AddHeader("variable_"+v.Name, v.Value)
	}
	return ev
}

func (c *Channel) answerStateLocked() string {
	switch {
	case c.state >= StateHangup:
		return "hangup"
	case c.flags.Has(FlagAnswered):
		return "answered"
	case c.flags.Has(FlagEarlyMedia):
		return "early"
	case c.flags.Has(FlagRingReady):
		return "ringing"
	}
	return "new"
}

// FireEvent publishes a custom event carrying the channel snapshot.
func (c *Channel) FireEvent(t EventType, subclass string, body string, extra ...Header) {
	c.mu.Lock()
	ev := c.eventLocked(t)
	c.mu.Unlock()

	ev.Subclass = subclass
	if subclass != "" {
		ev.AddHeader("Event-Subclass", subclass)
	}
	ev.Headers = append(ev.Headers, extra...)
	ev.Body = body
	c.fire(ev)
}

func (c *Channel) fire(ev *Event) {
	if ev == nil {
		return
	}
	c.sink.Publish(ev)
}

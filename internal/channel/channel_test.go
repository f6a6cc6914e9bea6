package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) Publish(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t EventType) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i]
		}
	}
	return nil
}

type violations struct {
	mu   sync.Mutex
	errs []*TransitionError
}

func (v *violations) handle(_ *Channel, err *TransitionError) {
	v.mu.Lock()
	v.errs = append(v.errs, err)
	v.mu.Unlock()
}

func (v *violations) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.errs)
}

func newTestRegistry(t *testing.T) (*Registry, *recorder, *violations) {
	t.Helper()
	rec := &recorder{}
	vio := &violations{}
	r := NewRegistry(Options{
		MaxStateHandlers: 4,
		DTMFQueueSize:    4,
		Globals:          map[string]string{"domain": "example.com", "caller_id_name": "global"},
		Sink:             rec,
		Violation:        vio.handle,
	})
	return r, rec, vio
}

func TestLegalTransitionsConverge(t *testing.T) {
	for from := StateNew; from < StateHangup; from++ {
		for _, to := range successors[from] {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				r, _, vio := newTestRegistry(t)
				ch := r.Create("test/legal")
				if from != StateNew {
					require.NoError(t, ch.SetState(from))
					require.Equal(t, from, ch.AdvanceStates())
				}

				require.NoError(t, ch.SetState(to))
				assert.Equal(t, to, ch.State())
				assert.Equal(t, from, ch.RunningState(), "running state lags until advanced")

				assert.Equal(t, to, ch.AdvanceStates())
				assert.Equal(t, to, ch.RunningState())
				assert.Zero(t, vio.len())
			})
		}
	}
}

func TestIllegalTransitionsAreViolations(t *testing.T) {
	for from := StateNew; from < StateHangup; from++ {
		for to := StateNew; to < StateHangup; to++ {
			if to == from || CanTransition(from, to) {
				continue
			}
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				r, _, vio := newTestRegistry(t)
				ch := r.Create("test/illegal")
				if from != StateNew {
					require.NoError(t, ch.SetState(from))
				}

				err := ch.SetState(to)
				require.ErrorIs(t, err, ErrInvalidTransition)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
				assert.Equal(t, 1, vio.len())
				assert.Equal(t, from, ch.State())
			})
		}
	}
}

func TestDefaultViolationHandlerPanics(t *testing.T) {
	r := NewRegistry(Options{})
	ch := r.Create("test/panic")
	require.NoError(t, ch.SetState(StateInit))
	require.NoError(t, ch.SetState(StateExecute))

	assert.Panics(t, func() { _ = ch.SetState(StateInit) })
}

func TestTransitionAfterHangupIsIgnored(t *testing.T) {
	r, _, vio := newTestRegistry(t)
	ch := r.Create("test/late")
	require.NoError(t, ch.SetState(StateInit))
	ch.Hangup(CauseUserBusy)

	err := ch.SetState(StateExecute)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, vio.len(), "post-hangup violations are only logged")
	assert.Equal(t, StateHangup, ch.State())

	assert.NoError(t, ch.SetState(StateHangup))
	assert.Equal(t, StateHangup, ch.State())
}

func TestHangupScenario(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/scenario")

	require.NoError(t, ch.SetState(StateNew))
	require.NoError(t, ch.SetState(StateInit))
	require.NoError(t, ch.SetState(StateExecute))
	assert.Equal(t, StateHangup, ch.Hangup(CauseNormalClearing))

	assert.Equal(t, StateHangup, ch.State())
	assert.Equal(t, CauseNormalClearing, ch.Cause())
	assert.Equal(t, "NORMAL_CLEARING", ch.Variable(VarHangupCause))
	assert.Equal(t, "16", ch.Variable(VarHangupCauseQ))
	assert.Equal(t, 1, rec.count(EventHangup))
	assert.False(t, ch.CallerProfile().Times.Hungup.IsZero())

	ev := rec.last(EventHangup)
	require.NotNil(t, ev)
	assert.Equal(t, "NORMAL_CLEARING", ev.Header("Hangup-Cause"))
	assert.Equal(t, ch.UUID(), ev.Header("Unique-ID"))
	assert.Equal(t, "CS_HANGUP", ev.Header("Channel-State"))
	assert.Equal(t, "test/scenario", ev.Header("Caller-Channel-Name"))
}

func TestHangupIsIdempotent(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/idem")
	hooks := 0
	ch.OnHangup(func(*Channel) { hooks++ })

	ch.Hangup(CauseNone)
	first := ch.CallerProfile().Times.Hungup
	time.Sleep(2 * time.Millisecond)
	ch.Hangup(CauseCallRejected)

	assert.Equal(t, first, ch.CallerProfile().Times.Hungup)
	assert.Equal(t, CauseNormalClearing, ch.Cause(), "default cause, not overwritten")
	assert.Equal(t, 1, rec.count(EventHangup))
	assert.Equal(t, 1, hooks)

	select {
	case sig := <-ch.Signals():
		assert.Equal(t, SigKill, sig)
	default:
		t.Fatal("hangup did not signal the channel")
	}
}

func TestHangupBillingVariables(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/bill")
	require.NoError(t, ch.MarkAnswered())
	ch.Hangup(CauseNormalClearing)

	for _, name := range []string{"start_epoch", "answer_epoch", "end_epoch", "duration", "billsec", "billmsec"} {
		v, ok := ch.GetVariable(name)
		assert.True(t, ok, name)
		assert.NotEmpty(t, v, name)
	}
	assert.NotEqual(t, "0", ch.Variable("answer_epoch"))
}

func TestAdvanceStatesRunsHandlerChain(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/handlers")

	var seen []State
	routing := &StateHandler{Name: "router", Handle: func(c *Channel, s State) bool {
		seen = append(seen, s)
		if s == StateRouting {
			require.NoError(t, c.SetState(StateExecute))
		}
		return true
	}}
	stopper := &StateHandler{Name: "stop", Handle: func(*Channel, State) bool { return false }}
	never := &StateHandler{Name: "never", Handle: func(*Channel, State) bool {
		t.Error("handler after a stopping handler ran")
		return true
	}}
	for _, h := range []*StateHandler{routing, stopper, never} {
		_, err := ch.AddStateHandler(h)
		require.NoError(t, err)
	}

	require.NoError(t, ch.SetState(StateRouting))
	assert.Equal(t, StateExecute, ch.AdvanceStates())
	assert.Equal(t, []State{StateRouting, StateExecute}, seen)
	assert.Equal(t, 2, rec.count(EventChannelState))

	// nothing pending: no handlers, no events
	assert.Equal(t, StateExecute, ch.AdvanceStates())
	assert.Equal(t, 2, rec.count(EventChannelState))
}

func TestAdvanceThroughHangupRemovesChannel(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/done")
	require.NoError(t, ch.SetState(StateExecute))
	ch.AdvanceStates()
	require.Equal(t, 1, r.Count())

	ch.Hangup(CauseNormalClearing)
	assert.Equal(t, StateDone, ch.AdvanceStates())
	assert.Equal(t, StateDone, ch.State())
	assert.Equal(t, StateDone, ch.RunningState())
	assert.Equal(t, 1, rec.count(EventHangupComplete))
	assert.Equal(t, 1, rec.count(EventDestroy))
	assert.Zero(t, r.Count())

	_, ok := r.Locate(ch.UUID())
	assert.False(t, ok)
	assert.ErrorIs(t, ch.SetState(StateInit), ErrInvalidTransition)
}

func TestStateHandlerTable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/table")
	h := &StateHandler{Name: "h"}

	i, err := ch.AddStateHandler(h)
	require.NoError(t, err)
	j, err := ch.AddStateHandler(h)
	require.NoError(t, err)
	assert.Equal(t, i, j)
	assert.Equal(t, 1, ch.StateHandlerCount())
	assert.Same(t, h, ch.StateHandler(0))
	assert.Nil(t, ch.StateHandler(5))

	for k := 0; k < 3; k++ {
		_, err := ch.AddStateHandler(&StateHandler{})
		require.NoError(t, err)
	}
	_, err = ch.AddStateHandler(&StateHandler{})
	assert.ErrorIs(t, err, ErrTooManyHandlers)

	ch.ClearStateHandler(h)
	assert.Equal(t, 3, ch.StateHandlerCount())
	ch.ClearStateHandler(nil)
	assert.Zero(t, ch.StateHandlerCount())
}

func TestEnteringRoutingClearsTransferAndPublishesPresence(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/presence")
	ch.SetFlag(FlagTransfer)
	assert.False(t, ch.Ready())

	require.NoError(t, ch.SetState(StateInit))
	assert.True(t, ch.TestFlag(FlagTransfer))
	assert.Zero(t, rec.count(EventPresenceIn))

	require.NoError(t, ch.SetState(StateRouting))
	assert.False(t, ch.TestFlag(FlagTransfer))
	assert.True(t, ch.Ready())
	ev := rec.last(EventPresenceIn)
	require.NotNil(t, ev)
	assert.Equal(t, "CS_ROUTING", ev.Header("Presence-Call-State"))
}

func TestMarksAreIdempotent(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/marks")

	require.NoError(t, ch.MarkRingReady())
	require.NoError(t, ch.MarkRingReady())
	require.NoError(t, ch.MarkPreAnswered())
	require.NoError(t, ch.MarkAnswered())
	require.NoError(t, ch.MarkAnswered())

	assert.Equal(t, 1, rec.count(EventProgress))
	assert.Equal(t, 1, rec.count(EventProgressMedia))
	assert.Equal(t, 1, rec.count(EventAnswer))
	assert.True(t, ch.TestFlag(FlagAnswered))
	assert.Equal(t, "answered", rec.last(EventAnswer).Header("Answer-State"))

	times := ch.CallerProfile().Times
	assert.False(t, times.Progress.IsZero())
	assert.False(t, times.ProgressMedia.IsZero())
	assert.False(t, times.Answered.IsZero())

	ch.Hangup(CauseNormalClearing)
	other := r.Create("test/late-mark")
	other.Hangup(CauseNormalClearing)
	assert.ErrorIs(t, other.MarkAnswered(), ErrChannelDown)
}

func TestMarkAnsweredBreaksOriginator(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a := r.Create("test/a")
	b := r.Create("test/b")
	b.SetVariable(VarOriginator, a.UUID())

	require.NoError(t, b.MarkAnswered())
	select {
	case sig := <-a.Signals():
		assert.Equal(t, SigBreak, sig)
	case <-time.After(time.Second):
		t.Fatal("originator was not interrupted")
	}
}

func TestWaitForFlag(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/wait-flag")

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.WaitForFlag(context.Background(), FlagBridged, true)
	}()
	time.Sleep(10 * time.Millisecond)
	ch.SetFlag(FlagBridged)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForFlag did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.WaitForFlag(ctx, FlagHold, true), context.DeadlineExceeded)
}

func TestWaitForState(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a := r.Create("test/wait-a")
	b := r.Create("test/wait-b")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.WaitForState(context.Background(), b, StateExecute)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.SetState(StateExecute))
	a.AdvanceStates()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForState did not return")
	}

	go func() {
		errCh <- a.WaitForState(context.Background(), b, StatePark)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Hangup(CauseNormalClearing)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelDown)
	case <-time.After(time.Second):
		t.Fatal("WaitForState ignored the other leg hanging up")
	}
}

func TestVariableLookupChain(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/vars")
	ch.SetCallerProfile(&CallerProfile{
		CallerIDName:      "Alice",
		CallerIDNumber:    "1000",
		DestinationNumber: "2000",
	})
	ch.SetOriginatorProfile(&CallerProfile{CallerIDNumber: "3000"})

	// profile beats globals
	assert.Equal(t, "Alice", ch.Variable("caller_id_name"))
	// globals are the last resort
	assert.Equal(t, "example.com", ch.Variable("domain"))
	assert.Equal(t, "3000", ch.Variable("aleg_caller_id_number"))
	_, ok := ch.GetVariable("bleg_caller_id_number")
	assert.False(t, ok)
	_, ok = ch.GetVariable("missing")
	assert.False(t, ok)

	// local beats profile
	ch.SetVariable("caller_id_name", "Override")
	assert.Equal(t, "Override", ch.Variable("caller_id_name"))
	assert.True(t, ch.UnsetVariable("caller_id_name"))
	assert.Equal(t, "Alice", ch.Variable("caller_id_name"))

	// case sensitive, last write wins
	ch.SetVariable("Key", "a")
	ch.SetVariable("key", "b")
	ch.SetVariable("Key", "c")
	assert.Equal(t, "c", ch.Variable("Key"))
	assert.Equal(t, []Variable{{Name: "Key", Value: "c"}, {Name: "key", Value: "b"}}, ch.Variables())
}

func TestExpandVariables(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/expand")
	ch.SetCallerProfile(&CallerProfile{DestinationNumber: "2000"})
	ch.SetVariable("leg", "b")
	ch.SetVariable("target_b", "bob")

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${destination_number}@${domain}", "2000@example.com"},
		{"${target_${leg}}", "bob"},
		{"cost \\${x}", "cost ${x}"},
		{"${unknown}!", "!"},
		{"open ${brace", "open ${brace"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ch.ExpandVariables(tt.in), tt.in)
	}
}

func TestExportVariable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a := r.Create("test/export-a")
	b := r.Create("test/export-b")

	assert.ErrorIs(t, a.SetVariablePartner("x", "1"), ErrNoPartner)

	a.SetVariable(VarSignalBond, b.UUID())
	a.ExportVariable("sip_h_X-Tag", "t1")
	a.ExportVariable("sip_h_X-Tag", "t2")
	a.ExportVariable("color", "blue")

	assert.Equal(t, "sip_h_X-Tag,color", a.Variable(VarExportVars))
	assert.Equal(t, "t2", b.Variable("sip_h_X-Tag"))
	assert.Equal(t, "blue", b.Variable("color"))
	assert.Equal(t, []Variable{{Name: "sip_h_X-Tag", Value: "t2"}, {Name: "color", Value: "blue"}}, a.ExportedVariables())

	require.NoError(t, a.SetVariablePartner("direct", "yes"))
	assert.Equal(t, "yes", b.Variable("direct"))
}

func TestCallerProfileHistory(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/profile")
	created := ch.CallerProfile().Times.Created
	require.NoError(t, ch.MarkAnswered())

	ch.SetCallerProfile(&CallerProfile{CallerIDNumber: "1000", UUID: "bogus"})
	ch.SetCallerProfile(&CallerProfile{CallerIDNumber: "2000"})

	history := ch.ProfileHistory()
	require.Len(t, history, 3)
	cur := history[0]
	assert.Equal(t, "2000", cur.CallerIDNumber)
	assert.Equal(t, ch.UUID(), cur.UUID)
	assert.Equal(t, "test/profile", cur.ChannelName)
	assert.Equal(t, "default", cur.Context)
	assert.Equal(t, created, cur.Times.Created)
	assert.False(t, cur.Times.Answered.IsZero())
	assert.Equal(t, cur.Times.ProfileCreated, history[1].Times.Transferred)
	assert.Equal(t, "1000", history[1].CallerIDNumber)

	// returned copies are detached
	cur.CallerIDNumber = "mutated"
	assert.Equal(t, "2000", ch.CallerProfile().CallerIDNumber)
}

func TestPrivateData(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/private")
	type session struct{ id string }

	ch.BindPrivate("msrp", &session{id: "s1"})
	v, ok := ch.Private("msrp")
	require.True(t, ok)
	assert.Equal(t, "s1", v.(*session).id)

	ch.BindPrivate("msrp", nil)
	_, ok = ch.Private("msrp")
	assert.False(t, ok)
}

func TestLockedStateChange(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ch := r.Create("test/locked")

	ch.Lock()
	var publish func()
	var err error
	if ch.StateLocked() == StateNew && !ch.TestFlagLocked(FlagAnswered) {
		publish, err = ch.SetStateLocked(StateRouting)
	}
	ch.Unlock()
	require.NoError(t, err)
	publish()

	assert.Equal(t, StateRouting, ch.State())
	assert.Equal(t, 1, rec.count(EventPresenceIn))

	ch.Lock()
	_, err = ch.SetStateLocked(StateHangup)
	ch.Unlock()
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	a, err := r.CreateWithUUID("fixed-uuid", "test/a")
	require.NoError(t, err)
	_, err = r.CreateWithUUID("fixed-uuid", "test/dup")
	assert.ErrorIs(t, err, ErrDuplicateUUID)
	b := r.Create("test/b")

	assert.Equal(t, 2, rec.count(EventChannelCreate))
	assert.Equal(t, 2, r.Count())
	got, ok := r.Locate("fixed-uuid")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []*Channel{a, b}, r.List())

	r.SetGlobal("region", "eu")
	v, ok := r.Global("region")
	assert.True(t, ok)
	assert.Equal(t, "eu", v)
	r.ReplaceGlobals(map[string]string{"only": "1"})
	assert.Equal(t, map[string]string{"only": "1"}, r.Globals())

	assert.Equal(t, 2, r.HangupAll(CauseSystemShutdown))
	assert.Zero(t, r.Count())
	assert.Equal(t, CauseSystemShutdown, a.Cause())
}

func TestInfoSnapshot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := r.Create("test/info")
	ch.SetFlag(FlagText)
	ch.SetVariable("k", "v")
	_, err := ch.QueueDTMFString("12")
	require.NoError(t, err)

	info := ch.Info()
	assert.Equal(t, ch.UUID(), info.UUID)
	assert.Equal(t, "CS_NEW", info.State)
	assert.Equal(t, []string{"HAS_TEXT"}, info.Flags)
	assert.Equal(t, 2, info.DTMFQueued)
	assert.Empty(t, info.Cause)
	assert.Equal(t, []Variable{{Name: "k", Value: "v"}}, info.Variables)
}

// Package chat connects a channel to an MSRP session: the session is keyed
// by the channel uuid, lives as long as the channel and feeds received text
// to a Handler.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/callcore/internal/channel"
	logpkg "firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/msrp"
)

// PrivateKey is the channel private slot holding the *Binding.
const PrivateKey = "msrp_session"

const defaultPollInterval = 200 * time.Millisecond

var ErrNotBound = errors.New("channel has no msrp session")

// Handler receives each complete text message popped from the session.
type Handler interface {
	HandleText(ch *channel.Channel, msg *msrp.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch *channel.Channel, msg *msrp.Message)

func (f HandlerFunc) HandleText(ch *channel.Channel, msg *msrp.Message) { f(ch, msg) }

// Options configures Bind.
type Options struct {
	Secure bool
	// RemotePath is the peer's MSRP path from the session negotiation. It
	// is required for client mode and for sending before the peer speaks.
	RemotePath   string
	Handler      Handler
	PollInterval time.Duration
}

// Binding is the live association of a channel and its MSRP session.
type Binding struct {
	ch      *channel.Channel
	engine  *msrp.Engine
	session *msrp.Session
	handler Handler
	poll    time.Duration
	logger  *slog.Logger

	// partial payloads of spilled messages, keyed by Message-ID
	mu      sync.Mutex
	pending map[string][]byte

	closeOnce sync.Once
}

// Bind allocates a session for ch on e, stores the binding in the channel's
// private data, marks the channel as carrying text and arranges for the
// session to be destroyed when the channel hangs up.
func Bind(ch *channel.Channel, e *msrp.Engine, opts Options) (*Binding, error) {
	if !ch.Up() {
		return nil, channel.ErrChannelDown
	}
	s, err := e.NewSession(ch.UUID(), opts.Secure)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", ch.UUID(), err)
	}
	if opts.RemotePath != "" {
		s.SetPaths("", opts.RemotePath)
		ch.SetVariable(channel.VarMSRPRemotePath, opts.RemotePath)
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFunc(DefaultHandler)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	b := &Binding{
		ch:      ch,
		engine:  e,
		session: s,
		handler: opts.Handler,
		poll:    opts.PollInterval,
		logger:  logpkg.Get().With("component", "chat", "uuid", ch.UUID()),
		pending: make(map[string][]byte),
	}

	ch.BindPrivate(PrivateKey, b)
	ch.SetVariable(channel.VarMSRPLocalPath, s.LocalPath())
	ch.SetFlag(channel.FlagText)
	if opts.Secure {
		ch.SetFlag(channel.FlagMSRPS)
	} else {
		ch.SetFlag(channel.FlagMSRP)
	}
	ch.OnHangup(func(*channel.Channel) { b.Close() })

	b.logger.Info("msrp session bound", "local_path", s.LocalPath(), "secure", opts.Secure)
	return b, nil
}

// Of returns the binding stored on ch.
func Of(ch *channel.Channel) (*Binding, bool) {
	v, ok := ch.Private(PrivateKey)
	if !ok {
		return nil, false
	}
	b, ok := v.(*Binding)
	return b, ok
}

// Session returns the underlying MSRP session.
func (b *Binding) Session() *msrp.Session { return b.session }

// Channel returns the bound channel.
func (b *Binding) Channel() *channel.Channel { return b.ch }

// Dial connects to the remote path in client mode.
func (b *Binding) Dial() error {
	return b.engine.StartClient(b.session)
}

// Reply sends text to the peer.
func (b *Binding) Reply(contentType, text string) (msrp.SendResult, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	return b.session.SendText(contentType, []byte(text))
}

// Run pops received messages and hands each complete one to the handler
// until the channel goes down, the session is destroyed, the channel is sent
// SigKill or ctx is cancelled.
func (b *Binding) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.drainSignals() || b.ch.Down() {
			return nil
		}
		select {
		case <-b.session.Done():
			return nil
		default:
		}

		msg := b.session.Pop(b.poll)
		if msg == nil {
			continue
		}
		if full := b.reassemble(msg); full != nil {
			b.deliver(full)
		}
	}
}

// drainSignals consumes pending signals and reports whether to keep running.
func (b *Binding) drainSignals() bool {
	for {
		select {
		case sig := <-b.ch.Signals():
			if sig == channel.SigKill {
				return false
			}
			b.logger.Debug("signal", "signal", sig.String())
		default:
			return true
		}
	}
}

// reassemble joins spilled chunks with the message that completes them.
func (b *Binding) reassemble(msg *msrp.Message) *msrp.Message {
	if msg.Method != msrp.MethodSend {
		return nil
	}
	id := msg.Header(msrp.HeaderMessageID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Chunk {
		b.pending[id] = append(b.pending[id], msg.Payload...)
		return nil
	}
	head, ok := b.pending[id]
	if !ok {
		return msg
	}
	delete(b.pending, id)
	if msg.Aborted {
		b.logger.Debug("dropping aborted message", "message_id", id)
		return nil
	}
	msg.Payload = append(head, msg.Payload...)
	return msg
}

func (b *Binding) deliver(msg *msrp.Message) {
	if msg.Aborted || len(msg.Payload) == 0 {
		return
	}
	b.handler.HandleText(b.ch, msg)

	if b.ch.TestFlag(channel.FlagTextEcho) {
		ct := msg.Header(msrp.HeaderContentType)
		if _, err := b.Reply(ct, string(msg.Payload)); err != nil {
			b.logger.Warn("echo failed", "error", err)
		}
	}
}

// Close destroys the session and detaches it from the channel. It is safe to
// call more than once.
func (b *Binding) Close() {
	b.closeOnce.Do(func() {
		b.session.Destroy()
		b.mu.Lock()
		clear(b.pending)
		b.mu.Unlock()
		b.ch.BindPrivate(PrivateKey, nil)
		b.ch.ClearFlag(channel.FlagText)
		b.logger.Info("msrp session released")
	})
}

// DefaultHandler stores the text in last_text_message and publishes a
// MESSAGE event carrying it.
func DefaultHandler(ch *channel.Channel, msg *msrp.Message) {
	text := string(msg.Payload)
	ch.SetVariable(channel.VarLastTextMsg, text)
	ch.FireEvent(channel.EventMessage, "", text,
		channel.Header{Name: "Content-Type", Value: msg.Header(msrp.HeaderContentType)},
		channel.Header{Name: "MSRP-Message-ID", Value: msg.Header(msrp.HeaderMessageID)},
		channel.Header{Name: "MSRP-From-Path", Value: msg.Header(msrp.HeaderFromPath)},
	)
}

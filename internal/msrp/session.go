package msrp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"firestige.xyz/callcore/internal/metrics"
)

var (
	ErrSessionClosed = errors.New("msrp session closed")
	ErrSessionBusy   = errors.New("msrp session already bound to a connection")
	ErrNoRemotePath  = errors.New("msrp session has no remote path")
)

// SendResult tells the caller what happened to a message handed to Send.
type SendResult int

const (
	SendOK       SendResult = iota // written to the transport
	SendBuffered                   // held until the transport is ready
	SendDropped                    // lost: buffer full, session closed or write failed
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendBuffered:
		return "buffered"
	default:
		return "dropped"
	}
}

// Session is the MSRP endpoint of one call. It owns at most one connection at
// a time, a FIFO of received messages and a bounded buffer of messages sent
// before the connection came up.
//
// Lock order: writeMu before mu. Destroy only takes mu, so closing the socket
// can always interrupt a worker blocked in read or write.
type Session struct {
	callID    string
	secure    bool
	localPort int
	createdAt time.Time
	engine    *Engine
	logger    *slog.Logger

	highWater int
	sendLimit int

	mu         sync.Mutex
	conn       net.Conn // framed connection, TLS when secure
	raw        net.Conn // underlying socket, closed on destroy
	closed     bool
	received   fifo[*Message]
	pending    fifo[*Message]
	localPath  string
	remotePath string
	remoteAddr string
	workerDone chan struct{}

	writeMu sync.Mutex

	running *abool.AtomicBool
	done    chan struct{} // closed by Destroy
	notify  chan struct{} // a message was queued
	drained chan struct{} // the queue fell to the high-water mark

	rxCount atomic.Int64
	txCount atomic.Int64
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	CallID     string    `json:"call_id"`
	Secure     bool      `json:"secure"`
	Running    bool      `json:"running"`
	LocalPort  int       `json:"local_port"`
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Queued     int       `json:"queued"`
	Pending    int       `json:"pending"`
	Received   int64     `json:"received"`
	Sent       int64     `json:"sent"`
	CreatedAt  time.Time `json:"created_at"`
}

func newSession(e *Engine, callID string, secure bool) *Session {
	s := &Session{
		callID:    callID,
		secure:    secure,
		localPort: e.port(secure),
		createdAt: time.Now(),
		engine:    e,
		logger:    e.logger.With("call_id", callID),
		highWater: e.cfg.MessageBufferSize,
		sendLimit: e.cfg.SendBufferSize,
		running:   abool.New(),
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
		drained:   make(chan struct{}, 1),
	}
	s.localPath = e.localPath(callID, secure)
	return s
}

// CallID returns the call the session belongs to.
func (s *Session) CallID() string { return s.callID }

// Secure reports whether the session uses msrps.
func (s *Session) Secure() bool { return s.secure }

// LocalPort is the listener port advertised for this session.
func (s *Session) LocalPort() int { return s.localPort }

// Running reports whether a worker currently services the session.
func (s *Session) Running() bool { return s.running.IsSet() }

// Done is closed once the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// LocalPath returns the From-Path used for outgoing messages.
func (s *Session) LocalPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPath
}

// RemotePath returns the To-Path used for outgoing messages.
func (s *Session) RemotePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePath
}

// SetPaths records the paths negotiated in signaling. Empty values keep the
// current ones.
func (s *Session) SetPaths(local, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local != "" {
		s.localPath = local
	}
	if remote != "" {
		s.remotePath = remote
	}
}

// Len returns the number of received messages waiting to be popped.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.len()
}

// PushReceived appends msg to the receive FIFO.
func (s *Session) PushReceived(msg *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.received.push(msg)
	s.mu.Unlock()

	s.rxCount.Add(1)
	kick(s.notify)
}

// TryPop removes the oldest received message, or returns nil.
func (s *Session) TryPop() *Message {
	s.mu.Lock()
	msg, ok := s.received.pop()
	remaining := s.received.len()
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if remaining <= s.highWater {
		kick(s.drained)
	}
	if remaining > 0 {
		kick(s.notify)
	}
	return msg
}

// Pop waits up to timeout for a received message. It returns nil when the
// queue stays empty or the session is destroyed; callers poll again while
// their channel is up.
func (s *Session) Pop(timeout time.Duration) *Message {
	if msg := s.TryPop(); msg != nil || timeout <= 0 {
		return msg
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.notify:
			if msg := s.TryPop(); msg != nil {
				return msg
			}
		case <-timer.C:
			return s.TryPop()
		case <-s.done:
			return nil
		}
	}
}

// Send writes msg to the connection. Before the connection is up the message
// is buffered (up to the send buffer size, then dropped with a warning) and
// flushed, in order, ahead of the next message once the transport is ready.
func (s *Session) Send(msg *Message) (SendResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SendDropped, ErrSessionClosed
	}
	if s.conn == nil || !s.running.IsSet() {
		if s.pending.len() >= s.sendLimit {
			s.mu.Unlock()
			metrics.MSRPSendBufferTotal.WithLabelValues("dropped").Inc()
			s.logger.Warn("msrp send buffer full, dropping message",
				"txn", msg.TransactionID,
				"limit", s.sendLimit,
			)
			return SendDropped, nil
		}
		s.pending.push(msg)
		s.mu.Unlock()
		metrics.MSRPSendBufferTotal.WithLabelValues("buffered").Inc()
		return SendBuffered, nil
	}
	conn := s.conn
	backlog := s.pending.drain()
	s.mu.Unlock()

	for _, m := range backlog {
		if err := s.write(conn, m); err != nil {
			return SendDropped, err
		}
	}
	if err := s.write(conn, msg); err != nil {
		return SendDropped, err
	}
	return SendOK, nil
}

// SendText sends payload as a single SEND along the session's paths.
func (s *Session) SendText(contentType string, payload []byte) (SendResult, error) {
	s.mu.Lock()
	local, remote := s.localPath, s.remotePath
	s.mu.Unlock()

	if remote == "" {
		return SendDropped, ErrNoRemotePath
	}
	return s.Send(NewSend(remote, local, contentType, payload))
}

// Destroy closes the connection, waits a bounded time for the worker to
// notice, and releases the queues. It is idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	raw := s.raw
	workerDone := s.workerDone
	if raw != nil {
		raw.Close()
	}
	s.mu.Unlock()

	if raw != nil && workerDone != nil {
		s.awaitWorker(workerDone)
	}

	s.mu.Lock()
	s.received.reset()
	s.pending.reset()
	s.mu.Unlock()

	s.engine.forget(s)
	s.logger.Info("msrp session destroyed")
}

func (s *Session) awaitWorker(workerDone <-chan struct{}) {
	retries, interval := s.engine.cfg.DestroyRetries, s.engine.cfg.DestroyInterval
	for i := 0; i < retries; i++ {
		select {
		case <-workerDone:
			return
		case <-time.After(interval):
		}
	}
	s.logger.Warn("msrp worker still running after destroy", "retries", retries)
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		CallID:     s.callID,
		Secure:     s.secure,
		Running:    s.running.IsSet(),
		LocalPort:  s.localPort,
		LocalPath:  s.localPath,
		RemotePath: s.remotePath,
		RemoteAddr: s.remoteAddr,
		Queued:     s.received.len(),
		Pending:    s.pending.len(),
		Received:   s.rxCount.Load(),
		Sent:       s.txCount.Load(),
		CreatedAt:  s.createdAt,
	}
}

// attach binds a worker's connection to the session, marks it running and
// writes bootstrap (if any) followed by every buffered send.
func (s *Session) attach(conn, raw net.Conn, bootstrap *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.conn = conn
	s.raw = raw
	s.remoteAddr = raw.RemoteAddr().String()
	s.workerDone = make(chan struct{})
	s.running.Set()
	backlog := s.pending.drain()
	s.mu.Unlock()

	s.logger.Info("msrp session attached", "remote", s.remoteAddr, "buffered", len(backlog))

	if bootstrap != nil {
		backlog = append([]*Message{bootstrap}, backlog...)
	}
	for _, m := range backlog {
		if err := s.write(conn, m); err != nil {
			s.detach(conn)
			return err
		}
	}
	return nil
}

// detach undoes attach when the worker exits.
func (s *Session) detach(conn net.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.raw = nil
	s.running.UnSet()
	workerDone := s.workerDone
	s.mu.Unlock()

	close(workerDone)
}

// learnPaths fills paths still unknown from an inbound request.
func (s *Session) learnPaths(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remotePath == "" {
		s.remotePath = msg.Header(HeaderFromPath)
	}
}

// respond writes worker-generated frames (replies and reports) in order.
func (s *Session) respond(conn net.Conn, msgs ...*Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, m := range msgs {
		if err := s.write(conn, m); err != nil {
			return err
		}
	}
	return nil
}

// write frames one message. A write error closes the socket so the worker's
// read loop terminates; nothing is retried here.
func (s *Session) write(conn net.Conn, m *Message) error {
	s.engine.txns.track(s.callID, m)
	if err := s.engine.writeFrame(conn, s.callID, m); err != nil {
		s.logger.Warn("msrp write failed", "txn", m.TransactionID, "error", err)
		s.mu.Lock()
		if s.raw != nil {
			s.raw.Close()
		}
		s.mu.Unlock()
		return err
	}
	s.txCount.Add(1)
	return nil
}

// waitBelowHighWater blocks while more than highWater messages are queued.
// It returns false once the session is destroyed.
func (s *Session) waitBelowHighWater(interval time.Duration) bool {
	for {
		s.mu.Lock()
		n, closed := s.received.len(), s.closed
		s.mu.Unlock()

		if closed {
			return false
		}
		if n <= s.highWater {
			return true
		}
		select {
		case <-s.drained:
		case <-s.done:
			return false
		case <-time.After(interval):
		}
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("msrp session %s", s.callID)
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

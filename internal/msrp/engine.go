package msrp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	logpkg "firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/metrics"
)

var (
	ErrSessionExists = errors.New("msrp session already exists")
	ErrEngineStopped = errors.New("msrp engine stopped")
)

// backpressureInterval bounds how long a worker sleeps between queue checks
// while its session is above the high-water mark.
const backpressureInterval = 20 * time.Millisecond

// Config tunes the engine. A negative port disables that listener; zero binds
// an ephemeral port.
type Config struct {
	ListenIP            string
	ListenPort          int
	ListenSSLPort       int
	CertFile            string
	KeyFile             string
	MessageBufferSize   int
	SendBufferSize      int
	FrameBufferSize     int
	MaxConnections      int
	SessionWaitRetries  int
	SessionWaitInterval time.Duration
	DestroyRetries      int
	DestroyInterval     time.Duration
	TransactionTimeout  time.Duration
	HandshakeTimeout    time.Duration
	Debug               bool
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		ListenIP:            "0.0.0.0",
		ListenPort:          2855,
		ListenSSLPort:       2856,
		MessageBufferSize:   50,
		SendBufferSize:      50,
		FrameBufferSize:     64 * 1024,
		SessionWaitRetries:  20,
		SessionWaitInterval: 100 * time.Millisecond,
		DestroyRetries:      10,
		DestroyInterval:     100 * time.Millisecond,
		TransactionTimeout:  30 * time.Second,
		HandshakeTimeout:    5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ListenIP == "" {
		c.ListenIP = d.ListenIP
	}
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = d.MessageBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.FrameBufferSize < MinBufferSize {
		c.FrameBufferSize = d.FrameBufferSize
	}
	if c.SessionWaitRetries <= 0 {
		c.SessionWaitRetries = d.SessionWaitRetries
	}
	if c.SessionWaitInterval <= 0 {
		c.SessionWaitInterval = d.SessionWaitInterval
	}
	if c.DestroyRetries <= 0 {
		c.DestroyRetries = d.DestroyRetries
	}
	if c.DestroyInterval <= 0 {
		c.DestroyInterval = d.DestroyInterval
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
}

// Engine owns the MSRP listeners, the session registry and every connection
// worker. It is the process-wide MSRP context.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	txns      *transactions
	debug     *abool.AtomicBool
	tlsConfig *tls.Config

	mu        sync.RWMutex
	sessions  map[string]*Session
	created   chan struct{} // closed and replaced on every NewSession
	listeners map[bool]net.Listener
	conns     map[net.Conn]struct{}
	stopped   bool

	workers conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEngine prepares an engine. Listeners are bound by Start.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	logger := logpkg.Get().With("component", "msrp")

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		txns:      newTransactions(cfg.TransactionTimeout, logger),
		debug:     abool.NewBool(cfg.Debug),
		sessions:  make(map[string]*Session),
		created:   make(chan struct{}),
		listeners: make(map[bool]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.ListenSSLPort >= 0 {
		cert, err := LoadOrGenerateCertificate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		e.tlsConfig = serverTLSConfig(cert)
	}
	return e, nil
}

// Start binds the enabled listeners and starts accepting. Both binds must
// succeed or neither listener is kept.
func (e *Engine) Start(ctx context.Context) error {
	var (
		g              errgroup.Group
		plain, secured net.Listener
	)
	if e.cfg.ListenPort >= 0 {
		g.Go(func() error {
			ln, err := e.listen(ctx, e.cfg.ListenPort)
			plain = ln
			return err
		})
	}
	if e.cfg.ListenSSLPort >= 0 {
		g.Go(func() error {
			ln, err := e.listen(ctx, e.cfg.ListenSSLPort)
			secured = ln
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, ln := range []net.Listener{plain, secured} {
			if ln != nil {
				ln.Close()
			}
		}
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if plain != nil {
		e.listeners[false] = plain
	}
	if secured != nil {
		e.listeners[true] = secured
	}
	e.mu.Unlock()

	if plain != nil {
		e.logger.Info("msrp listener started", "addr", plain.Addr().String())
		e.workers.Go(func() { e.acceptLoop(plain, false) })
	}
	if secured != nil {
		e.logger.Info("msrps listener started", "addr", secured.Addr().String())
		e.workers.Go(func() { e.acceptLoop(secured, true) })
	}
	return nil
}

func (e *Engine) listen(ctx context.Context, port int) (net.Listener, error) {
	addr := net.JoinHostPort(e.cfg.ListenIP, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if e.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, e.cfg.MaxConnections)
	}
	return ln, nil
}

// Shutdown closes the listeners, destroys every session and waits for the
// workers until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	listeners := make([]net.Listener, 0, len(e.listeners))
	for _, ln := range e.listeners {
		listeners = append(listeners, ln)
	}
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	e.cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	for _, s := range sessions {
		s.Destroy()
	}

	// connections that never reached a session
	e.mu.Lock()
	for c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if r := e.workers.WaitAndRecover(); r != nil {
			e.logger.Error("msrp worker panicked", "panic", r.Value)
		}
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("msrp engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address of the plain or secure listener.
func (e *Engine) Addr(secure bool) net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ln, ok := e.listeners[secure]; ok {
		return ln.Addr()
	}
	return nil
}

// SetDebug toggles the wire trace.
func (e *Engine) SetDebug(on bool) {
	e.debug.SetTo(on)
	e.logger.Info("msrp wire trace toggled", "enabled", on)
}

// Debug reports whether the wire trace is on.
func (e *Engine) Debug() bool { return e.debug.IsSet() }

// Outstanding returns the number of SENDs still waiting for a response.
func (e *Engine) Outstanding() int { return e.txns.outstanding() }

// NewSession registers a session for callID and wakes any worker waiting for it.
func (e *Engine) NewSession(callID string, secure bool) (*Session, error) {
	// newSession reads the listener address, so it runs before e.mu is held.
	s := newSession(e, callID, secure)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if _, ok := e.sessions[callID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, callID)
	}
	e.sessions[callID] = s
	close(e.created)
	e.created = make(chan struct{})
	e.mu.Unlock()

	metrics.MSRPActiveSessions.Inc()
	s.logger.Debug("msrp session created", "secure", secure, "local_path", s.localPath)
	return s, nil
}

// Session looks up the session of a call.
func (e *Engine) Session(callID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[callID]
	return s, ok
}

// DestroySession destroys the session of a call, if any.
func (e *Engine) DestroySession(callID string) bool {
	s, ok := e.Session(callID)
	if !ok {
		return false
	}
	s.Destroy()
	return true
}

// Sessions returns a snapshot of every session, oldest first.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	list := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	cur, ok := e.sessions[s.callID]
	if ok && cur == s {
		delete(e.sessions, s.callID)
	}
	e.mu.Unlock()
	if ok && cur == s {
		metrics.MSRPActiveSessions.Dec()
	}
}

// waitSession waits, bounded by the configured retries, for a session to be
// registered under callID.
func (e *Engine) waitSession(callID string) *Session {
	deadline := time.NewTimer(time.Duration(e.cfg.SessionWaitRetries) * e.cfg.SessionWaitInterval)
	defer deadline.Stop()

	for {
		e.mu.RLock()
		s, ok := e.sessions[callID]
		created := e.created
		e.mu.RUnlock()
		if ok {
			return s
		}
		select {
		case <-created:
		case <-deadline.C:
			return nil
		case <-e.ctx.Done():
			return nil
		}
	}
}

func (e *Engine) port(secure bool) int {
	if addr, ok := e.Addr(secure).(*net.TCPAddr); ok {
		return addr.Port
	}
	port := e.cfg.ListenPort
	if secure {
		port = e.cfg.ListenSSLPort
	}
	return max(port, 0)
}

func (e *Engine) localPath(callID string, secure bool) string {
	host := e.cfg.ListenIP
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if name, err := os.Hostname(); err == nil {
			host = name
		} else {
			host = "127.0.0.1"
		}
	}
	return URI{Secure: secure, Host: host, Port: e.port(secure), SessionID: callID, Transport: "tcp"}.String()
}

func (e *Engine) trackConn(c net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *Engine) untrackConn(c net.Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

func transportLabel(secure bool) string {
	if secure {
		return "tls"
	}
	return "tcp"
}

func (e *Engine) acceptLoop(ln net.Listener, secure bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Error("msrp accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !e.trackConn(conn) {
			conn.Close()
			return
		}
		metrics.MSRPConnectionsTotal.WithLabelValues("accepted", transportLabel(secure)).Inc()
		e.workers.Go(func() { e.serveConn(conn, secure) })
	}
}

// serveConn runs server mode: the first message names the session in its
// To-Path, is acknowledged, and binds the connection to that session.
func (e *Engine) serveConn(raw net.Conn, secure bool) {
	defer e.untrackConn(raw)
	defer raw.Close()

	logger := e.logger.With("remote", raw.RemoteAddr().String(), "transport", transportLabel(secure))

	conn := raw
	if secure {
		tconn := tls.Server(raw, e.tlsConfig)
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HandshakeTimeout)
		err := tconn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			logger.Warn("msrp tls handshake failed", "error", err)
			return
		}
		conn = tconn
	}

	label := ""
	reader := e.newFrameReader(conn, &label)
	first, err := reader.Next()
	if err != nil {
		e.logClosed(logger, "msrp connection closed before first message", err)
		return
	}
	metrics.MSRPMessagesTotal.WithLabelValues("in", first.Method.String()).Inc()
	if first.Method != MethodSend && first.Method != MethodAuth {
		logger.Warn("unexpected first msrp message", "method", first.Method.String(), "txn", first.TransactionID)
		return
	}

	callID, ok := FindUUID(first.Header(HeaderToPath))
	if !ok {
		logger.Warn("msrp to-path carries no session id", "to_path", first.Header(HeaderToPath))
		return
	}
	label = callID
	logger = logger.With("call_id", callID)

	if !first.Chunk {
		write := func(m *Message) error { return e.writeFrame(conn, callID, m) }
		if err := e.acknowledge(first, write); err != nil {
			logger.Warn("failed to acknowledge first msrp message", "error", err)
			return
		}
	}

	s := e.waitSession(callID)
	if s == nil {
		logger.Warn("no msrp session registered for call")
		return
	}
	if err := s.attach(conn, raw, nil); err != nil {
		logger.Warn("failed to attach msrp connection", "error", err)
		return
	}
	defer s.detach(conn)

	s.learnPaths(first)
	if first.Method == MethodSend && (first.Chunk || len(first.Payload) > 0) {
		s.PushReceived(first)
	}

	e.logClosed(logger, "msrp connection closed", e.serve(s, conn, reader))
}

// StartClient dials the session's remote path and runs client mode on the
// connection: an empty SEND announces the session, then the worker loop runs.
func (e *Engine) StartClient(s *Session) error {
	remote := s.RemotePath()
	if remote == "" {
		return ErrNoRemotePath
	}
	u, err := ParseURI(remote)
	if err != nil {
		return err
	}
	secure := s.secure || u.Secure

	dialer := net.Dialer{Timeout: e.cfg.HandshakeTimeout}
	raw, err := dialer.DialContext(e.ctx, "tcp", u.Address())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.Address(), err)
	}
	if !e.trackConn(raw) {
		raw.Close()
		return ErrEngineStopped
	}
	metrics.MSRPConnectionsTotal.WithLabelValues("dialed", transportLabel(secure)).Inc()

	e.workers.Go(func() { e.runClient(s, raw, u.Host, secure) })
	return nil
}

func (e *Engine) runClient(s *Session, raw net.Conn, host string, secure bool) {
	defer e.untrackConn(raw)
	defer raw.Close()

	logger := s.logger.With("remote", raw.RemoteAddr().String(), "transport", transportLabel(secure))

	conn := raw
	if secure {
		tconn := tls.Client(raw, clientTLSConfig(host))
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HandshakeTimeout)
		err := tconn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			logger.Warn("msrp tls handshake failed", "error", err)
			return
		}
		conn = tconn
	}

	bootstrap := NewSend(s.RemotePath(), s.LocalPath(), "", nil)
	if err := s.attach(conn, raw, bootstrap); err != nil {
		logger.Warn("failed to start msrp client session", "error", err)
		return
	}
	defer s.detach(conn)

	label := s.callID
	e.logClosed(logger, "msrp connection closed", e.serve(s, conn, e.newFrameReader(conn, &label)))
}

// serve is the worker loop shared by both modes.
func (e *Engine) serve(s *Session, conn net.Conn, r *FrameReader) error {
	for {
		if !s.waitBelowHighWater(backpressureInterval) {
			return ErrSessionClosed
		}
		msg, err := r.Next()
		if err != nil {
			return err
		}
		metrics.MSRPMessagesTotal.WithLabelValues("in", msg.Method.String()).Inc()
		if err := e.dispatch(s, conn, msg); err != nil {
			return err
		}
	}
}

func (e *Engine) dispatch(s *Session, conn net.Conn, msg *Message) error {
	switch msg.Method {
	case MethodSend:
		// chunks are answered when the end-line arrives
		if !msg.Chunk {
			if err := e.acknowledge(msg, func(m *Message) error { return s.respond(conn, m) }); err != nil {
				return err
			}
		}
		s.PushReceived(msg)
	case MethodReply:
		e.txns.resolve(msg)
	case MethodReport:
		if !msg.Chunk {
			e.txns.report(msg)
		}
	default:
		if !msg.Chunk {
			return e.acknowledge(msg, func(m *Message) error { return s.respond(conn, m) })
		}
	}
	return nil
}

// acknowledge writes the response for a request and, for a SEND that asked
// for one, the success REPORT right behind it.
func (e *Engine) acknowledge(req *Message, write func(*Message) error) error {
	code := CodeOK
	if req.Method == MethodUnknown {
		code = CodeNotImplemented
	}
	if err := write(NewReply(req, code, "")); err != nil {
		return err
	}
	if req.Method == MethodSend && req.WantsSuccessReport() {
		return write(NewReport(req, req.AccumulatedBytes))
	}
	return nil
}

func (e *Engine) writeFrame(w io.Writer, callID string, m *Message) error {
	data := m.Marshal()
	e.trace(callID, "send", data)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("msrp write: %w", err)
	}
	metrics.MSRPMessagesTotal.WithLabelValues("out", m.Method.String()).Inc()
	return nil
}

func (e *Engine) newFrameReader(conn net.Conn, label *string) *FrameReader {
	r := NewFrameReader(conn, e.cfg.FrameBufferSize)
	r.trace = func(b []byte) { e.trace(*label, "recv", b) }
	return r
}

func (e *Engine) trace(callID, direction string, data []byte) {
	if !e.debug.IsSet() {
		return
	}
	logpkg.Wire().WithFields(logrus.Fields{
		"call_id": callID,
		"dir":     direction,
		"bytes":   len(data),
	}).Debug(string(data))
}

func (e *Engine) logClosed(logger *slog.Logger, msg string, err error) {
	var perr *ParseError
	switch {
	case errors.As(err, &perr):
		logger.Warn(msg, "error", err)
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrSessionClosed):
		logger.Debug(msg, "reason", err)
	default:
		logger.Info(msg, "reason", err)
	}
}

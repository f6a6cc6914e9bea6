package msrp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenIP = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.ListenSSLPort = -1
	cfg.FrameBufferSize = MinBufferSize
	cfg.SessionWaitRetries = 10
	cfg.SessionWaitInterval = 20 * time.Millisecond
	cfg.DestroyInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Shutdown(ctx))
	})
	return e
}

// peer is the far end of an MSRP connection.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *FrameReader
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, r: NewFrameReader(conn, MinBufferSize)}
}

func dialPeer(t *testing.T, addr net.Addr) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	return newPeer(t, conn)
}

func (p *peer) write(data string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(data))
	require.NoError(p.t, err)
}

func (p *peer) send(m *Message) {
	p.t.Helper()
	p.write(string(m.Marshal()))
}

func (p *peer) next() *Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	m, err := p.r.Next()
	require.NoError(p.t, err)
	return m
}

func toPath(addr net.Addr, callID string) string {
	return fmt.Sprintf("msrp://%s/%s;tcp", addr.String(), callID)
}

func TestServerModeReassemblesPartialWrites(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()
	s, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	to := toPath(e.Addr(false), callID)
	p.write("MSRP a1 SEND\r\nTo-Path: " + to + "\r\nFrom-Path: msrp://h/u2;tcp\r\nByte-Range: 1-5/5\r\n\r\nHel")
	time.Sleep(20 * time.Millisecond)
	p.write("lo\r\n-------a1$\r\n")

	reply := p.next()
	assert.Equal(t, MethodReply, reply.Method)
	assert.Equal(t, "a1", reply.TransactionID)
	assert.Equal(t, CodeOK, reply.Code)
	assert.Equal(t, "msrp://h/u2;tcp", reply.Header(HeaderToPath))

	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Len())

	msg := s.Pop(time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, "Hello", string(msg.Payload))
	assert.Equal(t, "1-5/5", msg.ByteRange())
	assert.True(t, s.Running())
	assert.Equal(t, "msrp://h/u2;tcp", s.RemotePath())
}

func TestServerModeReportFollowsReply(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()
	s, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	first := NewSend(toPath(e.Addr(false), callID), "msrp://peer:1/p;tcp", "", nil)
	p.send(first)
	assert.Equal(t, first.TransactionID, p.next().TransactionID)

	send := NewSend(toPath(e.Addr(false), callID), "msrp://peer:1/p;tcp", "text/plain", []byte("hi there"))
	send.SetHeader(HeaderSuccessReport, "yes")
	p.send(send)

	reply := p.next()
	assert.Equal(t, MethodReply, reply.Method)
	assert.Equal(t, send.TransactionID, reply.TransactionID)

	report := p.next()
	assert.Equal(t, MethodReport, report.Method)
	assert.Equal(t, send.Header(HeaderMessageID), report.Header(HeaderMessageID))
	assert.Equal(t, "1-8/8", report.ByteRange())

	msg := s.Pop(time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, "hi there", string(msg.Payload))
	assert.Equal(t, "text/plain", msg.Header(HeaderContentType))
}

func TestServerModeWaitsForLateSession(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()

	p := dialPeer(t, e.Addr(false))
	p.send(NewSend(toPath(e.Addr(false), callID), "msrp://peer:1/p;tcp", "text/plain", []byte("early")))
	assert.Equal(t, CodeOK, p.next().Code)

	time.Sleep(50 * time.Millisecond)
	s, err := e.NewSession(callID, false)
	require.NoError(t, err)

	msg := s.Pop(2 * time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, "early", string(msg.Payload))
}

func TestServerModeClosesWithoutSession(t *testing.T) {
	e := newTestEngine(t, nil)

	p := dialPeer(t, e.Addr(false))
	p.send(NewSend(toPath(e.Addr(false), uuid.NewString()), "msrp://peer:1/p;tcp", "", nil))
	assert.Equal(t, CodeOK, p.next().Code)

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := p.r.Next()
	assert.Error(t, err)
}

func TestServerModeRejectsUnexpectedFirstMessage(t *testing.T) {
	e := newTestEngine(t, nil)

	p := dialPeer(t, e.Addr(false))
	p.write("MSRP r1 200 OK\r\nTo-Path: msrp://h/x;tcp\r\n-------r1$\r\n")

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := p.r.Next()
	assert.Error(t, err)
}

func TestUnknownMethodIsAnswered501(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()
	_, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	to := toPath(e.Addr(false), callID)
	p.send(NewSend(to, "msrp://peer:1/p;tcp", "", nil))
	p.next()

	p.write("MSRP x1 NICKNAME\r\nTo-Path: " + to + "\r\nFrom-Path: msrp://peer:1/p;tcp\r\n-------x1$\r\n")
	reply := p.next()
	assert.Equal(t, "x1", reply.TransactionID)
	assert.Equal(t, CodeNotImplemented, reply.Code)
}

func TestBackpressureStopsReading(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MessageBufferSize = 1 })
	callID := uuid.NewString()
	s, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	to := toPath(e.Addr(false), callID)
	for i := 0; i < 4; i++ {
		p.send(NewSend(to, "msrp://peer:1/p;tcp", "text/plain", []byte(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool { return s.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, s.Len(), "worker must not read past the high-water mark")

	for i := 0; i < 4; i++ {
		msg := s.Pop(2 * time.Second)
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(msg.Payload))
	}
}

func TestClientModeFlushesBufferedSends(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	e := newTestEngine(t, func(c *Config) { c.SendBufferSize = 2 })
	s, err := e.NewSession(uuid.NewString(), false)
	require.NoError(t, err)
	s.SetPaths("", fmt.Sprintf("msrp://%s/remote;tcp", ln.Addr()))

	for i, want := range []SendResult{SendBuffered, SendBuffered, SendDropped} {
		res, err := s.SendText("text/plain", []byte(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		assert.Equal(t, want, res)
	}

	require.NoError(t, e.StartClient(s))
	conn, err := ln.Accept()
	require.NoError(t, err)
	p := newPeer(t, conn)

	bootstrap := p.next()
	assert.Equal(t, MethodSend, bootstrap.Method)
	assert.Empty(t, bootstrap.Payload)
	assert.Equal(t, s.LocalPath(), bootstrap.Header(HeaderFromPath))
	p.send(NewReply(bootstrap, CodeOK, ""))

	for _, want := range []string{"b0", "b1"} {
		m := p.next()
		assert.Equal(t, want, string(m.Payload))
		p.send(NewReply(m, CodeOK, ""))
	}

	require.Eventually(t, s.Running, 2*time.Second, 5*time.Millisecond)
	res, err := s.SendText("text/plain", []byte("live"))
	require.NoError(t, err)
	assert.Equal(t, SendOK, res)
	m := p.next()
	assert.Equal(t, "live", string(m.Payload))
	p.send(NewReply(m, CodeOK, ""))

	// inbound traffic on a client connection lands in the same queue
	p.send(NewSend(s.LocalPath(), "msrp://peer/remote;tcp", "text/plain", []byte("back")))
	assert.Equal(t, CodeOK, p.next().Code)
	got := s.Pop(2 * time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "back", string(got.Payload))

	assert.Eventually(t, func() bool { return e.Outstanding() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartClientWithoutRemotePath(t *testing.T) {
	e := newTestEngine(t, nil)
	s, err := e.NewSession(uuid.NewString(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, e.StartClient(s), ErrNoRemotePath)
	_, err = s.SendText("text/plain", []byte("x"))
	assert.ErrorIs(t, err, ErrNoRemotePath)
}

func TestDestroyClosesConnection(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()
	s, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	p.send(NewSend(toPath(e.Addr(false), callID), "msrp://peer:1/p;tcp", "", nil))
	p.next()
	require.Eventually(t, s.Running, 2*time.Second, 5*time.Millisecond)

	s.Destroy()
	s.Destroy()

	assert.False(t, s.Running())
	_, ok := e.Session(callID)
	assert.False(t, ok)
	assert.Nil(t, s.Pop(10*time.Millisecond))

	res, err := s.SendText("text/plain", []byte("late"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, SendDropped, res)

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = p.r.Next()
	assert.Error(t, err)
}

func TestSecureListener(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "msrp.crt")
	keyFile := filepath.Join(dir, "tls", "msrp.key")

	e := newTestEngine(t, func(c *Config) {
		c.ListenPort = -1
		c.ListenSSLPort = 0
		c.CertFile = certFile
		c.KeyFile = keyFile
	})
	assert.FileExists(t, certFile)
	assert.FileExists(t, keyFile)
	assert.Nil(t, e.Addr(false))

	callID := uuid.NewString()
	s, err := e.NewSession(callID, true)
	require.NoError(t, err)
	assert.Contains(t, s.LocalPath(), "msrps://")

	conn, err := tls.Dial("tcp", e.Addr(true).String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	p := newPeer(t, conn)

	to := fmt.Sprintf("msrps://%s/%s;tcp", e.Addr(true), callID)
	p.send(NewSend(to, "msrps://peer:1/p;tcp", "text/plain", []byte("secret")))
	assert.Equal(t, CodeOK, p.next().Code)

	msg := s.Pop(2 * time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, "secret", string(msg.Payload))
}

func TestNewSessionRegistry(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()

	s, err := e.NewSession(callID, false)
	require.NoError(t, err)
	_, err = e.NewSession(callID, false)
	assert.ErrorIs(t, err, ErrSessionExists)

	other, err := e.NewSession(uuid.NewString(), false)
	require.NoError(t, err)

	infos := e.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, s.CallID(), infos[0].CallID)
	assert.Equal(t, other.CallID(), infos[1].CallID)
	assert.Equal(t, e.Addr(false).(*net.TCPAddr).Port, infos[0].LocalPort)

	assert.True(t, e.DestroySession(callID))
	assert.False(t, e.DestroySession(callID))
	assert.Len(t, e.Sessions(), 1)
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	e, err := NewEngine(Config{ListenIP: "127.0.0.1", ListenPort: 0, ListenSSLPort: -1})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	s, err := e.NewSession(uuid.NewString(), false)
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	_, err = e.NewSession(uuid.NewString(), false)
	assert.ErrorIs(t, err, ErrEngineStopped)
	assert.Nil(t, s.Pop(0))
	select {
	case <-s.Done():
	default:
		t.Fatal("session not destroyed by shutdown")
	}
}

func TestDebugToggle(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.Debug())
	e.SetDebug(true)
	assert.True(t, e.Debug())
	e.SetDebug(false)
	assert.False(t, e.Debug())
}

func TestNewSessionOnListeningEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := e.NewSession(callID, false)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, e.Addr(false).(*net.TCPAddr).Port, r.s.LocalPort())
		assert.Equal(t, toPath(e.Addr(false), callID), r.s.LocalPath())
	case <-time.After(3 * time.Second):
		t.Fatal("NewSession did not return")
	}
}

func TestSpilledUnknownMethodAnsweredOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	callID := uuid.NewString()
	_, err := e.NewSession(callID, false)
	require.NoError(t, err)

	p := dialPeer(t, e.Addr(false))
	to := toPath(e.Addr(false), callID)
	p.send(NewSend(to, "msrp://peer:1/p;tcp", "", nil))
	p.next()

	body := strings.Repeat("0123456789", 300)
	p.write("MSRP x2 NICKNAME\r\nTo-Path: " + to + "\r\nFrom-Path: msrp://peer:1/p;tcp\r\nByte-Range: 1-*/*\r\n\r\n" +
		body + "\r\n-------x2$\r\n")
	send := NewSend(to, "msrp://peer:1/p;tcp", "text/plain", []byte("after"))
	p.send(send)

	reply := p.next()
	assert.Equal(t, "x2", reply.TransactionID)
	assert.Equal(t, CodeNotImplemented, reply.Code)

	reply = p.next()
	assert.Equal(t, send.TransactionID, reply.TransactionID)
	assert.Equal(t, CodeOK, reply.Code)
}

package agent

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cluvio/agent/pkg/protocol"
	"github.com/cluvio/agent/pkg/sealedbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

// gateway is an in-memory control server. Every agent dial yields a gwConn
// on the conns channel.
type gateway struct {
	t     *testing.T
	dials atomic.Int32
	conns chan *gwConn
}

type gwConn struct {
	conn net.Conn
	w    *protocol.Writer
	msgs chan protocol.ClientMessage
	errs chan error
}

func newGwConn(conn net.Conn) *gwConn {
	c := &gwConn{
		conn: conn,
		w:    protocol.NewWriter(conn),
		msgs: make(chan protocol.ClientMessage, 16),
		errs: make(chan error, 1),
	}
	go func() {
		r := protocol.NewReader(conn)
		for {
			m, err := r.ReadClient()
			if err != nil {
				c.errs <- err
				return
			}
			c.msgs <- m
		}
	}()
	return c
}

func (g *gateway) accept() *gwConn {
	g.t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(testWait):
		g.t.Fatal("timed out waiting for agent connection")
		return nil
	}
}

func (c *gwConn) expect(t *testing.T) protocol.ClientMessage {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case err := <-c.errs:
		t.Fatalf("connection failed while waiting for message: %v", err)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for agent message")
	}
	return protocol.ClientMessage{}
}

func (c *gwConn) send(t *testing.T, m protocol.ServerMessage) {
	t.Helper()
	require.NoError(t, c.w.WriteServer(m))
}

func (c *gwConn) expectHello(t *testing.T) protocol.Hello {
	t.Helper()
	m := c.expect(t)
	hello, ok := m.Data.(protocol.Hello)
	require.True(t, ok, "expected hello, got %T", m.Data)
	return hello
}

// newTestAgent builds an agent connected to an in-memory gateway.
func newTestAgent(t *testing.T, mutate func(*Config)) (*Agent, *gateway) {
	t.Helper()

	sk, err := sealedbox.NewSecretKey()
	require.NoError(t, err)

	cfg := &Config{
		SecretKey:      sk,
		ConnectTimeout: Duration(testWait),
		PingFrequency:  Duration(time.Hour),
		Server:         &ServerConfig{Host: "gw.example.com"},
	}
	require.NoError(t, cfg.normalise())
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	a.spacing = 0

	gw := &gateway{t: t, conns: make(chan *gwConn, 8)}
	a.dial = func(ctx context.Context) (net.Conn, error) {
		gw.dials.Add(1)
		c1, c2 := net.Pipe()
		gw.conns <- newGwConn(c2)
		return c1, nil
	}
	return a, gw
}

// runAgent runs the agent until the test ends, reporting its result.
func runAgent(t *testing.T, a *Agent) (context.CancelFunc, chan protocol.Reason) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan protocol.Reason, 1)
	go func() {
		reason, err := a.Run(ctx)
		if err == nil {
			done <- reason
		}
		close(done)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

// challengeAgent sends an authentication challenge for the given agent identity
// and verifies the response.
func challengeAgent(t *testing.T, c *gwConn, id protocol.AgentId) {
	t.Helper()

	pk, err := sealedbox.PublicKeyFromBytes(id[:])
	require.NoError(t, err)

	plain := make([]byte, 32)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	box, err := sealedbox.Encrypt(pk, plain)
	require.NoError(t, err)

	msg := protocol.NewServerMessage(protocol.Challenge{Text: protocol.CipherText(box)})
	c.send(t, msg)

	resp := c.expect(t)
	r, ok := resp.Data.(protocol.Response)
	require.True(t, ok, "expected response, got %T", resp.Data)
	require.Equal(t, msg.ID, r.Re)
	require.Equal(t, plain, r.Text)
}

func TestAuthenticate(t *testing.T) {
	a, gw := newTestAgent(t, nil)
	runAgent(t, a)

	c := gw.accept()
	hello := c.expectHello(t)
	id := a.Id()
	require.Equal(t, id[:], hello.PubKey)
	require.Nil(t, hello.Connection.Data)
	require.Equal(t, AgentVersion(), hello.AgentVersion)

	challengeAgent(t, c, a.Id())
}

func TestChallengeDecryptionFailure(t *testing.T) {
	a, gw := newTestAgent(t, nil)
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	// a challenge addressed to somebody else
	other, err := sealedbox.NewSecretKey()
	require.NoError(t, err)
	box, err := sealedbox.Encrypt(other.PublicKey(), make([]byte, 32))
	require.NoError(t, err)

	msg := protocol.NewServerMessage(protocol.Challenge{Text: protocol.CipherText(box)})
	c.send(t, msg)

	resp := c.expect(t)
	e, ok := resp.Data.(protocol.Error)
	require.True(t, ok, "expected error, got %T", resp.Data)
	require.Equal(t, msg.ID, e.Re)
	require.NotNil(t, e.Code)
	require.Equal(t, protocol.DecryptionFailed, *e.Code)

	// the agent side is still alive
	ping := protocol.NewServerMessage(protocol.Ping{})
	c.send(t, ping)
	pong := c.expect(t)
	p, ok := pong.Data.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", pong.Data)
	require.Equal(t, ping.ID, p.Re)
}

func TestHeartbeatAnswered(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.PingFrequency = Duration(80 * time.Millisecond)
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	for i := 0; i < 4; i++ {
		m := c.expect(t)
		_, ok := m.Data.(protocol.Ping)
		require.True(t, ok, "expected ping, got %T", m.Data)
		c.send(t, protocol.NewServerMessage(protocol.Pong{Re: m.ID}))
	}
	require.Equal(t, int32(1), gw.dials.Load())
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.PingFrequency = Duration(80 * time.Millisecond)
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	// swallow the ping, never answer
	m := c.expect(t)
	_, ok := m.Data.(protocol.Ping)
	require.True(t, ok, "expected ping, got %T", m.Data)

	c2 := gw.accept()
	c2.expectHello(t)
	require.Equal(t, int32(2), gw.dials.Load())
}

func TestMismatchedPongIsIgnored(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.PingFrequency = Duration(100 * time.Millisecond)
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	m := c.expect(t)
	_, ok := m.Data.(protocol.Ping)
	require.True(t, ok)
	// wrong re: the agent stays in awaiting state and reconnects on the
	// next tick
	c.send(t, protocol.NewServerMessage(protocol.Pong{Re: m.ID + 1}))

	c2 := gw.accept()
	c2.expectHello(t)
}

func TestTerminate(t *testing.T) {
	a, gw := newTestAgent(t, nil)
	_, done := runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)
	challengeAgent(t, c, a.Id())

	c.send(t, protocol.NewServerMessage(protocol.Terminate{Reason: protocol.Unauthorized}))

	select {
	case reason, ok := <-done:
		require.True(t, ok, "run failed")
		require.Equal(t, protocol.Unauthorized, reason)
	case <-time.After(testWait):
		t.Fatal("agent did not terminate")
	}
}

func TestDeniedTestAddress(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.Internal = mustNetworks(t, "10.0.0.0/8")
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	msg := protocol.ServerMessage{
		ID:   protocol.Id(0x42),
		Data: protocol.Test{Addr: protocol.IPAddress(netip.MustParseAddr("8.8.8.8"), 53)},
	}
	c.send(t, msg)

	resp := c.expect(t)
	r, ok := resp.Data.(protocol.TestResult)
	require.True(t, ok, "expected test result, got %T", resp.Data)
	require.Equal(t, protocol.Id(0x42), r.Re)
	require.NotNil(t, r.Code)
	require.Equal(t, protocol.AddressNotAllowed, *r.Code)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	a, gw := newTestAgent(t, func(c *Config) {
		c.Internal = mustNetworks(t, "127.0.0.0/8")
		c.ConnectTimeout = Duration(2 * time.Second)
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ok := protocol.NewServerMessage(protocol.Test{
		Addr: protocol.IPAddress(netip.MustParseAddr("127.0.0.1"), port),
	})
	c.send(t, ok)

	resp := c.expect(t)
	s, isOk := resp.Data.(protocol.TestConnectSuccess)
	require.True(t, isOk, "expected success, got %T", resp.Data)
	require.Equal(t, ok.ID, s.Re)

	// probing a closed port fails with CouldNotConnect
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := uint16(closed.Addr().(*net.TCPAddr).Port)
	closed.Close()

	bad := protocol.NewServerMessage(protocol.Test{
		Addr: protocol.IPAddress(netip.MustParseAddr("127.0.0.1"), deadPort),
	})
	c.send(t, bad)

	resp = c.expect(t)
	r, isErr := resp.Data.(protocol.TestResult)
	require.True(t, isErr, "expected test result, got %T", resp.Data)
	require.Equal(t, bad.ID, r.Re)
	require.NotNil(t, r.Code)
	require.Equal(t, protocol.CouldNotConnect, *r.Code)
}

func TestDeniedBridgeAddress(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.External = mustNetworks(t, "*.cluvio.com")
		c.Internal = mustNetworks(t, "10.0.0.0/8")
	})
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	msg := protocol.NewServerMessage(protocol.Bridge{
		Ext: protocol.NameAddress("evil.example.com", 443),
		Int: protocol.IPAddress(netip.MustParseAddr("10.1.2.3"), 22),
	})
	c.send(t, msg)

	resp := c.expect(t)
	e, ok := resp.Data.(protocol.Error)
	require.True(t, ok, "expected error, got %T", resp.Data)
	require.Equal(t, msg.ID, e.Re)
	require.NotNil(t, e.Code)
	require.Equal(t, protocol.AddressNotAllowed, *e.Code)
}

func TestCapacity(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.MaxConnections = 2
		c.External = mustNetworks(t, "*.cluvio.com")
		c.Internal = mustNetworks(t, "10.0.0.0/8")
	})

	release := make(chan struct{})
	a.establishConn = func(ctx context.Context, log zerolog.Logger, re protocol.Id, ext CheckedAddr, auth []byte) (*dataConn, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("external connect failed")
	}

	runAgent(t, a)
	c := gw.accept()
	c.expectHello(t)

	bridge := func() protocol.ServerMessage {
		return protocol.NewServerMessage(protocol.Bridge{
			Ext: protocol.NameAddress("edge.cluvio.com", 443),
			Int: protocol.IPAddress(netip.MustParseAddr("10.1.2.3"), 22),
		})
	}

	b1, b2, b3 := bridge(), bridge(), bridge()
	c.send(t, b1)
	c.send(t, b2)
	c.send(t, b3)

	// the third request is refused
	resp := c.expect(t)
	e, ok := resp.Data.(protocol.Error)
	require.True(t, ok, "expected error, got %T", resp.Data)
	require.Equal(t, b3.ID, e.Re)
	require.NotNil(t, e.Code)
	require.Equal(t, protocol.AtCapacity, *e.Code)

	// release the pending connects: each reports its failure, and exactly
	// one Available is sent as soon as capacity recovers
	close(release)

	first := c.expect(t)
	fe, ok := first.Data.(protocol.Error)
	require.True(t, ok, "expected error, got %T", first.Data)
	require.Equal(t, protocol.CouldNotConnect, *fe.Code)

	second := c.expect(t)
	_, ok = second.Data.(protocol.Available)
	require.True(t, ok, "expected available, got %T", second.Data)

	third := c.expect(t)
	te, ok := third.Data.(protocol.Error)
	require.True(t, ok, "expected error, got %T", third.Data)
	require.Equal(t, protocol.CouldNotConnect, *te.Code)

	ids := map[protocol.Id]bool{fe.Re: true, te.Re: true}
	require.Equal(t, map[protocol.Id]bool{b1.ID: true, b2.ID: true}, ids)

	// no further Available
	ping := protocol.NewServerMessage(protocol.Ping{})
	c.send(t, ping)
	last := c.expect(t)
	_, ok = last.Data.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", last.Data)
}

func TestSwitchToNewConnection(t *testing.T) {
	a, gw := newTestAgent(t, nil)
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)
	challengeAgent(t, c, a.Id())

	msg := protocol.ServerMessage{ID: protocol.Id(0x07), Data: protocol.SwitchToNewConnection{}}
	c.send(t, msg)

	ack := c.expect(t)
	sw, ok := ack.Data.(protocol.SwitchingConnection)
	require.True(t, ok, "expected switching connection, got %T", ack.Data)
	require.Equal(t, protocol.Id(0x07), sw.Re)

	// the agent opens a fresh control connection and authenticates again
	c2 := gw.accept()
	c2.expectHello(t)
	challengeAgent(t, c2, a.Id())

	// subsequent commands are served on the new connection
	ping := protocol.NewServerMessage(protocol.Ping{})
	c2.send(t, ping)
	pong := c2.expect(t)
	p, ok := pong.Data.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", pong.Data)
	require.Equal(t, ping.ID, p.Re)

	require.Equal(t, int32(2), gw.dials.Load())
}

func TestReconnectCancelsPendingConnects(t *testing.T) {
	a, gw := newTestAgent(t, func(c *Config) {
		c.External = mustNetworks(t, "*.cluvio.com")
		c.Internal = mustNetworks(t, "10.0.0.0/8")
	})

	cancelled := make(chan struct{})
	a.establishConn = func(ctx context.Context, log zerolog.Logger, re protocol.Id, ext CheckedAddr, auth []byte) (*dataConn, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}

	runAgent(t, a)
	c := gw.accept()
	c.expectHello(t)

	c.send(t, protocol.NewServerMessage(protocol.Bridge{
		Ext: protocol.NameAddress("edge.cluvio.com", 443),
		Int: protocol.IPAddress(netip.MustParseAddr("10.1.2.3"), 22),
	}))

	// give the loop a moment to start the connect task, then kill the
	// control connection
	time.Sleep(50 * time.Millisecond)
	c.conn.Close()

	select {
	case <-cancelled:
	case <-time.After(testWait):
		t.Fatal("pending connect was not cancelled on reconnect")
	}

	// the stale result is not reported on the new connection
	c2 := gw.accept()
	c2.expectHello(t)
	ping := protocol.NewServerMessage(protocol.Ping{})
	c2.send(t, ping)
	m := c2.expect(t)
	_, ok := m.Data.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", m.Data)
}

func TestBridgeSurvivesReconnect(t *testing.T) {
	// external endpoint
	extLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer extLn.Close()
	extConns := make(chan net.Conn, 1)
	go func() {
		c, err := extLn.Accept()
		if err == nil {
			extConns <- c
		}
	}()

	// internal endpoint: an echo server
	intLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer intLn.Close()
	go func() {
		c, err := intLn.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	a, gw := newTestAgent(t, func(c *Config) {
		c.External = mustNetworks(t, "*.cluvio.com")
		c.Internal = mustNetworks(t, "127.0.0.0/8")
		c.ConnectTimeout = Duration(2 * time.Second)
	})
	a.establishConn = func(ctx context.Context, log zerolog.Logger, re protocol.Id, ext CheckedAddr, auth []byte) (*dataConn, error) {
		c, err := net.Dial("tcp", extLn.Addr().String())
		if err != nil {
			return nil, err
		}
		return &dataConn{conn: c, peer: c.RemoteAddr(), witness: protocol.Opaque{KeyID: 3}}, nil
	}

	runAgent(t, a)
	c := gw.accept()
	c.expectHello(t)

	intPort := uint16(intLn.Addr().(*net.TCPAddr).Port)
	msg := protocol.NewServerMessage(protocol.Bridge{
		Ext: protocol.NameAddress("edge.cluvio.com", 443),
		Int: protocol.IPAddress(netip.MustParseAddr("127.0.0.1"), intPort),
	})
	c.send(t, msg)

	est := c.expect(t)
	e, ok := est.Data.(protocol.Established)
	require.True(t, ok, "expected established, got %T", est.Data)
	require.Equal(t, msg.ID, e.Re)
	require.Equal(t, uint64(3), e.Data.KeyID)

	var ext net.Conn
	select {
	case ext = <-extConns:
	case <-time.After(testWait):
		t.Fatal("external connection not opened")
	}
	defer ext.Close()

	assertEcho := func(payload string) {
		_, err := ext.Write([]byte(payload))
		require.NoError(t, err)
		buf := make([]byte, len(payload))
		ext.SetReadDeadline(time.Now().Add(testWait))
		_, err = io.ReadFull(ext, buf)
		require.NoError(t, err)
		require.Equal(t, payload, string(buf))
	}

	assertEcho("hello")

	// losing the control connection does not interrupt the transfer
	c.conn.Close()
	c2 := gw.accept()
	c2.expectHello(t)

	assertEcho("world")
}

func TestBackoffSequence(t *testing.T) {
	bo := newBackoff()
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 64 * time.Second, 64 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, bo.NextBackOff(), "failure %d", i+1)
	}
	bo.Reset()
	require.Equal(t, 2*time.Second, bo.NextBackOff())
}

func TestUnknownMessageIsTolerated(t *testing.T) {
	a, gw := newTestAgent(t, nil)
	runAgent(t, a)

	c := gw.accept()
	c.expectHello(t)

	// a message without a payload decodes to nil data, like an unknown
	// variant, and is ignored
	c.send(t, protocol.ServerMessage{ID: protocol.FreshId()})

	ping := protocol.NewServerMessage(protocol.Ping{})
	c.send(t, ping)
	m := c.expect(t)
	p, ok := m.Data.(protocol.Pong)
	require.True(t, ok, "expected pong, got %T", m.Data)
	require.Equal(t, ping.ID, p.Re)
}

package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cluvio/agent/pkg/protocol"
	"github.com/cluvio/agent/pkg/sealedbox"
	"github.com/rs/zerolog"
)

// minConnectSpacing is the minimum delay between two successful control
// connects; reconnecting faster than this is treated as flapping.
const minConnectSpacing = 5 * time.Second

// drainTimeout bounds how long a replaced control connection is read after
// a switch before it is closed.
const drainTimeout = 5 * time.Second

// Agent is the connection agent. It keeps a control connection to the
// gateway and acts on its commands: bridging external endpoints to internal
// ones and probing internal reachability.
//
// All state is owned by the single Run loop; tasks communicate with it
// exclusively through the result channels.
type Agent struct {
	log     zerolog.Logger
	version protocol.Version
	id      protocol.AgentId
	config  *Config
	client  *tlsClient

	// dial opens the TLS transport for a new control connection and
	// establishConn opens data connections. Tests substitute in-memory
	// transports here.
	dial          func(ctx context.Context) (net.Conn, error)
	establishConn func(ctx context.Context, log zerolog.Logger, re protocol.Id, ext CheckedAddr, auth []byte) (*dataConn, error)

	// spacing is the minimum delay between successful control connects.
	spacing time.Duration

	bo          *backoff.ExponentialBackOff
	ping        pingState
	connectedAt time.Time

	// runCtx is the lifetime of the whole run; transfers and probes are
	// bound to it, not to the current control connection.
	runCtx context.Context

	// gen identifies the current control connection; results of connect
	// tasks started for an earlier connection are discarded.
	gen        int
	connCtx    context.Context
	connCancel context.CancelFunc

	connectResults  chan connectResult
	testResults     chan testResult
	transferResults chan transferResult

	connectActive  int
	transferActive int
	notifyCap      bool

	metrics agentMetrics
}

// pingState tracks the heartbeat: either idle, or awaiting the pong for a
// specific ping id.
type pingState struct {
	awaiting bool
	id       protocol.Id
}

// connectResult is the outcome of a connect-to-external task.
type connectResult struct {
	gen  int
	re   protocol.Id
	addr CheckedAddr // the internal address to bridge to
	conn *dataConn
	err  error
}

// testResult is the outcome of a reachability probe.
type testResult struct {
	re  protocol.Id
	err error
}

// transferResult is the outcome of a finished bridge.
type transferResult struct {
	re   protocol.Id
	addr CheckedAddr
	out  Outcome
	err  error
}

// New creates an agent from its configuration.
func New(cfg *Config, log zerolog.Logger) (*Agent, error) {
	client, err := newTLSClient(cfg)
	if err != nil {
		return nil, err
	}
	pub := cfg.SecretKey.PublicKey()
	var id protocol.AgentId
	copy(id[:], pub.Bytes())

	a := &Agent{
		log:             log,
		version:         AgentVersion(),
		id:              id,
		config:          cfg,
		client:          client,
		bo:              newBackoff(),
		connectResults:  make(chan connectResult, 16),
		testResults:     make(chan testResult, 16),
		transferResults: make(chan transferResult, 16),
		spacing:         minConnectSpacing,
	}
	a.dial = a.dialControl
	a.establishConn = a.establish
	return a, nil
}

// Id returns the public identity of this agent.
func (a *Agent) Id() protocol.AgentId {
	return a.id
}

// newBackoff builds the reconnect backoff: deterministic powers of two,
// capped at 64s.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 64 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run connects to the gateway and processes its commands until the gateway
// terminates the agent (the returned Reason) or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) (protocol.Reason, error) {
	a.runCtx = ctx
	a.connCtx, a.connCancel = context.WithCancel(ctx)
	defer func() { a.connCancel() }()

	conn, err := a.connectControl(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { conn.close() }()

	a.log.Info().Stringer("agent", a.id).Msg("up and running")

	ticker := time.NewTicker(a.config.PingFrequency.value())
	defer ticker.Stop()

	reconnect := func() error {
		a.metrics.control.reconnects.Add(1)
		next, err := a.reconnect(ctx, conn)
		if err != nil {
			return err
		}
		conn = next
		ticker.Reset(a.config.PingFrequency.value())
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()

		case ev := <-conn.msgs:
			if ev.err != nil {
				a.log.Debug().Msgf("error reading from control server: %v", ev.err)
				if err := reconnect(); err != nil {
					return 0, err
				}
				continue
			}
			switch d := ev.msg.Data.(type) {
			case protocol.Terminate:
				a.log.Error().Stringer("msg", ev.msg.ID).Stringer("reason", d.Reason).Msg("connection terminated by gateway")
				return d.Reason, nil
			case protocol.SwitchToNewConnection:
				next, err := a.switchConnection(ctx, conn, ev.msg.ID)
				if err != nil {
					if ctx.Err() != nil {
						return 0, ctx.Err()
					}
					a.log.Debug().Msgf("failed to switch connection: %v", err)
					if err := reconnect(); err != nil {
						return 0, err
					}
					continue
				}
				conn = next
				ticker.Reset(a.config.PingFrequency.value())
			default:
				if err := a.onMessage(conn, ev.msg); err != nil {
					a.log.Debug().Msgf("failed to answer control server message: %v", err)
					if err := reconnect(); err != nil {
						return 0, err
					}
				}
			}

		case res := <-a.connectResults:
			a.connectActive--
			if res.gen != a.gen {
				// result of a connect started for a previous control
				// connection; nobody to report to
				if res.conn != nil {
					res.conn.conn.Close()
				}
			} else if err := a.onEstablished(conn, res); err != nil {
				a.log.Debug().Msgf("failed to write control server message: %v", err)
				if err := reconnect(); err != nil {
					return 0, err
				}
				continue
			}
			if err := a.notifyCapacity(conn); err != nil {
				if err := reconnect(); err != nil {
					return 0, err
				}
			}

		case res := <-a.testResults:
			if err := a.onConnectTest(conn, res); err != nil {
				a.log.Debug().Msgf("failed to write control server message: %v", err)
				if err := reconnect(); err != nil {
					return 0, err
				}
				continue
			}
			if err := a.notifyCapacity(conn); err != nil {
				if err := reconnect(); err != nil {
					return 0, err
				}
			}

		case res := <-a.transferResults:
			a.transferActive--
			a.onFinished(res)
			if err := a.notifyCapacity(conn); err != nil {
				if err := reconnect(); err != nil {
					return 0, err
				}
			}

		case <-ticker.C:
			if a.ping.awaiting {
				a.log.Info().Stringer("msg", a.ping.id).Msg("no pong from control server")
				a.metrics.control.pingTimeout.Add(1)
				if err := reconnect(); err != nil {
					return 0, err
				}
				continue
			}
			msg := protocol.NewClientMessage(protocol.Ping{})
			if err := conn.w.WriteClient(msg); err != nil {
				a.log.Debug().Msgf("error sending message to control server: %v", err)
				if err := reconnect(); err != nil {
					return 0, err
				}
				continue
			}
			a.ping = pingState{awaiting: true, id: msg.ID}
		}
	}
}

// onMessage handles a single gateway message. Terminate and
// SwitchToNewConnection are handled by the Run loop itself.
func (a *Agent) onMessage(conn *controlConn, msg protocol.ServerMessage) error {
	switch d := msg.Data.(type) {
	case nil:
		// unknown variant; tolerated for forward compatibility
		a.log.Debug().Stringer("msg", msg.ID).Msg("message with unknown payload ignored")

	case protocol.Ping:
		return conn.w.WriteClient(protocol.NewClientMessage(protocol.Pong{Re: msg.ID}))

	case protocol.Pong:
		if a.ping.awaiting && a.ping.id == d.Re {
			a.ping = pingState{}
		}

	case protocol.Challenge:
		plain, err := sealedbox.Decrypt(&a.config.SecretKey, sealedbox.Data(d.Text))
		if err != nil {
			a.log.Debug().Stringer("msg", msg.ID).Msgf("failed to decrypt challenge: %v", err)
			reply := protocol.Error{Re: msg.ID, Code: protocol.ErrCodePtr(protocol.DecryptionFailed)}
			return conn.w.WriteClient(protocol.NewClientMessage(reply))
		}
		return conn.w.WriteClient(protocol.NewClientMessage(protocol.Response{Re: msg.ID, Text: plain}))

	case protocol.Bridge:
		return a.onBridge(conn, msg.ID, d)

	case protocol.Test:
		return a.onTest(conn, msg.ID, d)

	case protocol.DataAddress:
		a.log.Error().Stringer("msg", msg.ID).Msg("unexpected data address on control connection")

	case protocol.ServerError:
		a.log.Warn().Stringer("msg", msg.ID).Msgf("control server error: %s", d.Msg)

	case protocol.Accepted:
		a.log.Debug().Stringer("msg", msg.ID).Msg("accepted by control server")

	default:
		a.log.Debug().Stringer("msg", msg.ID).Msgf("unhandled server message %T", msg.Data)
	}
	return nil
}

// onBridge validates and spawns a connect-to-external task.
func (a *Agent) onBridge(conn *controlConn, re protocol.Id, d protocol.Bridge) error {
	ext, err := a.checkAddr(conn, "external", re, d.Ext, a.config.External)
	if err != nil || !ext.valid {
		return err
	}
	intAddr, err := a.checkAddr(conn, "internal", re, d.Int, a.config.Internal)
	if err != nil || !intAddr.valid {
		return err
	}
	if !a.hasCapacity() {
		a.metrics.bridge.capacity.Add(1)
		a.notifyCap = true
		reply := protocol.Error{Re: re, Code: protocol.ErrCodePtr(protocol.AtCapacity)}
		return conn.w.WriteClient(protocol.NewClientMessage(reply))
	}

	a.metrics.bridge.started.Add(1)
	a.connectActive++
	gen, cctx := a.gen, a.connCtx
	auth := d.Auth
	log := a.log
	go func() {
		ctx, cancel := context.WithTimeout(cctx, a.config.ConnectTimeout.value())
		defer cancel()
		dc, err := a.establishConn(ctx, log, re, ext.addr, auth)
		a.connectResults <- connectResult{gen: gen, re: re, addr: intAddr.addr, conn: dc, err: err}
	}()
	return nil
}

// onTest validates and spawns a reachability probe. Denials are reported as
// probe results, not errors.
func (a *Agent) onTest(conn *controlConn, re protocol.Id, d protocol.Test) error {
	checked, err := Check(d.Addr, a.config.Internal)
	if err != nil {
		a.log.Error().Stringer("address", d.Addr).Msg("internal address not allowed")
		a.metrics.probe.denied.Add(1)
		reply := protocol.TestResult{Re: re, Code: protocol.ErrCodePtr(protocol.AddressNotAllowed)}
		return conn.w.WriteClient(protocol.NewClientMessage(reply))
	}
	intAddr := checkedOrDenied{addr: checked, valid: true}
	if !a.hasCapacity() {
		a.notifyCap = true
		reply := protocol.Error{Re: re, Code: protocol.ErrCodePtr(protocol.AtCapacity)}
		return conn.w.WriteClient(protocol.NewClientMessage(reply))
	}

	a.metrics.probe.started.Add(1)
	log := a.log
	go func() {
		c, err := a.connectInternal(a.runCtx, log, re, intAddr.addr)
		if err == nil {
			c.Close()
		}
		a.testResults <- testResult{re: re, err: err}
	}()
	return nil
}

// checkedOrDenied carries the result of a whitelist check; valid is false
// when the denial has already been reported to the gateway.
type checkedOrDenied struct {
	addr  CheckedAddr
	valid bool
}

func (a *Agent) checkAddr(conn *controlConn, what string, re protocol.Id, addr protocol.Address, list []Network) (checkedOrDenied, error) {
	checked, err := Check(addr, list)
	if err != nil {
		a.log.Error().Stringer("address", addr).Msgf("%s address not allowed", what)
		a.metrics.bridge.denied.Add(1)
		reply := protocol.Error{Re: re, Code: protocol.ErrCodePtr(protocol.AddressNotAllowed)}
		return checkedOrDenied{}, conn.w.WriteClient(protocol.NewClientMessage(reply))
	}
	return checkedOrDenied{addr: checked, valid: true}, nil
}

// onEstablished reports the outcome of a connect task and, on success,
// starts the data transfer.
func (a *Agent) onEstablished(conn *controlConn, res connectResult) error {
	if res.err != nil {
		a.log.Debug().Stringer("re", res.re).Msgf("could not connect to external host: %v", res.err)
		reply := protocol.Error{
			Re:   res.re,
			Code: protocol.ErrCodePtr(protocol.CouldNotConnect),
			Msg:  res.err.Error(),
		}
		return conn.w.WriteClient(protocol.NewClientMessage(reply))
	}

	a.log.Debug().Stringer("re", res.re).Msg("connected to external host")
	reply := protocol.Established{Re: res.re, Data: res.conn.witness}
	if err := conn.w.WriteClient(protocol.NewClientMessage(reply)); err != nil {
		res.conn.conn.Close()
		return err
	}

	a.transferActive++
	re, addr, dc, log := res.re, res.addr, res.conn, a.log
	go func() {
		out, err := a.transfer(log, re, dc, addr)
		a.transferResults <- transferResult{re: re, addr: addr, out: out, err: err}
	}()
	return nil
}

// transfer dials the internal endpoint and relays bytes until both
// directions have finished. It runs detached from the control connection:
// a reconnect does not interrupt it.
func (a *Agent) transfer(log zerolog.Logger, re protocol.Id, dc *dataConn, addr CheckedAddr) (Outcome, error) {
	tcp, err := a.connectInternal(a.runCtx, log, re, addr)
	if err != nil {
		dc.conn.Close()
		return Outcome{}, err
	}
	log.Debug().Stringer("re", re).Msgf("connected to internal host %s: %s", addr, tcp.RemoteAddr())
	// shutdown closes the sockets, which ends both copy loops
	stop := context.AfterFunc(a.runCtx, func() {
		dc.conn.Close()
		tcp.Close()
	})
	defer stop()
	out := bridge(dc, tcp, true)
	a.metrics.bridge.finished.Add(1)
	a.metrics.bytes.extToInt.Add(uint64(out.ExtToInt))
	a.metrics.bytes.intToExt.Add(uint64(out.IntToExt))
	log.Debug().Stringer("re", re).Msgf("bridge to %s at %s terminated", addr, out.To)
	return out, nil
}

// onConnectTest reports a probe result to the gateway.
func (a *Agent) onConnectTest(conn *controlConn, res testResult) error {
	var reply protocol.ClientPayload
	if res.err != nil {
		a.log.Debug().Stringer("re", res.re).Msgf("could not connect to internal host: %v", res.err)
		reply = protocol.TestResult{
			Re:   res.re,
			Code: protocol.ErrCodePtr(protocol.CouldNotConnect),
		}
	} else {
		a.log.Debug().Stringer("re", res.re).Msg("connected to internal host")
		reply = protocol.TestConnectSuccess{Re: res.re}
	}
	return conn.w.WriteClient(protocol.NewClientMessage(reply))
}

// onFinished logs the outcome of a bridge.
func (a *Agent) onFinished(res transferResult) {
	if res.err != nil {
		a.log.Warn().Stringer("re", res.re).Stringer("addr", res.addr).Msgf("connection error: %v", res.err)
		return
	}
	a.log.Debug().Stringer("re", res.re).Msg(res.out.describe())
}

// notifyCapacity tells the gateway that capacity recovered after a previous
// AtCapacity refusal.
func (a *Agent) notifyCapacity(conn *controlConn) error {
	if a.notifyCap && a.hasCapacity() {
		if err := conn.w.WriteClient(protocol.NewClientMessage(protocol.Available{})); err != nil {
			a.log.Debug().Msgf("error sending message to control server: %v", err)
			return err
		}
		a.notifyCap = false
	}
	return nil
}

// hasCapacity reports whether the agent may take on another connection.
// Probes are gated by the limit but do not count towards it.
func (a *Agent) hasCapacity() bool {
	return a.connectActive+a.transferActive < a.config.MaxConnections
}

// switchConnection acknowledges a connection switch, opens the new control
// connection and drains the old one in the background.
func (a *Agent) switchConnection(ctx context.Context, old *controlConn, re protocol.Id) (*controlConn, error) {
	ack := protocol.SwitchingConnection{Re: re}
	if err := old.w.WriteClient(protocol.NewClientMessage(ack)); err != nil {
		return nil, err
	}
	a.metrics.control.switches.Add(1)
	next, err := a.connectControl(ctx)
	if err != nil {
		return nil, err
	}
	old.drain()
	return next, nil
}

// reconnect closes the current control connection, cancels pending connect
// tasks (their results cannot be reported anymore) and dials anew. Data
// transfers in progress continue.
func (a *Agent) reconnect(ctx context.Context, old *controlConn) (*controlConn, error) {
	old.close()
	a.gen++
	a.connCancel()
	a.connCtx, a.connCancel = context.WithCancel(ctx)
	return a.connectControl(ctx)
}

// connectControl dials the gateway until a connection is established,
// sleeping between failures with capped exponential backoff. Successive
// successful connects are spaced at least minConnectSpacing apart.
func (a *Agent) connectControl(ctx context.Context) (*controlConn, error) {
	host, port := a.config.Server.Host, a.config.Server.Port
	for {
		if !a.connectedAt.IsZero() {
			if d := a.spacing - time.Since(a.connectedAt); d > 0 {
				a.log.Debug().Msgf("waiting %s ...", d.Round(time.Second))
				if err := sleep(ctx, d); err != nil {
					return nil, err
				}
			}
		}
		conn, err := a.tryConnect(ctx)
		if err == nil {
			a.log.Debug().Msgf("connected to control server: %s:%d", host, port)
			a.bo.Reset()
			a.ping = pingState{}
			a.connectedAt = time.Now()
			a.metrics.control.connects.Add(1)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.connectedAt = time.Time{}
		d := a.bo.NextBackOff()
		a.log.Warn().Msgf("failed to connect to %s:%d: %v; trying again in %s ...", host, port, err, d)
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

// tryConnect performs one control connection attempt: dial, say hello,
// start the reader.
func (a *Agent) tryConnect(ctx context.Context) (*controlConn, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout.value())
	defer cancel()

	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	w := protocol.NewWriter(conn)
	pub := a.config.SecretKey.PublicKey()
	hello := protocol.Hello{
		PubKey:       pub.Bytes(),
		Connection:   protocol.ConnectionType{},
		AgentVersion: a.version,
	}
	if err := w.WriteClient(protocol.NewClientMessage(hello)); err != nil {
		conn.Close()
		return nil, err
	}
	return newControlConn(conn, w), nil
}

// dialControl opens the TLS transport to the gateway.
func (a *Agent) dialControl(ctx context.Context) (net.Conn, error) {
	host, port := a.config.Server.Host, a.config.Server.Port
	a.log.Debug().Msgf("connecting to %s:%d ...", host, port)
	candidates, err := resolveAddr(ctx, protocol.NameAddress(host, port))
	if err != nil {
		return nil, err
	}
	tcp, err := connectAny(ctx, a.log, candidates, protocol.NameAddress(host, port))
	if err != nil {
		return nil, err
	}
	return a.client.connect(ctx, tcp, host)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// controlConn is one control connection: the transport, the frame writer
// owned by the Run loop, and the channel fed by the reader goroutine.
type controlConn struct {
	conn net.Conn
	w    *protocol.Writer
	msgs chan serverEvent
	done chan struct{}
	once sync.Once
}

// serverEvent is one decoded gateway message or a terminal read error.
type serverEvent struct {
	msg protocol.ServerMessage
	err error
}

func newControlConn(conn net.Conn, w *protocol.Writer) *controlConn {
	c := &controlConn{
		conn: conn,
		w:    w,
		msgs: make(chan serverEvent, 1),
		done: make(chan struct{}),
	}
	go c.read()
	return c
}

// read decodes gateway messages until the connection fails or is abandoned.
func (c *controlConn) read() {
	r := protocol.NewReader(c.conn)
	for {
		msg, err := r.ReadServer()
		select {
		case c.msgs <- serverEvent{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// close abandons the connection: the socket is closed and the reader is
// released. Safe to call more than once.
func (c *controlConn) close() {
	c.once.Do(func() {
		c.conn.Close()
		close(c.done)
	})
}

// drain keeps reading the replaced connection without acting on its
// messages, bounded by drainTimeout, then closes it.
func (c *controlConn) drain() {
	c.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	go func() {
		for {
			select {
			case ev := <-c.msgs:
				if ev.err != nil {
					c.close()
					return
				}
			case <-time.After(drainTimeout):
				c.close()
				return
			}
		}
	}()
}

package agent

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/cluvio/agent/pkg/protocol"
	"github.com/cluvio/agent/pkg/sealedbox"
	"github.com/rs/zerolog"
)

// dataConn is an established outbound data connection: a TLS stream to the
// external endpoint that has completed the Hello/Challenge/DataAddress
// handshake.
type dataConn struct {
	conn    net.Conn
	peer    net.Addr
	witness protocol.Opaque
}

// establish opens a data connection to the external address for the bridge
// request re. The external address must be a DNS name since TLS verifies
// the server identity against it.
func (a *Agent) establish(ctx context.Context, log zerolog.Logger, re protocol.Id, ext CheckedAddr, auth []byte) (*dataConn, error) {
	addr := ext.Addr()
	if addr.IsIP() {
		return nil, &unexpectedError{got: "socket address", want: "domain name"}
	}
	log.Debug().Stringer("re", re).Msgf("connecting to external address %s", ext)

	tcp, err := dialDirect(ctx, log, addr)
	if err != nil {
		return nil, err
	}
	conn, err := a.client.connect(ctx, tcp, addr.Name)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	pub := a.config.SecretKey.PublicKey()
	hello := protocol.Hello{
		PubKey: pub.Bytes(),
		Connection: protocol.ConnectionType{
			Data: &protocol.DataConnection{Re: re, Auth: auth},
		},
		AgentVersion: a.version,
	}
	if err := w.WriteClient(protocol.NewClientMessage(hello)); err != nil {
		return nil, err
	}

	if err := answerChallenge(r, w, &a.config.SecretKey, log); err != nil {
		return nil, err
	}

	msg, err := r.ReadServer()
	if err != nil {
		return nil, err
	}
	switch d := msg.Data.(type) {
	case protocol.DataAddress:
		if d.Re != re {
			err := &mismatchError{expected: re, actual: d.Re}
			log.Debug().Stringer("msg", msg.ID).Msgf("unexpected server data address: %v", err)
			return nil, err
		}
		ok = true
		return &dataConn{conn: conn, peer: conn.RemoteAddr(), witness: d.Data}, nil
	case protocol.Terminate:
		log.Warn().Stringer("msg", msg.ID).Stringer("reason", d.Reason).Msg("connection rejected")
		return nil, &unexpectedError{got: "terminate message", want: "data address"}
	default:
		log.Debug().Stringer("msg", msg.ID).Msgf("unexpected server message: %T", msg.Data)
		return nil, &unexpectedError{got: "server message", want: "data address"}
	}
}

// answerChallenge reads the authentication challenge and replies with the
// decrypted plaintext.
func answerChallenge(r *protocol.Reader, w *protocol.Writer, sk *sealedbox.SecretKey, log zerolog.Logger) error {
	msg, err := r.ReadServer()
	if err != nil {
		return err
	}
	switch d := msg.Data.(type) {
	case protocol.Challenge:
		log.Trace().Stringer("msg", msg.ID).Msg("received challenge")
		plain, err := sealedbox.Decrypt(sk, sealedbox.Data(d.Text))
		if err != nil {
			return err
		}
		return w.WriteClient(protocol.NewClientMessage(protocol.Response{Re: msg.ID, Text: plain}))
	case protocol.Terminate:
		log.Warn().Stringer("msg", msg.ID).Stringer("reason", d.Reason).Msg("connection rejected")
		return &unexpectedError{got: "terminate message", want: "challenge"}
	default:
		log.Debug().Stringer("msg", msg.ID).Msgf("unexpected server message: %T", msg.Data)
		return &unexpectedError{got: "server message", want: "challenge"}
	}
}

// connectInternal dials an internal address under the configured connect
// timeout, with keep-alive applied.
func (a *Agent) connectInternal(ctx context.Context, log zerolog.Logger, re protocol.Id, addr CheckedAddr) (net.Conn, error) {
	log.Debug().Stringer("re", re).Msgf("connecting to internal address %s", addr)
	ctx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout.value())
	defer cancel()
	return dialDirect(ctx, log, addr.Addr())
}

// Outcome is the byte accounting of a finished bridge.
type Outcome struct {
	From     net.Addr
	To       net.Addr
	ExtToInt int64
	IntToExt int64
	ExtErr   error
	IntErr   error
}

// closeWriter is the half-close surface shared by TCP and TLS connections.
type closeWriter interface {
	CloseWrite() error
}

// bridge relays bytes between the established external connection and the
// internal socket until both directions have finished.
//
// With halfClose, each direction is shut down independently when its source
// reaches EOF, allowing the peer to drain in-flight writes. Without it, the
// first direction to finish tears down the whole bridge.
func bridge(ext *dataConn, in net.Conn, halfClose bool) Outcome {
	out := Outcome{From: ext.peer, To: in.RemoteAddr()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		out.ExtToInt, out.ExtErr = io.Copy(in, ext.conn)
		if halfClose {
			if cw, ok := in.(closeWriter); ok {
				cw.CloseWrite()
			}
		} else {
			in.Close()
			ext.conn.Close()
		}
	}()

	out.IntToExt, out.IntErr = io.Copy(ext.conn, in)
	if halfClose {
		if cw, ok := ext.conn.(closeWriter); ok {
			cw.CloseWrite()
		}
	} else {
		ext.conn.Close()
		in.Close()
	}

	<-done
	ext.conn.Close()
	in.Close()
	return out
}

// describe renders an Outcome for logging.
func (o Outcome) describe() string {
	return fmt.Sprintf("from=%s to=%s rx=%d tx=%d", o.From, o.To, o.ExtToInt, o.IntToExt)
}

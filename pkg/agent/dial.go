package agent

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cluvio/agent/pkg/protocol"
	"github.com/rs/zerolog"
)

// keepAliveConfig is applied to data transfer sockets, internal and
// external.
var keepAliveConfig = net.KeepAliveConfig{
	Enable:   true,
	Idle:     30 * time.Second,
	Interval: 10 * time.Second,
	Count:    3,
}

// resolveAddr resolves addr to its candidate socket addresses. A name that
// resolves to zero addresses is an error.
func resolveAddr(ctx context.Context, addr protocol.Address) ([]netip.AddrPort, error) {
	if addr.IsIP() {
		return []netip.AddrPort{netip.AddrPortFrom(addr.IP, addr.Port)}, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", addr.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr.Name, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("host %s not reachable", addr.Name)
	}
	as := make([]netip.AddrPort, len(ips))
	for i, ip := range ips {
		as[i] = netip.AddrPortFrom(ip.Unmap(), addr.Port)
	}
	return as, nil
}

// connectAny tries the candidates in order and returns the first successful
// TCP connection. If all fail, the last dial error is returned wrapped.
func connectAny(ctx context.Context, log zerolog.Logger, addrs []netip.AddrPort, dest protocol.Address) (net.Conn, error) {
	var (
		d       net.Dialer
		lastErr error
	)
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "tcp", a.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Msgf("failed to connect to %s (%s): %v", a, dest, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("could not connect to any address of %s: %w", dest, lastErr)
}

// dialDirect resolves and connects to addr with keep-alive enabled,
// observing the configured connect timeout through ctx.
func dialDirect(ctx context.Context, log zerolog.Logger, addr protocol.Address) (net.Conn, error) {
	candidates, err := resolveAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn, err := connectAny(ctx, log, candidates, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetKeepAliveConfig(keepAliveConfig); err != nil {
			log.Debug().Msgf("failed to enable keep-alive on %s: %v", conn.RemoteAddr(), err)
		}
	}
	return conn, nil
}

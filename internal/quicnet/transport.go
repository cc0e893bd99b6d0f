package quicnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// SharedEndpoint wraps one UDP socket as a *quic.Transport that can
// simultaneously listen for inbound connections and dial outbound
// ones. C6's PUNCHING step needs exactly this: both ends of a peer
// pair dial each other's observed endpoint and accept inbound
// connections on the same local port at once, so the NAT binding
// created by the outbound packet lets the inbound one through.
type SharedEndpoint struct {
	transport *quic.Transport
	conn      net.PacketConn
}

// Listen opens a UDP socket bound to addr (use ":0" to let the OS pick
// a port) and wraps it as a SharedEndpoint.
func Listen(addr string) (*SharedEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quicnet: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quicnet: listen udp: %w", err)
	}
	return &SharedEndpoint{
		transport: &quic.Transport{Conn: conn},
		conn:      conn,
	}, nil
}

// LocalAddr returns the bound local UDP address.
func (s *SharedEndpoint) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close tears down the underlying socket. In-flight Dial/Accept calls
// are aborted.
func (s *SharedEndpoint) Close() error {
	return s.transport.Close()
}

// ServerListener starts accepting inbound QUIC connections on this
// endpoint, authenticated only by tlsConf's self-signed certificate
// (the real authentication is the Noise handshake that follows).
func (s *SharedEndpoint) ServerListener(tlsConf *tls.Config, quicConf *quic.Config) (*quic.Listener, error) {
	return s.transport.Listen(tlsConf, quicConf)
}

// Dial opens an outbound QUIC connection to addr over this same
// socket, so the hole-punch and the eventual data connection share one
// NAT binding.
func (s *SharedEndpoint) Dial(ctx context.Context, addr net.Addr, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	return s.transport.Dial(ctx, addr, tlsConf, quicConf)
}

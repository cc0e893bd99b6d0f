// Package relay implements the relay service (spec §4.8, C8): the
// rendezvous point clients register with and query to learn each
// other's current endpoint, so that C6 can hole-punch a direct peer
// connection.
package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/noiseops"
	"github.com/duskline/duskline/internal/protocol"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/wire"
)

// relayALPN identifies client↔relay QUIC connections at the transport
// layer. Must match internal/connmanager's constant of the same name;
// the two packages never import each other, so this is an
// out-of-band wire agreement rather than a shared symbol.
const relayALPN = "duskline-relay/1"

// awaitConnBacklog bounds how many pending AwaitConnection pushes a
// registered client can have queued before new ones are dropped
// rather than blocking the pusher (spec §4.8 step 6: best-effort
// notification, the caller side's own C6 retries the punch on its own
// schedule regardless).
const awaitConnBacklog = 8

type typedCodec = wire.TypedCodec[*protocol.RelayToClient, *protocol.ClientToRelay]

// registryEntry tracks one registered client: where to reach it and
// the channel its connection goroutine drains for pushes.
type registryEntry struct {
	connID   int64
	endpoint protocol.Endpoint
	notify   chan *protocol.AwaitConnection
}

// Server is the relay's single listening identity. One Server serves
// every client connection over one shared QUIC endpoint.
type Server struct {
	credential *identity.Credential
	endpoint   *quicnet.SharedEndpoint

	mu       sync.Mutex
	registry map[string]*registryEntry
}

// New builds a relay Server bound to credential's static key and
// listening on endpoint.
func New(credential *identity.Credential, endpoint *quicnet.SharedEndpoint) *Server {
	return &Server{
		credential: credential,
		endpoint:   endpoint,
		registry:   make(map[string]*registryEntry),
	}
}

// Serve runs the accept loop until ctx is cancelled or the listener
// fails. Each accepted connection gets its own goroutine and its own
// registry lifetime; Serve itself holds no per-client state.
func (s *Server) Serve(ctx context.Context) error {
	tlsConf, err := quicnet.ServerTLSConfig(relayALPN)
	if err != nil {
		return fmt.Errorf("relay: tls config: %w", err)
	}
	ln, err := s.endpoint.ServerListener(tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	var nextConnID int64
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: accept: %w", err)
		}

		nextConnID++
		connID := nextConnID
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, connID, conn)
		}()
	}
}

// handleConn drives one client connection from handshake through
// Register to the event loop, tearing its registry entry down on
// exit.
func (s *Server) handleConn(ctx context.Context, connID int64, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("relay: accept stream")
		return
	}

	h := noiseops.NewHandshaker(s.credential)
	transport, observedStatic, err := h.ClientRelayAccept(stream)
	if err != nil {
		log.Debug().Err(err).Msg("relay: handshake")
		return
	}

	record := wire.NewRecordCodec(stream, transport)
	chunk := wire.NewChunkCodec(stream, record)
	typed := wire.NewTypedCodec[*protocol.RelayToClient, *protocol.ClientToRelay](chunk)

	identityKey, remoteEndpoint, err := s.register(typed, connID, conn.RemoteAddr(), observedStatic)
	if err != nil {
		log.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("relay: register")
		return
	}
	defer s.unregister(identityKey, connID)

	log.Debug().Str("client", identity.DisplayID(identityKey)).Msg("relay: registered")
	s.mainLoop(ctx, typed, identityKey, remoteEndpoint)
}

// register waits for the client's Register message, checks its
// claimed identity key converts to the X25519 static key the
// handshake actually observed (P4), binds the identity to its current
// endpoint, and acknowledges.
func (s *Server) register(typed *typedCodec, connID int64, remote net.Addr, observedStatic []byte) (ed25519.PublicKey, protocol.Endpoint, error) {
	msg, err := typed.Recv()
	if err != nil {
		return nil, protocol.Endpoint{}, fmt.Errorf("await register: %w", err)
	}
	if msg.Kind != protocol.KindRegister {
		return nil, protocol.Endpoint{}, fmt.Errorf("expected Register, got kind %d", msg.Kind)
	}

	claimedStatic, err := identity.ToX25519Public(msg.Register.IdentityKey)
	if err != nil {
		return nil, protocol.Endpoint{}, fmt.Errorf("derive static key: %w", err)
	}
	if subtle.ConstantTimeCompare(claimedStatic, observedStatic) != 1 {
		return nil, protocol.Endpoint{}, noiseops.ErrStaticKeyMismatch
	}

	remoteEndpoint, err := endpointFromAddr(remote)
	if err != nil {
		return nil, protocol.Endpoint{}, err
	}

	identityKey := msg.Register.IdentityKey
	s.bind(identityKey, connID, remoteEndpoint)

	ack := protocol.NewRelayAck()
	if err := typed.Send(&ack); err != nil {
		s.unregister(identityKey, connID)
		return nil, protocol.Endpoint{}, fmt.Errorf("send ack: %w", err)
	}
	return identityKey, remoteEndpoint, nil
}

// mainLoop services one registered client until it disconnects: it
// answers GetUser, forwards queued AwaitConnection pushes, and exits
// on Bye or any read failure.
func (s *Server) mainLoop(ctx context.Context, typed *typedCodec, identityKey ed25519.PublicKey, ownEndpoint protocol.Endpoint) {
	incoming := make(chan *protocol.ClientToRelay)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := typed.Recv()
			if err != nil {
				readErr <- err
				return
			}
			incoming <- msg
		}
	}()

	notify := s.notifyChannel(identityKey)
	if notify == nil {
		return
	}

	for {
		select {
		case msg := <-incoming:
			switch msg.Kind {
			case protocol.KindGetUser:
				s.handleGetUser(typed, msg.GetUser.IdentityKey, identityKey, ownEndpoint)
			case protocol.KindAck:
				// Unsolicited; nothing to acknowledge back to.
			case protocol.KindBye:
				return
			default:
				log.Debug().Int("kind", int(msg.Kind)).Msg("relay: unexpected message kind")
				return
			}
		case ac := <-notify:
			push := protocol.NewAwaitConnection(ac.IdentityKey, ac.Endpoint)
			if err := typed.Send(&push); err != nil {
				return
			}
		case err := <-readErr:
			log.Debug().Err(err).Msg("relay: client read")
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleGetUser answers target's current endpoint (or "unknown") and,
// if target is live, pushes an AwaitConnection notifying it that
// caller wants to connect — both sent in parallel (spec §4.8 step 6),
// so a slow or stalled write to one client never delays the other.
func (s *Server) handleGetUser(typed *typedCodec, target, caller ed25519.PublicKey, callerEndpoint protocol.Endpoint) {
	entry, found := s.lookup(target)

	var reply protocol.RelayToClient
	if found {
		ep := entry.endpoint
		reply = protocol.NewUserAddress(&ep)
	} else {
		reply = protocol.NewUserAddress(nil)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := typed.Send(&reply); err != nil {
			log.Debug().Err(err).Msg("relay: send UserAddress")
		}
	}()

	if found {
		wg.Add(1)
		go func() {
			defer wg.Done()
			push := &protocol.AwaitConnection{IdentityKey: caller, Endpoint: callerEndpoint}
			select {
			case entry.notify <- push:
			default:
				log.Debug().Str("target", identity.DisplayID(target)).Msg("relay: await-connection backlog full, dropping push")
			}
		}()
	}
	wg.Wait()
}

func (s *Server) bind(identityKey ed25519.PublicKey, connID int64, ep protocol.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.registry[string(identityKey)]
	if !exists {
		entry = &registryEntry{notify: make(chan *protocol.AwaitConnection, awaitConnBacklog)}
		s.registry[string(identityKey)] = entry
	}
	entry.connID = connID
	entry.endpoint = ep
}

// notifyChannel returns the registered notify channel for identityKey,
// or nil if no entry is bound (which should not happen: bind always
// runs before mainLoop starts).
func (s *Server) notifyChannel(identityKey ed25519.PublicKey) chan *protocol.AwaitConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[string(identityKey)]
	if !ok {
		return nil
	}
	return entry.notify
}

// unregister removes identityKey's registry entry, but only if it is
// still owned by connID: a reconnecting client may have already
// replaced the entry with a newer connection's, in which case the
// stale connection's teardown must not clobber it (mirrors the
// teacher's connection-scoped lease cleanup).
func (s *Server) unregister(identityKey ed25519.PublicKey, connID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.registry[string(identityKey)]; ok && entry.connID == connID {
		delete(s.registry, string(identityKey))
	}
}

func (s *Server) lookup(identityKey ed25519.PublicKey) (*registryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[string(identityKey)]
	return entry, ok
}

func endpointFromAddr(addr net.Addr) (protocol.Endpoint, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return protocol.Endpoint{}, fmt.Errorf("relay: unexpected remote address type %T", addr)
	}
	ip := append(net.IP(nil), udpAddr.IP...)
	return protocol.Endpoint{IP: ip, Port: uint16(udpAddr.Port)}, nil
}

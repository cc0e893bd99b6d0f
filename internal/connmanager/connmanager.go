// Package connmanager implements the connection manager (spec §4.7,
// C7): the singleton per client that maintains the relay session,
// demultiplexes per-peer commands from the UI, and spawns per-peer
// sessions (C6) on outbound demand or on relay push.
package connmanager

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/duskline/duskline/internal/filestore"
	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/noiseops"
	"github.com/duskline/duskline/internal/protocol"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/session"
	"github.com/duskline/duskline/internal/wire"
)

// relayALPN identifies client↔relay QUIC connections at the transport
// layer, same role as session.peerALPN for peer↔peer ones.
const relayALPN = "duskline-relay/1"

// relayRetryDelay is the fixed reconnect backoff for the relay
// session (spec §5 "retried indefinitely with a fixed 3-second
// backoff").
const relayRetryDelay = 3 * time.Second

// EventKind discriminates the events a Manager reports to the UI.
type EventKind int

const (
	EventServerOffline EventKind = iota
	EventConnecting
	EventConnected
	EventPeerNotFound
	EventPeerText
	EventPeerFileAnnounced
	EventPeerFileReceived
	EventPeerFileFailed
	EventPeerError
)

// Event is one notification from the Manager to its owner (the UI
// controller, out of scope here).
type Event struct {
	Kind EventKind
	Peer ed25519.PublicKey
	Text string
	File protocol.FileDescriptor
	Err  error
}

// Manager owns the relay session and the set of live per-peer
// sessions for one client (spec §4.7).
type Manager struct {
	credential  *identity.Credential
	relayAddr   net.Addr
	relayStatic []byte
	endpoint    *quicnet.SharedEndpoint
	files       *filestore.Store

	// Events reports relay connectivity and forwarded per-peer session
	// events, tagged with the originating peer identity.
	Events chan Event

	mu       sync.Mutex
	sessions map[string]*session.Session

	commands chan peerCommand
}

type peerCommand struct {
	target ed25519.PublicKey
	cmd    session.Command
}

// New builds a Manager for one client identity. relayAddr/relayStatic
// are the out-of-band relay descriptor (spec §3); endpoint is the
// single shared QUIC socket used both to reach the relay and for
// every per-peer hole-punch (spec §5, "shared across all C6
// instances").
func New(credential *identity.Credential, relayAddr net.Addr, relayStatic []byte, endpoint *quicnet.SharedEndpoint, files *filestore.Store) *Manager {
	return &Manager{
		credential:  credential,
		relayAddr:   relayAddr,
		relayStatic: relayStatic,
		endpoint:    endpoint,
		files:       files,
		Events:      make(chan Event, 32),
		sessions:    make(map[string]*session.Session),
		commands:    make(chan peerCommand),
	}
}

// SendText enqueues a text message to target, creating a peer session
// on demand if none is live.
func (m *Manager) SendText(ctx context.Context, target ed25519.PublicKey, text string) error {
	return m.dispatch(ctx, target, session.Command{Kind: session.CmdSendText, Text: text})
}

// AnnounceFile tells target a file is available, by descriptor.
func (m *Manager) AnnounceFile(ctx context.Context, target ed25519.PublicKey, desc protocol.FileDescriptor) error {
	return m.dispatch(ctx, target, session.Command{Kind: session.CmdAnnounceFile, FileDescriptor: desc})
}

// RequestFile asks target to stream the file matching digest.
func (m *Manager) RequestFile(ctx context.Context, target ed25519.PublicKey, digest [32]byte) error {
	return m.dispatch(ctx, target, session.Command{Kind: session.CmdRequestFile, Digest: digest})
}

func (m *Manager) dispatch(ctx context.Context, target ed25519.PublicKey, cmd session.Command) error {
	select {
	case m.commands <- peerCommand{target: target, cmd: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	select {
	case m.Events <- ev:
	case <-ctx.Done():
	}
}

// Run maintains the relay session until ctx is cancelled: on any
// relay failure it emits ServerOffline, backs off 3 seconds, and
// reconnects, without tearing down any live per-peer session (spec
// §4.7's supervisor loop).
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.emit(ctx, Event{Kind: EventConnecting})

		link, err := m.connectRelay(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.emit(ctx, Event{Kind: EventServerOffline, Err: err})
			if waitErr := m.backoff(ctx); waitErr != nil {
				return waitErr
			}
			continue
		}

		m.emit(ctx, Event{Kind: EventConnected})
		err = m.serveRelay(ctx, link)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.emit(ctx, Event{Kind: EventServerOffline, Err: err})
		if waitErr := m.backoff(ctx); waitErr != nil {
			return waitErr
		}
	}
}

func (m *Manager) backoff(ctx context.Context) error {
	select {
	case <-time.After(relayRetryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relayLink is one connected relay session: a typed codec plus the
// channels its background read loop delivers messages on.
type relayLink struct {
	conn  *quic.Conn
	typed *wire.TypedCodec[*protocol.ClientToRelay, *protocol.RelayToClient]

	userAddress chan *protocol.UserAddress
	awaitConn   chan *protocol.AwaitConnection
	readErr     chan error
}

func (l *relayLink) readLoop() {
	for {
		msg, err := l.typed.Recv()
		if err != nil {
			l.readErr <- err
			return
		}
		switch msg.Kind {
		case protocol.KindUserAddress:
			l.userAddress <- msg.UserAddress
		case protocol.KindAwaitConnection:
			l.awaitConn <- msg.AwaitConnection
		case protocol.KindRelayAck:
			// Unsolicited outside the initial Register handshake; nothing to do with it.
		}
	}
}

// connectRelay dials the relay, runs C5 as IK initiator, registers
// the local identity, and waits for the relay's Ack (spec §4.7).
func (m *Manager) connectRelay(ctx context.Context) (*relayLink, error) {
	clientTLS := quicnet.ClientTLSConfig(relayALPN)
	conn, err := m.endpoint.Dial(ctx, m.relayAddr, clientTLS, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("connmanager: dial relay: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("connmanager: open relay stream: %w", err)
	}

	h := noiseops.NewHandshaker(m.credential)
	transport, err := h.ClientRelayInitiate(stream, m.relayStatic)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("connmanager: relay handshake: %w", err)
	}

	record := wire.NewRecordCodec(stream, transport)
	chunk := wire.NewChunkCodec(stream, record)
	typed := wire.NewTypedCodec[*protocol.ClientToRelay, *protocol.RelayToClient](chunk)

	register := protocol.NewRegister(m.credential.PublicKey())
	if err := typed.Send(&register); err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("connmanager: send register: %w", err)
	}
	reply, err := typed.Recv()
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("connmanager: await register ack: %w", err)
	}
	if reply.Kind != protocol.KindRelayAck {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("connmanager: expected ack, got relay message kind %d", reply.Kind)
	}

	link := &relayLink{
		conn:        conn,
		typed:       typed,
		userAddress: make(chan *protocol.UserAddress),
		awaitConn:   make(chan *protocol.AwaitConnection),
		readErr:     make(chan error, 1),
	}
	go link.readLoop()
	return link, nil
}

// serveRelay runs the two event sources spec §4.7 describes: outbound
// UI commands and inbound relay pushes, until the relay session fails
// or ctx is cancelled.
func (m *Manager) serveRelay(ctx context.Context, link *relayLink) error {
	defer link.conn.CloseWithError(0, "")

	for {
		select {
		case cmd := <-m.commands:
			if err := m.handleOutbound(ctx, link, cmd); err != nil {
				return err
			}
		case ac := <-link.awaitConn:
			m.handleAwaitConnection(ctx, ac)
		case err := <-link.readErr:
			return err
		case <-ctx.Done():
			link.sendBye()
			return ctx.Err()
		}
	}
}

// sendBye best-effort notifies the relay of a graceful shutdown before
// serveRelay's deferred conn.CloseWithError tears down the transport
// (SUPPLEMENTED FEATURES item 2); a failure here is not itself treated
// as an error since the connection is already on its way down.
func (l *relayLink) sendBye() {
	msg := protocol.NewClientBye()
	_ = l.typed.Send(&msg)
}

// handleOutbound implements spec §4.7's outbound branch: look up or
// create the target's session, then forward the command to it.
func (m *Manager) handleOutbound(ctx context.Context, link *relayLink, cmd peerCommand) error {
	sess, ok := m.lookupSession(cmd.target)
	if !ok {
		ua, err := m.getUser(ctx, link, cmd.target)
		if err != nil {
			return err
		}
		if ua.Endpoint == nil {
			m.emit(ctx, Event{Kind: EventPeerNotFound, Peer: cmd.target})
			return nil
		}
		sess = m.spawnSession(ctx, cmd.target, session.Initiator, endpointAddr(*ua.Endpoint))
		if sess == nil {
			return nil
		}
	}
	return forwardCommand(ctx, sess, cmd.cmd)
}

// getUser sends GetUser and waits for the correlated UserAddress
// reply. The relay protocol carries no correlation id on UserAddress
// (spec §6), so at most one GetUser may be outstanding on a relay
// connection at a time; AwaitConnection pushes that arrive while one
// is pending are still serviced here rather than dropped.
func (m *Manager) getUser(ctx context.Context, link *relayLink, target ed25519.PublicKey) (*protocol.UserAddress, error) {
	req := protocol.NewGetUser(target)
	if err := link.typed.Send(&req); err != nil {
		return nil, fmt.Errorf("connmanager: send GetUser: %w", err)
	}
	for {
		select {
		case ua := <-link.userAddress:
			return ua, nil
		case ac := <-link.awaitConn:
			m.handleAwaitConnection(ctx, ac)
		case err := <-link.readErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleAwaitConnection implements spec §4.7's inbound branch: spawn
// a Responder session for the pushing identity, unless one already
// exists (I4: at most one C6 per identity).
func (m *Manager) handleAwaitConnection(ctx context.Context, ac *protocol.AwaitConnection) {
	if _, exists := m.lookupSession(ac.IdentityKey); exists {
		return
	}
	m.spawnSession(ctx, ac.IdentityKey, session.Responder, endpointAddr(ac.Endpoint))
}

func (m *Manager) lookupSession(peerIdentity ed25519.PublicKey) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[string(peerIdentity)]
	return sess, ok
}

// spawnSession creates and starts a C6 session for peerIdentity,
// registers it, and forwards its events until it exits. Returns nil
// if the identity key cannot be converted to an X25519 static key
// (malformed identity), in which case the caller's command is
// dropped after an error event.
func (m *Manager) spawnSession(ctx context.Context, peerIdentity ed25519.PublicKey, role session.Role, addr net.Addr) *session.Session {
	peerStatic, err := identity.ToX25519Public(peerIdentity)
	if err != nil {
		m.emit(ctx, Event{Kind: EventPeerError, Peer: peerIdentity, Err: err})
		return nil
	}

	sess := session.New(m.credential, peerIdentity, peerStatic, addr, role, m.endpoint, m.files)

	m.mu.Lock()
	m.sessions[string(peerIdentity)] = sess
	m.mu.Unlock()

	go m.forwardSessionEvents(ctx, peerIdentity, sess)
	go func() {
		_ = sess.Run(ctx)
		m.mu.Lock()
		delete(m.sessions, string(peerIdentity))
		m.mu.Unlock()
	}()

	return sess
}

func (m *Manager) forwardSessionEvents(ctx context.Context, peer ed25519.PublicKey, sess *session.Session) {
	for {
		select {
		case ev := <-sess.Events:
			if out, ok := translateSessionEvent(peer, ev); ok {
				m.emit(ctx, out)
			}
		case <-ctx.Done():
			return
		}
	}
}

func translateSessionEvent(peer ed25519.PublicKey, ev session.Event) (Event, bool) {
	switch ev.Kind {
	case session.EventTextReceived:
		return Event{Kind: EventPeerText, Peer: peer, Text: ev.Text}, true
	case session.EventFileAnnounced:
		return Event{Kind: EventPeerFileAnnounced, Peer: peer, File: ev.File}, true
	case session.EventFileReceived:
		return Event{Kind: EventPeerFileReceived, Peer: peer, File: ev.File}, true
	case session.EventFileFailed:
		return Event{Kind: EventPeerFileFailed, Peer: peer, File: ev.File, Err: ev.Err}, true
	case session.EventError:
		return Event{Kind: EventPeerError, Peer: peer, Err: ev.Err}, true
	default:
		return Event{}, false
	}
}

func forwardCommand(ctx context.Context, sess *session.Session, cmd session.Command) error {
	switch cmd.Kind {
	case session.CmdSendText:
		return sess.SendText(ctx, cmd.Text)
	case session.CmdAnnounceFile:
		return sess.AnnounceFile(ctx, cmd.FileDescriptor)
	case session.CmdRequestFile:
		return sess.RequestFile(ctx, cmd.Digest)
	default:
		return fmt.Errorf("connmanager: unknown command kind %d", cmd.Kind)
	}
}

func endpointAddr(ep protocol.Endpoint) net.Addr {
	return &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
}

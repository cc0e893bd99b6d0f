// Package session implements the peer session (spec §4.6, C6): one
// instance per remote peer, running the hole-punch, the K↔K Noise
// handshake (C5), and the peer protocol loop, with automatic
// reconnection on failure.
package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/duskline/duskline/internal/filestore"
	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/noiseops"
	"github.com/duskline/duskline/internal/protocol"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/wire"
)

// peerALPN is the QUIC ALPN identifier for peer↔peer connections. It
// carries no authentication weight (quicnet certificates are
// self-signed); it only lets two duskline endpoints recognize each
// other at the QUIC layer before the Noise handshake runs.
const peerALPN = "duskline-peer/1"

// backoffDelay is the fixed reconnect delay after any failure in
// PUNCHING/CONNECTING/HANDSHAKING/READY (spec §4.6).
const backoffDelay = 3 * time.Second

// Role mirrors spec §4.6's Initiator/Responder distinction: both sides
// dial and accept simultaneously during PUNCHING, but only one
// direction's resulting connection is actually used.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is one node of the §4.6 state machine.
type State int

const (
	StateInit State = iota
	StatePunching
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
	StateError
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePunching:
		return "punching"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// EventKind discriminates the events a Session reports to its owner
// (C7) over its Events channel.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventTextReceived
	EventFileAnnounced
	EventFileReceived
	EventFileFailed
	EventError
)

// Event is one notification from a Session to its owner.
type Event struct {
	Kind  EventKind
	State State
	Text  string
	File  protocol.FileDescriptor
	Err   error
}

// CommandKind discriminates the commands a Session's owner can issue.
type CommandKind int

const (
	CmdSendText CommandKind = iota
	CmdAnnounceFile
	CmdRequestFile
)

// Command is one instruction from C7 to a Session.
type Command struct {
	Kind           CommandKind
	Text           string
	FileDescriptor protocol.FileDescriptor
	Digest         [32]byte
}

// Session drives one remote peer relationship end to end: hole-punch,
// handshake, protocol loop, and reconnection on failure. Exactly one
// Session exists per remote identity within a client (spec §4.2).
type Session struct {
	credential   *identity.Credential
	PeerIdentity ed25519.PublicKey
	peerStatic   []byte
	peerAddr     net.Addr
	role         Role
	endpoint     *quicnet.SharedEndpoint
	files        *filestore.Store

	// Events is read by the owner to learn about incoming messages,
	// completed downloads, and state transitions.
	Events chan Event
	// commands is written by the owner (via SendText/AnnounceFile/
	// RequestFile) to drive outbound protocol traffic.
	commands chan Command

	stateMu sync.Mutex
	state   State
}

// New builds a Session for one remote peer. peerStatic is the peer's
// X25519 static key (known in advance, as KK requires); peerAddr is
// its currently known endpoint, supplied fresh by C7 each time it
// (re)creates the session (spec §4.7).
func New(credential *identity.Credential, peerIdentity ed25519.PublicKey, peerStatic []byte, peerAddr net.Addr, role Role, endpoint *quicnet.SharedEndpoint, files *filestore.Store) *Session {
	return &Session{
		credential:   credential,
		PeerIdentity: peerIdentity,
		peerStatic:   peerStatic,
		peerAddr:     peerAddr,
		role:         role,
		endpoint:     endpoint,
		files:        files,
		Events:       make(chan Event, 16),
		commands:     make(chan Command),
		state:        StateInit,
	}
}

// State reports the session's current state machine node.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(ctx context.Context, st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.emit(ctx, Event{Kind: EventStateChanged, State: st})
}

func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.Events <- ev:
	case <-ctx.Done():
	}
}

// SendText enqueues a text message for transmission to the peer.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.enqueue(ctx, Command{Kind: CmdSendText, Text: text})
}

// AnnounceFile tells the peer a file is available by digest, without
// transferring any bytes; the peer requests it later with GetFile.
func (s *Session) AnnounceFile(ctx context.Context, desc protocol.FileDescriptor) error {
	return s.enqueue(ctx, Command{Kind: CmdAnnounceFile, FileDescriptor: desc})
}

// RequestFile asks the peer to stream the file matching digest, which
// must have been previously announced.
func (s *Session) RequestFile(ctx context.Context, digest [32]byte) error {
	return s.enqueue(ctx, Command{Kind: CmdRequestFile, Digest: digest})
}

func (s *Session) enqueue(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until ctx is cancelled: PUNCHING through
// READY, reconnecting with a fixed backoff on any failure (spec
// §4.6's ERROR→BACKOFF→INIT edge), until ctx is done or the peer
// sends Bye.
func (s *Session) Run(ctx context.Context) error {
	for {
		s.setState(ctx, StateInit)

		err := s.runOnce(ctx)
		if err == nil {
			s.setState(ctx, StateClosed)
			return nil
		}
		if ctx.Err() != nil {
			s.setState(ctx, StateClosed)
			return ctx.Err()
		}

		s.setState(ctx, StateError)
		s.emit(ctx, Event{Kind: EventError, Err: err})
		s.setState(ctx, StateBackoff)

		select {
		case <-time.After(backoffDelay):
		case <-ctx.Done():
			s.setState(ctx, StateClosed)
			return ctx.Err()
		}
	}
}

// runOnce performs one full PUNCHING→CONNECTING→HANDSHAKING→READY
// pass. A nil error means the peer cleanly said Bye; any other
// non-nil, non-context error means a failure the caller should treat
// as ERROR (triggering backoff).
func (s *Session) runOnce(ctx context.Context) error {
	s.setState(ctx, StatePunching)
	conn, err := s.punch(ctx)
	if err != nil {
		return fmt.Errorf("session: punch: %w", err)
	}
	defer conn.CloseWithError(0, "")

	s.setState(ctx, StateConnecting)
	stream, err := s.selectStream(ctx, conn)
	if err != nil {
		return fmt.Errorf("session: open stream: %w", err)
	}

	s.setState(ctx, StateHandshaking)
	h := noiseops.NewHandshaker(s.credential)
	var transport *noiseops.Transport
	switch s.role {
	case Initiator:
		transport, err = h.PeerInitiate(stream, s.peerStatic)
	case Responder:
		transport, err = h.PeerAccept(stream, s.peerStatic)
	}
	if err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}

	s.setState(ctx, StateReady)
	record := wire.NewRecordCodec(stream, transport)
	chunk := wire.NewChunkCodec(stream, record)
	typed := wire.NewTypedCodec[*protocol.PeerMessage, *protocol.PeerMessage](chunk)
	return s.runReady(ctx, typed)
}

// punch performs the simultaneous dial+accept of spec §4.6's PUNCHING
// step: both sides race to open a connection to the other, and the
// role decides which of the two resulting connections the session
// actually uses.
func (s *Session) punch(ctx context.Context) (*quic.Conn, error) {
	switch s.role {
	case Initiator:
		return s.punchAsInitiator(ctx)
	default:
		return s.punchAsResponder(ctx)
	}
}

func (s *Session) punchAsInitiator(ctx context.Context) (*quic.Conn, error) {
	serverTLS, err := quicnet.ServerTLSConfig(peerALPN)
	if err != nil {
		return nil, err
	}
	ln, err := s.endpoint.ServerListener(serverTLS, &quic.Config{})
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	acceptCtx, acceptCancel := context.WithCancel(ctx)
	defer acceptCancel()
	go s.drainUnmatchedInbound(acceptCtx, ln)

	clientTLS := quicnet.ClientTLSConfig(peerALPN)
	return s.endpoint.Dial(ctx, s.peerAddr, clientTLS, &quic.Config{})
}

func (s *Session) punchAsResponder(ctx context.Context) (*quic.Conn, error) {
	serverTLS, err := quicnet.ServerTLSConfig(peerALPN)
	if err != nil {
		return nil, err
	}
	ln, err := s.endpoint.ServerListener(serverTLS, &quic.Config{})
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	go func() {
		clientTLS := quicnet.ClientTLSConfig(peerALPN)
		conn, err := s.endpoint.Dial(dialCtx, s.peerAddr, clientTLS, &quic.Config{})
		if err == nil {
			// The Responder never uses its own outbound connection;
			// it only exists to complete the hole-punch.
			conn.CloseWithError(0, "")
		}
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		if addrMatches(conn.RemoteAddr(), s.peerAddr) {
			return conn, nil
		}
		conn.CloseWithError(0, "unexpected peer")
	}
}

// drainUnmatchedInbound accepts and closes connections the Initiator
// doesn't use, so the shared socket's accept queue doesn't back up
// while the dial above is in flight. Anything it doesn't close in
// time is cleaned up by QUIC's idle timeout (spec §4.6).
func (s *Session) drainUnmatchedInbound(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		conn.CloseWithError(0, "")
	}
}

func (s *Session) selectStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	switch s.role {
	case Initiator:
		return conn.OpenStreamSync(ctx)
	default:
		return conn.AcceptStream(ctx)
	}
}

func addrMatches(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}

var errUnknownCommand = errors.New("session: unknown command kind")

// runReady drives READY (spec §4.6): concurrently reads typed
// messages off the wire and services outbound commands from the
// owner, until the peer sends Bye, a read fails, or ctx is cancelled.
func (s *Session) runReady(ctx context.Context, typed *wire.TypedCodec[*protocol.PeerMessage, *protocol.PeerMessage]) error {
	incoming := make(chan *protocol.PeerMessage)
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

	downloads := make(map[[32]byte]*download)
	announced := make(map[[32]byte]protocol.FileDescriptor)

	for {
		select {
		case cmd := <-s.commands:
			if err := s.handleCommand(cmd, typed); err != nil {
				return err
			}
		case msg := <-incoming:
			bye, err := s.handleIncoming(ctx, msg, typed, downloads, announced)
			if err != nil {
				return err
			}
			if bye {
				return nil
			}
		case err := <-readErr:
			return err
		case <-ctx.Done():
			s.sendBye(typed)
			return ctx.Err()
		}
	}
}

// sendBye best-effort notifies the peer of a graceful shutdown before
// the transport is torn down (SUPPLEMENTED FEATURES item 2); the
// write races the owner's own teardown of the underlying connection,
// so a failure here is not itself treated as a session error.
func (s *Session) sendBye(typed *wire.TypedCodec[*protocol.PeerMessage, *protocol.PeerMessage]) {
	msg := protocol.NewPeerBye()
	_ = typed.Send(&msg)
}

func (s *Session) handleCommand(cmd Command, typed *wire.TypedCodec[*protocol.PeerMessage, *protocol.PeerMessage]) error {
	switch cmd.Kind {
	case CmdSendText:
		msg := protocol.NewSendText(cmd.Text)
		return typed.Send(&msg)
	case CmdAnnounceFile:
		msg := protocol.NewSendFileMeta(cmd.FileDescriptor)
		return typed.Send(&msg)
	case CmdRequestFile:
		msg := protocol.NewGetFile(cmd.Digest)
		return typed.Send(&msg)
	default:
		return errUnknownCommand
	}
}

// download tracks one in-flight GetFile response: chunks arrive as a
// sequence of typed messages (see protocol.FileChunk) and are piped
// straight into filestore so the whole file never sits in memory at
// once; filestore.PutExpecting performs the BLAKE3 re-verification
// spec §4.6 requires before the file is considered complete.
type download struct {
	desc    protocol.FileDescriptor
	writer  *io.PipeWriter
	done    chan putResult
	written uint64
}

type putResult struct {
	desc protocol.FileDescriptor
	err  error
}

func (s *Session) handleIncoming(ctx context.Context, msg *protocol.PeerMessage, typed *wire.TypedCodec[*protocol.PeerMessage, *protocol.PeerMessage], downloads map[[32]byte]*download, announced map[[32]byte]protocol.FileDescriptor) (bye bool, err error) {
	switch msg.Kind {
	case protocol.KindSendText:
		s.emit(ctx, Event{Kind: EventTextReceived, Text: *msg.SendText})
		return false, nil

	case protocol.KindSendFileMeta:
		desc := *msg.SendFile
		announced[desc.Digest] = desc
		s.emit(ctx, Event{Kind: EventFileAnnounced, File: desc})
		return false, nil

	case protocol.KindGetFile:
		return false, s.serveFile(msg.GetFile.Digest, typed)

	case protocol.KindFileChunk:
		return false, s.receiveChunk(ctx, msg.FileChunk, downloads, announced)

	case protocol.KindPeerAck:
		return false, nil

	case protocol.KindPeerBye:
		return true, nil

	default:
		return false, protocol.ErrUnknownMessage
	}
}

// serveFile streams a locally held file out as a sequence of
// FileChunk messages in response to GetFile. Any I/O error here is
// fatal for the session, matching spec §4.6's failure semantics for
// READY.
func (s *Session) serveFile(digest [32]byte, typed *wire.TypedCodec[*protocol.PeerMessage, *protocol.PeerMessage]) error {
	r, _, err := s.files.Open(digest)
	if err != nil {
		return fmt.Errorf("session: serve file: %w", err)
	}
	defer r.Close()

	buf := make([]byte, wire.MaxChunkPlaintext)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := protocol.NewFileChunk(digest, append([]byte(nil), buf[:n]...))
			if err := typed.Send(&chunk); err != nil {
				return fmt.Errorf("session: serve file: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("session: serve file: %w", readErr)
		}
	}
}

// receiveChunk accumulates one incoming FileChunk into its in-flight
// download, starting a new one on the first chunk for a digest and
// finalizing it once the announced size has been reached.
func (s *Session) receiveChunk(ctx context.Context, fc *protocol.FileChunk, downloads map[[32]byte]*download, announced map[[32]byte]protocol.FileDescriptor) error {
	dl, ok := downloads[fc.Digest]
	if !ok {
		desc, known := announced[fc.Digest]
		if !known {
			return fmt.Errorf("session: file chunk for unannounced digest")
		}
		pr, pw := io.Pipe()
		dl = &download{desc: desc, writer: pw, done: make(chan putResult, 1)}
		downloads[fc.Digest] = dl
		go func() {
			got, err := s.files.PutExpecting(desc.Name, desc.MIME, desc.Digest, pr)
			dl.done <- putResult{desc: got, err: err}
		}()
	}

	if _, err := dl.writer.Write(fc.Data); err != nil {
		return fmt.Errorf("session: write download: %w", err)
	}
	dl.written += uint64(len(fc.Data))
	if dl.written < dl.desc.Size {
		return nil
	}

	dl.writer.Close()
	result := <-dl.done
	delete(downloads, fc.Digest)
	if result.err != nil {
		s.emit(ctx, Event{Kind: EventFileFailed, File: dl.desc, Err: result.err})
		// A corrupt download is reported and the transfer is abandoned,
		// but it does not itself terminate the session (spec §4.6): it
		// is a content integrity failure, not the I/O or crypto failure
		// the ERROR→BACKOFF edge is for.
		if errors.Is(result.err, filestore.ErrDigestMismatch) {
			return nil
		}
		return fmt.Errorf("session: download %x: %w", dl.desc.Digest, result.err)
	}
	s.emit(ctx, Event{Kind: EventFileReceived, File: result.desc})
	return nil
}

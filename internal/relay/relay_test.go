package relay

import (
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/noiseops"
	"github.com/duskline/duskline/internal/protocol"
	"github.com/duskline/duskline/internal/quicnet"
	"github.com/duskline/duskline/internal/wire"
)

// testClient is a hand-rolled relay client used only to exercise
// Server from the wire level, independent of internal/connmanager.
type testClient struct {
	conn  *quic.Conn
	typed *wire.TypedCodec[*protocol.ClientToRelay, *protocol.RelayToClient]
}

func mustCredential(t *testing.T) *identity.Credential {
	t.Helper()
	c, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return c
}

func mustEndpoint(t *testing.T) *quicnet.SharedEndpoint {
	t.Helper()
	ep, err := quicnet.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("quicnet.Listen: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func startServer(t *testing.T, cred *identity.Credential) (*Server, *quicnet.SharedEndpoint) {
	t.Helper()
	ep := mustEndpoint(t)
	srv := New(cred, ep)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv, ep
}

func dialClient(ctx context.Context, t *testing.T, cred *identity.Credential, relayEp *quicnet.SharedEndpoint, relayStatic []byte) *testClient {
	t.Helper()
	clientEp := mustEndpoint(t)
	tlsConf := quicnet.ClientTLSConfig(relayALPN)
	conn, err := clientEp.Dial(ctx, relayEp.LocalAddr(), tlsConf, &quic.Config{})
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	h := noiseops.NewHandshaker(cred)
	transport, err := h.ClientRelayInitiate(stream, relayStatic)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	record := wire.NewRecordCodec(stream, transport)
	chunk := wire.NewChunkCodec(stream, record)
	typed := wire.NewTypedCodec[*protocol.ClientToRelay, *protocol.RelayToClient](chunk)
	return &testClient{conn: conn, typed: typed}
}

func (c *testClient) register(t *testing.T, cred *identity.Credential) {
	t.Helper()
	reg := protocol.NewRegister(cred.PublicKey())
	if err := c.typed.Send(&reg); err != nil {
		t.Fatalf("send register: %v", err)
	}
	reply, err := c.typed.Recv()
	if err != nil {
		t.Fatalf("recv ack: %v", err)
	}
	if reply.Kind != protocol.KindRelayAck {
		t.Fatalf("got kind %d, want KindRelayAck", reply.Kind)
	}
}

func waitReply(t *testing.T, c *testClient, timeout time.Duration) *protocol.RelayToClient {
	t.Helper()
	done := make(chan struct{})
	var msg *protocol.RelayToClient
	var err error
	go func() {
		msg, err = c.typed.Recv()
		close(done)
	}()
	select {
	case <-done:
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for relay message")
		return nil
	}
}

func TestRegisterAndGetUserKnown(t *testing.T) {
	relayCred := mustCredential(t)
	_, relayEp := startServer(t, relayCred)
	relayStatic := relayCred.X25519PublicKey()

	credA, credB := mustCredential(t), mustCredential(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientA := dialClient(ctx, t, credA, relayEp, relayStatic)
	clientA.register(t, credA)

	clientB := dialClient(ctx, t, credB, relayEp, relayStatic)
	clientB.register(t, credB)

	req := protocol.NewGetUser(credB.PublicKey())
	if err := clientA.typed.Send(&req); err != nil {
		t.Fatalf("send GetUser: %v", err)
	}

	reply := waitReply(t, clientA, 5*time.Second)
	if reply.Kind != protocol.KindUserAddress {
		t.Fatalf("got kind %d, want KindUserAddress", reply.Kind)
	}
	if reply.UserAddress.Endpoint == nil {
		t.Fatalf("UserAddress.Endpoint = nil, want B's endpoint")
	}

	push := waitReply(t, clientB, 5*time.Second)
	if push.Kind != protocol.KindAwaitConnection {
		t.Fatalf("got kind %d, want KindAwaitConnection", push.Kind)
	}
	if string(push.AwaitConnection.IdentityKey) != string(credA.PublicKey()) {
		t.Fatalf("AwaitConnection.IdentityKey mismatch")
	}
}

func TestGetUserUnknown(t *testing.T) {
	relayCred := mustCredential(t)
	_, relayEp := startServer(t, relayCred)
	relayStatic := relayCred.X25519PublicKey()

	credA, unknown := mustCredential(t), mustCredential(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientA := dialClient(ctx, t, credA, relayEp, relayStatic)
	clientA.register(t, credA)

	req := protocol.NewGetUser(unknown.PublicKey())
	if err := clientA.typed.Send(&req); err != nil {
		t.Fatalf("send GetUser: %v", err)
	}

	reply := waitReply(t, clientA, 5*time.Second)
	if reply.Kind != protocol.KindUserAddress {
		t.Fatalf("got kind %d, want KindUserAddress", reply.Kind)
	}
	if reply.UserAddress.Endpoint != nil {
		t.Fatalf("UserAddress.Endpoint = %+v, want nil", reply.UserAddress.Endpoint)
	}
}

func TestBadStaticKeyRejected(t *testing.T) {
	relayCred := mustCredential(t)
	_, relayEp := startServer(t, relayCred)
	relayStatic := relayCred.X25519PublicKey()

	credA, impersonated := mustCredential(t), mustCredential(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientA := dialClient(ctx, t, credA, relayEp, relayStatic)

	// Claim impersonated's identity key over a connection whose Noise
	// static key actually belongs to credA: the relay must catch the
	// mismatch rather than bind the wrong endpoint to that identity.
	reg := protocol.NewRegister(impersonated.PublicKey())
	if err := clientA.typed.Send(&reg); err != nil {
		t.Fatalf("send register: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := clientA.typed.Recv()
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected connection to be dropped instead of acked")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not close the connection after a static key mismatch")
	}
}

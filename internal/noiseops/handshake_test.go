package noiseops

import (
	"bytes"
	"net"
	"testing"

	"github.com/duskline/duskline/internal/identity"
)

func mustCredential(t *testing.T) *identity.Credential {
	t.Helper()
	cred, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return cred
}

func TestClientRelayHandshakeRoundTrip(t *testing.T) {
	clientCred := mustCredential(t)
	relayCred := mustCredential(t)

	clientConn, relayConn := net.Pipe()
	defer clientConn.Close()
	defer relayConn.Close()

	type result struct {
		transport *Transport
		static    []byte
		err       error
	}
	clientCh := make(chan result, 1)
	relayCh := make(chan result, 1)

	go func() {
		tr, err := NewHandshaker(clientCred).ClientRelayInitiate(clientConn, relayCred.X25519PublicKey())
		clientCh <- result{transport: tr, err: err}
	}()
	go func() {
		tr, static, err := NewHandshaker(relayCred).ClientRelayAccept(relayConn)
		relayCh <- result{transport: tr, static: static, err: err}
	}()

	clientRes := <-clientCh
	relayRes := <-relayCh

	if clientRes.err != nil {
		t.Fatalf("client handshake: %v", clientRes.err)
	}
	if relayRes.err != nil {
		t.Fatalf("relay handshake: %v", relayRes.err)
	}

	// P4: the relay's observed static key for the client equals the
	// client's X25519 static public key.
	if !bytes.Equal(relayRes.static, clientCred.X25519PublicKey()) {
		t.Fatalf("relay observed static key mismatch")
	}

	// P2: transport states are cross-matched for round-trip encryption.
	plaintext := []byte("register me")
	ciphertext, err := clientRes.transport.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := relayRes.transport.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	reply := []byte("ack")
	ciphertext, err = relayRes.transport.Encrypt(reply)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err = clientRes.transport.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("got %q, want %q", got, reply)
	}
}

func TestClientRelayHandshakeRejectsWrongRelayKey(t *testing.T) {
	clientCred := mustCredential(t)
	relayCred := mustCredential(t)
	wrongCred := mustCredential(t)

	clientConn, relayConn := net.Pipe()
	defer clientConn.Close()
	defer relayConn.Close()

	errCh := make(chan error, 2)

	go func() {
		_, err := NewHandshaker(clientCred).ClientRelayInitiate(clientConn, wrongCred.X25519PublicKey())
		errCh <- err
	}()
	go func() {
		_, _, err := NewHandshaker(relayCred).ClientRelayAccept(relayConn)
		errCh <- err
	}()

	first := <-errCh
	second := <-errCh
	if first == nil && second == nil {
		t.Fatalf("expected handshake failure when client targets the wrong relay static key")
	}
}

func TestPeerHandshakeRoundTrip(t *testing.T) {
	aliceCred := mustCredential(t)
	bobCred := mustCredential(t)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	type result struct {
		transport *Transport
		err       error
	}
	aliceCh := make(chan result, 1)
	bobCh := make(chan result, 1)

	go func() {
		tr, err := NewHandshaker(aliceCred).PeerInitiate(aliceConn, bobCred.X25519PublicKey())
		aliceCh <- result{tr, err}
	}()
	go func() {
		tr, err := NewHandshaker(bobCred).PeerAccept(bobConn, aliceCred.X25519PublicKey())
		bobCh <- result{tr, err}
	}()

	aliceRes := <-aliceCh
	bobRes := <-bobCh
	if aliceRes.err != nil {
		t.Fatalf("alice handshake: %v", aliceRes.err)
	}
	if bobRes.err != nil {
		t.Fatalf("bob handshake: %v", bobRes.err)
	}

	plaintext := []byte("hello")
	ciphertext, err := aliceRes.transport.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := bobRes.transport.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestProtocolNameComposition(t *testing.T) {
	// Every real call site (handshake.go) passes roles pre-resolved to
	// initiator-first order, so this checks the two patterns actually
	// used on the wire compose to the exact string the noise library
	// expects for Client<->Relay (IK) and peer<->peer (KK).
	if got := protocolName('I', 'K'); got != "Noise_IK_25519_ChaChaPoly_BLAKE2b" {
		t.Fatalf("unexpected protocol name %q", got)
	}
	if got := protocolName('K', 'K'); got != "Noise_KK_25519_ChaChaPoly_BLAKE2b" {
		t.Fatalf("unexpected protocol name %q", got)
	}
	// P3's composition is position-sensitive (first letter, then
	// second) rather than a set of two roles; swapping the arguments
	// must change the result, or a transposition bug here would let
	// the two ends of a handshake silently agree on the wrong pattern.
	if protocolName('I', 'K') == protocolName('K', 'I') {
		t.Fatalf("protocolName must not be symmetric in its arguments")
	}
}

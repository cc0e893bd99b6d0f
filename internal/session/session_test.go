package session

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/duskline/duskline/internal/filestore"
	"github.com/duskline/duskline/internal/identity"
	"github.com/duskline/duskline/internal/quicnet"
)

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

func mustFilestore(t *testing.T) *filestore.Store {
	t.Helper()
	st, err := filestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// waitFor drains events until pred matches one, failing the test on
// timeout or channel closure.
func waitFor(t *testing.T, events <-chan Event, timeout time.Duration, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed before matching event")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestSessionTextRoundTrip(t *testing.T) {
	credA, credB := mustCredential(t), mustCredential(t)
	epA, epB := mustEndpoint(t), mustEndpoint(t)
	filesA, filesB := mustFilestore(t), mustFilestore(t)

	sessA := New(credA, credB.PublicKey(), credB.X25519PublicKey(), epB.LocalAddr(), Initiator, epA, filesA)
	sessB := New(credB, credA.PublicKey(), credA.X25519PublicKey(), epA.LocalAddr(), Responder, epB, filesB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go sessA.Run(ctx)
	go sessB.Run(ctx)

	if err := sessA.SendText(ctx, "hello from a"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ev := waitFor(t, sessB.Events, 5*time.Second, func(e Event) bool { return e.Kind == EventTextReceived })
	if ev.Text != "hello from a" {
		t.Fatalf("got text %q, want %q", ev.Text, "hello from a")
	}

	if err := sessB.SendText(ctx, "hello from b"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	ev = waitFor(t, sessA.Events, 5*time.Second, func(e Event) bool { return e.Kind == EventTextReceived })
	if ev.Text != "hello from b" {
		t.Fatalf("got text %q, want %q", ev.Text, "hello from b")
	}
}

func TestSessionFileTransfer(t *testing.T) {
	credA, credB := mustCredential(t), mustCredential(t)
	epA, epB := mustEndpoint(t), mustEndpoint(t)
	filesA, filesB := mustFilestore(t), mustFilestore(t)

	sessA := New(credA, credB.PublicKey(), credB.X25519PublicKey(), epB.LocalAddr(), Initiator, epA, filesA)
	sessB := New(credB, credA.PublicKey(), credA.X25519PublicKey(), epA.LocalAddr(), Responder, epB, filesB)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go sessA.Run(ctx)
	go sessB.Run(ctx)

	content := bytes.Repeat([]byte("duskline file transfer payload "), 5000)
	desc, err := filesA.Put("report.bin", "application/octet-stream", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := sessA.AnnounceFile(ctx, desc); err != nil {
		t.Fatalf("AnnounceFile: %v", err)
	}
	ev := waitFor(t, sessB.Events, 5*time.Second, func(e Event) bool { return e.Kind == EventFileAnnounced })
	if ev.File.Digest != desc.Digest || ev.File.Name != "report.bin" {
		t.Fatalf("announced descriptor = %+v, want %+v", ev.File, desc)
	}

	if err := sessB.RequestFile(ctx, desc.Digest); err != nil {
		t.Fatalf("RequestFile: %v", err)
	}
	ev = waitFor(t, sessB.Events, 10*time.Second, func(e Event) bool { return e.Kind == EventFileReceived })
	if ev.File.Digest != desc.Digest {
		t.Fatalf("received digest mismatch")
	}

	r, gotDesc, err := filesB.Open(desc.Digest)
	if err != nil {
		t.Fatalf("Open received file: %v", err)
	}
	defer r.Close()
	got := make([]byte, gotDesc.Size)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("received file content mismatch")
	}
}

package store

import (
	"crypto/ed25519"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	envelopes := []Envelope{
		{Author: pub, Text: "hello", UnixNanos: 100},
		{Author: pub, Text: "world", UnixNanos: 200},
	}
	for _, e := range envelopes {
		if err := s.AppendEnvelope(e); err != nil {
			t.Fatalf("AppendEnvelope: %v", err)
		}
	}

	got, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != len(envelopes) {
		t.Fatalf("got %d envelopes, want %d", len(got), len(envelopes))
	}
	for i, e := range got {
		if e.Text != envelopes[i].Text || e.UnixNanos != envelopes[i].UnixNanos {
			t.Fatalf("envelope %d = %+v, want %+v", i, e, envelopes[i])
		}
		if !e.Author.Equal(pub) {
			t.Fatalf("envelope %d author mismatch", i)
		}
	}
}

func TestLabelRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if _, ok := s.Label(pub); ok {
		t.Fatalf("expected no label before SetLabel")
	}

	if err := s.SetLabel(pub, "Alice"); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	name, ok := s.Label(pub)
	if !ok || name != "Alice" {
		t.Fatalf("Label() = %q, %v, want Alice, true", name, ok)
	}
}

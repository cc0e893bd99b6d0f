package wire

import (
	"bytes"
	"io"
	"testing"
)

// TestFrameRoundTrip is the Go rendering of spec property P1: for
// every byte string with len <= 65535, decode(encode(b)) == b.
func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, MaxFrameSize),
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, tc); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, tc) && !(len(got) == 0 && len(tc) == 0) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(tc))
		}
	}
}

func TestFrameRoundTripConcatenated(t *testing.T) {
	inputs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	var buf bytes.Buffer
	for _, in := range inputs {
		if err := WriteFrame(&buf, in); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for _, want := range inputs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

// TestReadFramePartialReads exercises the "tolerate partial reads"
// requirement of spec §4.1 by trickling bytes one at a time.
func TestReadFramePartialReads(t *testing.T) {
	var full bytes.Buffer
	if err := WriteFrame(&full, []byte("partial-read-payload")); err != nil {
		t.Fatal(err)
	}

	r := &oneByteReader{data: full.Bytes()}
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "partial-read-payload" {
		t.Fatalf("got %q", got)
	}
}

type oneByteReader struct{ data []byte }

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

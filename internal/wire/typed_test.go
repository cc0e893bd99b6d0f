package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type pingMsg struct{ seq uint32 }

func (p *pingMsg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, p.seq)
	return buf, nil
}

func (p *pingMsg) UnmarshalBinary(b []byte) error {
	p.seq = binary.BigEndian.Uint32(b)
	return nil
}

type pongMsg struct{ seq uint32 }

func (p *pongMsg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, p.seq)
	return buf, nil
}

func (p *pongMsg) UnmarshalBinary(b []byte) error {
	p.seq = binary.BigEndian.Uint32(b)
	return nil
}

func TestTypedCodecSendRecv(t *testing.T) {
	var buf bytes.Buffer
	record := NewRecordCodec(&buf, fakeAEAD{})
	chunk := NewChunkCodec(&buf, record)

	sender := NewTypedCodec[*pingMsg, *pongMsg](chunk)
	if err := sender.Send(&pingMsg{seq: 42}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	receiver := NewTypedCodec[*pongMsg, *pingMsg](chunk)
	got, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.seq != 42 {
		t.Fatalf("seq = %d, want 42", got.seq)
	}
}

func TestTypedCodecAsymmetricTypes(t *testing.T) {
	var buf bytes.Buffer
	record := NewRecordCodec(&buf, fakeAEAD{})
	chunk := NewChunkCodec(&buf, record)

	client := NewTypedCodec[*pingMsg, *pongMsg](chunk)
	server := NewTypedCodec[*pongMsg, *pingMsg](chunk)

	if err := client.Send(&pingMsg{seq: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	req, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if err := server.Send(&pongMsg{seq: req.seq + 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := client.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if resp.seq != 2 {
		t.Fatalf("resp.seq = %d, want 2", resp.seq)
	}
}

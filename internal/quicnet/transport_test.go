package quicnet

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestSharedEndpointDialListenRoundTrip(t *testing.T) {
	const alpn = "duskline-test"

	serverTLS, err := ServerTLSConfig(alpn)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	ln, err := server.ServerListener(serverTLS, &quic.Config{})
	if err != nil {
		t.Fatalf("ServerListener: %v", err)
	}

	client, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		buf := make([]byte, len("ping"))
		if _, err := stream.Read(buf); err != nil {
			serverErrCh <- err
			return
		}
		if !bytes.Equal(buf, []byte("ping")) {
			serverErrCh <- fmt.Errorf("got %q, want ping", buf)
			return
		}
		if _, err := stream.Write([]byte("pong")); err != nil {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	clientTLS := ClientTLSConfig(alpn)
	conn, err := client.Dial(ctx, server.LocalAddr(), clientTLS, &quic.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len("pong"))
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("pong")) {
		t.Fatalf("got %q, want pong", buf)
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

package listener

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/outbound"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

type fixedServerHandler struct {
	result protocol.SetupResult
	err    error
}

func (f *fixedServerHandler) SetupServerStream(streams.ByteStream) (protocol.SetupResult, error) {
	return f.result, f.err
}

func newDirectSelector() *outbound.Reloadable {
	return outbound.NewReloadable(outbound.NewSelector(outbound.ChainGroup{{{Single: &outbound.Hop{Direct: true}}}}))
}

func TestServerForwardsTCPConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	dest, err := address.ParseNetLocation(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse net location: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()

	s := &Server{
		Handler: &fixedServerHandler{result: protocol.SetupResult{
			Kind:                      protocol.KindTCPForward,
			RemoteLocation:            dest,
			ConnectionSuccessResponse: []byte("ok"),
		}},
		Selector: newDirectSelector(),
	}

	done := make(chan struct{})
	go func() {
		s.handle(context.Background(), streams.NewTCPByteStream(server))
		close(done)
	}()

	ack := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatalf("read connection success response: %v", err)
	}
	if !bytes.Equal(ack, []byte("ok")) {
		t.Fatalf("got %q, want ok", ack)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Errorf("got %q, want ping", got)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after the client closed")
	}
}

func TestServerClosesConnectionOnBlockedSetupResult(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{
		Handler:  &fixedServerHandler{result: protocol.SetupResult{Kind: protocol.KindBlocked}},
		Selector: newDirectSelector(),
	}

	done := make(chan struct{})
	go func() {
		s.handle(context.Background(), streams.NewTCPByteStream(server))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return for a blocked setup result")
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Error("expected the client side to observe the connection closing")
	}
}

func TestServerLeavesAlreadyHandledConnectionAlone(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	serverStream := streams.NewTCPByteStream(server)
	handlerDone := make(chan struct{})
	s := &Server{
		Handler: &fixedServerHandler{result: protocol.SetupResult{Kind: protocol.KindAlreadyHandled}},
		Selector: newDirectSelector(),
	}
	// A real KindAlreadyHandled handler (e.g. vless's fallback relay) takes
	// the stream over itself in its own goroutine; simulate that here by
	// writing after SetupServerStream returns and asserting the bytes
	// still arrive, which would fail if handle() had closed serverStream.
	go func() {
		defer close(handlerDone)
		serverStream.Write([]byte("handled"))
	}()

	go s.handle(context.Background(), serverStream)

	got := make([]byte, len("handled"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "handled" {
		t.Errorf("got %q, want handled", got)
	}
	<-handlerDone
}

package wsproto

import (
	"bytes"
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

type echoInner struct{}

func (echoInner) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return protocol.SetupResult{}, err
	}
	if _, err := stream.Write(buf); err != nil {
		return protocol.SetupResult{}, err
	}
	return protocol.SetupResult{Kind: protocol.KindAlreadyHandled}, nil
}

func TestServerClientUpgradeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{Inner: echoInner{}}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		done <- err
	}()

	cli := &ClientHandler{}
	ws, err := cli.SetupClientStream(client, address.NetLocation{Address: "example.com", Port: 80})
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}
	defer ws.Close()

	if _, err := ws.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(ws, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Errorf("got %q", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

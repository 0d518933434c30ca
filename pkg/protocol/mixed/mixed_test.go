package mixed

import (
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

type kindRecorder struct {
	kind protocol.SetupResultKind
	seen []byte
}

func (k *kindRecorder) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return protocol.SetupResult{}, err
	}
	k.seen = buf
	return protocol.SetupResult{Kind: k.kind}, nil
}

func TestDispatchesSOCKS5ByVersionByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	socks := &kindRecorder{kind: protocol.KindTCPForward}
	h := &ServerHandler{SOCKS5: socks, HTTP: &kindRecorder{}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.SetupServerStream(server); err != nil {
			t.Errorf("SetupServerStream: %v", err)
		}
	}()

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-done

	if len(socks.seen) != 3 || socks.seen[0] != 0x05 {
		t.Fatalf("socks5 handler saw %v, want leading 0x05", socks.seen)
	}
}

func TestDispatchesHTTPForAnythingElse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	httpH := &kindRecorder{kind: protocol.KindTCPForward}
	h := &ServerHandler{SOCKS5: &kindRecorder{}, HTTP: httpH}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.SetupServerStream(server); err != nil {
			t.Errorf("SetupServerStream: %v", err)
		}
	}()

	if _, err := client.Write([]byte("GET")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-done

	if string(httpH.seen) != "GET" {
		t.Fatalf("http handler saw %q, want %q", httpH.seen, "GET")
	}
}

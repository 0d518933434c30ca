package trojan

import (
	"bytes"
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/cryptoutil/aead"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/protocol/shadowsocks"
)

func TestServerHandlerConnectRoundTrip(t *testing.T) {
	hexPass := HashPassword("s3cret")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{ValidHexPasswords: [][]byte{[]byte(hexPass)}}
	dest := address.NetLocation{Address: "203.0.113.7", Port: 443}

	done := make(chan struct{})
	var setupErr error
	var gotLoc address.NetLocation
	go func() {
		defer close(done)
		res, err := h.SetupServerStream(server)
		if err != nil {
			setupErr = err
			return
		}
		gotLoc = res.RemoteLocation
		_, setupErr = res.Stream.Write([]byte("ok"))
	}()

	cli := &ClientHandler{HexPassword: hexPass}
	clientStream, err := cli.SetupClientStream(client, dest)
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}

	// Read before joining the goroutine: net.Pipe writes rendezvous with
	// reads, so the server side stays blocked until this drains.
	got := make([]byte, 2)
	if _, err := io.ReadFull(clientStream, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, []byte("ok")) {
		t.Errorf("got %q", got)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("server side: %v", setupErr)
	}
	if gotLoc != dest {
		t.Fatalf("got %+v, want %+v", gotLoc, dest)
	}
}

func TestServerHandlerWrongPasswordWithoutFallbackFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{ValidHexPasswords: [][]byte{[]byte(HashPassword("correct"))}}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		done <- err
	}()

	cli := &ClientHandler{HexPassword: HashPassword("wrong")}
	_, _ = cli.SetupClientStream(client, address.NetLocation{Address: "example.com", Port: 80})

	if err := <-done; err == nil {
		t.Fatal("expected auth failure without a fallback configured")
	}
}

func TestServerHandlerShadowsocksFallback(t *testing.T) {
	key, err := aead.NewLegacyKey(aead.CipherAES256GCM, "fallback-pass")
	if err != nil {
		t.Fatalf("NewLegacyKey: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	h := &ServerHandler{
		ValidHexPasswords:   [][]byte{[]byte(HashPassword("trojan-pass"))},
		ShadowsocksFallback: &shadowsocks.ServerHandler{Key: key},
	}
	dest := address.NetLocation{Address: "198.51.100.4", Port: 9090}

	done := make(chan struct{})
	var result protocol.SetupResult
	var setupErr error
	go func() {
		result, setupErr = h.SetupServerStream(serverConn)
		close(done)
	}()

	// A Shadowsocks client talks straight at the trojan port; its salt and
	// sealed address never match the password prefix, so the handler pipes
	// the whole connection through the Shadowsocks layer instead.
	cli := &shadowsocks.ClientHandler{Key: key}
	clientStream, err := cli.SetupClientStream(clientConn, dest)
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if result.Kind != protocol.KindTCPForward {
		t.Fatalf("got kind %v, want KindTCPForward", result.Kind)
	}
	if result.RemoteLocation != dest {
		t.Fatalf("got location %+v, want %+v", result.RemoteLocation, dest)
	}

	msg := []byte("smuggled through the fallback layer")
	go func() {
		_, _ = clientStream.Write(msg)
	}()
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(result.Stream, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestHashPasswordLength(t *testing.T) {
	if got := len(HashPassword("anything")); got != passwordHexLen {
		t.Fatalf("got hash length %d, want %d", got, passwordHexLen)
	}
}

func TestServerHandlerDeliversPipelinedPayload(t *testing.T) {
	hexPass := HashPassword("s3cret")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// The whole request plus payload arrives in one write, the way real
	// trojan clients pipeline: the handler's lookahead buffers the payload
	// during the handshake and must still deliver it afterwards.
	req := []byte(hexPass)
	req = append(req, '\r', '\n')
	req = append(req, cmdConnect)
	req = append(req, encodeAddress(address.NetLocation{Address: "203.0.113.7", Port: 443})...)
	req = append(req, '\r', '\n')
	req = append(req, []byte("GET / HTTP/1.1\r\n")...)

	go func() {
		client.Write(req)
	}()

	h := &ServerHandler{ValidHexPasswords: [][]byte{[]byte(hexPass)}}
	res, err := h.SetupServerStream(server)
	if err != nil {
		t.Fatalf("SetupServerStream: %v", err)
	}

	got := make([]byte, 16)
	if _, err := io.ReadFull(res.Stream, got); err != nil {
		t.Fatalf("read pipelined payload: %v", err)
	}
	if !bytes.Equal(got, []byte("GET / HTTP/1.1\r\n")) {
		t.Errorf("got %q", got)
	}
}

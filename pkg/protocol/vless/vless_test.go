package vless

import (
	"bytes"
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/vision"
)

func TestServerHandlerTCPRoundTrip(t *testing.T) {
	var userID [16]byte
	copy(userID[:], []byte("0123456789abcdef"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{UserID: userID}
	done := make(chan struct{})
	var loc address.NetLocation
	var setupErr error
	go func() {
		res, err := h.SetupServerStream(server)
		loc, setupErr = res.RemoteLocation, err
		if err == nil {
			// The listener writes ConnectionSuccessResponse once the
			// outbound connects; emulate that before the payload.
			_, _ = server.Write(res.ConnectionSuccessResponse)
			_, _ = res.Stream.Write([]byte("ok"))
		}
		close(done)
	}()

	cli := &ClientHandler{UserID: userID}
	dest := address.NetLocation{Address: "203.0.113.5", Port: 8443}
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
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if loc != dest {
		t.Fatalf("got %+v, want %+v", loc, dest)
	}
}

func TestServerHandlerWrapsVisionFlowInVisionStream(t *testing.T) {
	var userID [16]byte
	copy(userID[:], []byte("0123456789abcdef"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{UserID: userID}
	resultc := make(chan struct {
		isVision bool
		err      error
	}, 1)
	go func() {
		res, err := h.SetupServerStream(server)
		_, isVision := res.Stream.(*vision.Stream)
		resultc <- struct {
			isVision bool
			err      error
		}{isVision, err}
	}()

	var req []byte
	req = append(req, 0) // version
	req = append(req, userID[:]...)
	req = append(req, byte(len(XTLSVisionFlow)))
	req = append(req, []byte(XTLSVisionFlow)...)
	req = append(req, commandTCP)
	req = append(req, encodeRemoteLocation(address.NetLocation{Address: "203.0.113.5", Port: 8443})...)

	go func() { client.Write(req) }()

	r := <-resultc
	if r.err != nil {
		t.Fatalf("SetupServerStream: %v", r.err)
	}
	if !r.isVision {
		t.Error("expected Stream to be wrapped in *vision.Stream")
	}
}

func TestServerHandlerWrongUUIDWithoutFallbackFails(t *testing.T) {
	var userID, otherID [16]byte
	copy(userID[:], []byte("0123456789abcdef"))
	copy(otherID[:], []byte("fedcba9876543210"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{UserID: userID}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		done <- err
	}()

	cli := &ClientHandler{UserID: otherID}
	_, _ = cli.SetupClientStream(client, address.NetLocation{Address: "example.com", Port: 80})

	if err := <-done; err == nil {
		t.Fatal("expected auth failure without a fallback configured")
	}
}

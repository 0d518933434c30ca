package vmess

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/address"
)

func TestServerClientTCPRoundTrip(t *testing.T) {
	var id [16]byte
	copy(id[:], []byte("0123456789abcdef"))
	user := NewUser(id)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{Users: []User{user}}
	dest := address.NetLocation{Address: "203.0.113.9", Port: 1080}

	done := make(chan struct{})
	var setupErr error
	go func() {
		defer close(done)
		res, err := h.SetupServerStream(server)
		if err != nil {
			setupErr = err
			return
		}
		if res.RemoteLocation != dest {
			setupErr = fmt.Errorf("got location %+v, want %+v", res.RemoteLocation, dest)
			return
		}
		// The listener writes ConnectionSuccessResponse on the raw stream
		// once the outbound connects; emulate that here so the client's
		// response validation has something to read.
		if _, err := server.Write(res.ConnectionSuccessResponse); err != nil {
			setupErr = err
			return
		}
		_, setupErr = res.Stream.Write([]byte("pong"))
	}()

	cli := &ClientHandler{User: user}
	clientStream, err := cli.SetupClientStream(client, dest)
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}

	// Read before joining the goroutine: net.Pipe writes rendezvous with
	// reads, so the server side stays blocked until this drains.
	got := make([]byte, 4)
	if _, err := io.ReadFull(clientStream, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, []byte("pong")) {
		t.Errorf("got %q", got)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("server side: %v", setupErr)
	}
}

func TestServerRejectsUnknownUser(t *testing.T) {
	var id, other [16]byte
	copy(id[:], []byte("0123456789abcdef"))
	copy(other[:], []byte("fedcba9876543210"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{Users: []User{NewUser(id)}}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		// Unblock the client's pending pipe writes before reporting.
		server.Close()
		done <- err
	}()

	cli := &ClientHandler{User: NewUser(other)}
	_, _ = cli.SetupClientStream(client, address.NetLocation{Address: "example.com", Port: 80})

	if err := <-done; err == nil {
		t.Fatal("expected auth failure for unknown user")
	}
}

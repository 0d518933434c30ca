package httpproxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"

	"nerveproxy/pkg/protocol"
)

func TestServerHandlerConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{}
	done := make(chan struct{})
	var result protocol.SetupResult
	var setupErr error
	go func() {
		result, setupErr = h.SetupServerStream(server)
		close(done)
	}()

	_, err := io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if result.RemoteLocation.Address != "example.com" || result.RemoteLocation.Port != 443 {
		t.Fatalf("unexpected location: %+v", result.RemoteLocation)
	}
}

func TestServerHandlerRequiresAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{Username: "u", Password: "p"}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		done <- err
	}()

	_, err := io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("status = %d, want 407", resp.StatusCode)
	}
	if err := <-done; err == nil {
		t.Fatal("expected auth error")
	}
}

func TestServerHandlerAbsoluteURI(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{}
	done := make(chan struct{})
	var result protocol.SetupResult
	var setupErr error
	go func() {
		result, setupErr = h.SetupServerStream(server)
		close(done)
	}()

	_, err := io.WriteString(client, "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if setupErr != nil {
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if result.RemoteLocation.Address != "example.com" || result.RemoteLocation.Port != 80 {
		t.Fatalf("unexpected location: %+v", result.RemoteLocation)
	}
	if len(result.InitialRemoteData) == 0 {
		t.Error("expected re-serialized request bytes")
	}
}

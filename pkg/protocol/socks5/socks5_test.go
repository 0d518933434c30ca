package socks5

import (
	"bytes"
	"io"
	"net"
	"testing"

	"nerveproxy/pkg/address"
)

// pipeStream adapts a net.Conn half to the minimal methods socks5 calls on
// streams.ByteStream for these tests (Read/Write only).
type pipeStream struct {
	net.Conn
}

func TestServerHandlerConnectNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{}
	done := make(chan struct{})
	var result struct {
		loc address.NetLocation
		err error
	}
	go func() {
		res, err := h.SetupServerStream(server)
		result.loc, result.err = res.RemoteLocation, err
		close(done)
	}()

	// greeting: version 5, 1 method, no-auth
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	var methodResp [2]byte
	if _, err := io.ReadFull(client, methodResp[:]); err != nil {
		t.Fatal(err)
	}
	if methodResp[0] != 0x05 || methodResp[1] != authNone {
		t.Fatalf("unexpected method selection: %v", methodResp)
	}

	// CONNECT request to example.com:443 via domain ATYP
	req := []byte{0x05, cmdConnect, 0x00, atypDomain, byte(len("example.com"))}
	req = append(req, "example.com"...)
	req = append(req, 0x01, 0xBB) // port 443
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] != repSuccess {
		t.Fatalf("unexpected reply: %v", reply)
	}

	<-done
	if result.err != nil {
		t.Fatalf("SetupServerStream: %v", result.err)
	}
	if result.loc.Address != "example.com" || result.loc.Port != 443 {
		t.Fatalf("unexpected location: %+v", result.loc)
	}
}

func TestServerHandlerRequiresAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &ServerHandler{Username: "alice", Password: "hunter2"}
	done := make(chan error, 1)
	go func() {
		_, err := h.SetupServerStream(server)
		done <- err
	}()

	if _, err := client.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	var methodResp [2]byte
	if _, err := io.ReadFull(client, methodResp[:]); err != nil {
		t.Fatal(err)
	}
	if methodResp[1] != authUsernamePass {
		t.Fatalf("expected username/password method chosen, got 0x%02x", methodResp[1])
	}

	authReq := []byte{0x01, byte(len("alice"))}
	authReq = append(authReq, "alice"...)
	authReq = append(authReq, byte(len("hunter2")))
	authReq = append(authReq, "hunter2"...)
	if _, err := client.Write(authReq); err != nil {
		t.Fatal(err)
	}
	var authResp [2]byte
	if _, err := io.ReadFull(client, authResp[:]); err != nil {
		t.Fatal(err)
	}
	if authResp[1] != 0x00 {
		t.Fatalf("expected auth success, got status 0x%02x", authResp[1])
	}

	req := []byte{0x05, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, 0x00, 0x50}
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SetupServerStream: %v", err)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	dest := address.NetLocation{Address: "198.51.100.7", Port: 53}
	hdr := EncodeUDPHeader(dest)
	packet := append(append([]byte{}, hdr...), []byte("payload")...)

	loc, offset, err := DecodeUDPHeader(packet)
	if err != nil {
		t.Fatalf("DecodeUDPHeader: %v", err)
	}
	if loc.Address != dest.Address || loc.Port != dest.Port {
		t.Fatalf("got %+v, want %+v", loc, dest)
	}
	if !bytes.Equal(packet[offset:], []byte("payload")) {
		t.Errorf("payload mismatch: %q", packet[offset:])
	}
}

func TestUDPHeaderRoundTripDomain(t *testing.T) {
	dest := address.NetLocation{Address: "example.com", Port: 9000}
	hdr := EncodeUDPHeader(dest)
	loc, offset, err := DecodeUDPHeader(append(hdr, 'x'))
	if err != nil {
		t.Fatalf("DecodeUDPHeader: %v", err)
	}
	if loc.Address != dest.Address || loc.Port != dest.Port {
		t.Fatalf("got %+v, want %+v", loc, dest)
	}
	if offset != len(hdr) {
		t.Errorf("offset = %d, want %d", offset, len(hdr))
	}
}

package shadowsocks

import (
	"bytes"
	"net"
	"testing"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/cryptoutil/aead"
	"nerveproxy/pkg/protocol"
)

func TestLegacyServerClientRoundTrip(t *testing.T) {
	key, err := aead.NewLegacyKey(aead.CipherAES256GCM, "correct horse battery staple")
	if err != nil {
		t.Fatalf("NewLegacyKey: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := &ServerHandler{Key: key}
	dest := address.NetLocation{Address: "198.51.100.9", Port: 8080}

	done := make(chan struct{})
	var result protocol.SetupResult
	var setupErr error
	go func() {
		result, setupErr = srv.SetupServerStream(pipeByteStream{serverConn})
		close(done)
	}()

	cli := &ClientHandler{Key: key}
	clientStream, err := cli.SetupClientStream(pipeByteStream{clientConn}, dest)
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if result.RemoteLocation != dest {
		t.Fatalf("got location %+v, want %+v", result.RemoteLocation, dest)
	}

	msg := []byte("hello through shadowsocks")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientStream.Write(msg)
		writeDone <- err
	}()

	got := make([]byte, len(msg))
	if _, err := readFull(result.Stream, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("client write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestAead2022ServerClientRoundTrip(t *testing.T) {
	psk := bytes.Repeat([]byte{0x42}, 32)
	key, err := aead.NewSession2022Key(aead.Cipher2022Blake3AES256GCM, psk)
	if err != nil {
		t.Fatalf("NewSession2022Key: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := &ServerHandler{Key2022: key, Replay: aead.NewReplayFilter(aead.DefaultReplayWindow)}
	dest := address.NetLocation{Address: "example.net", Port: 443}

	done := make(chan struct{})
	var result protocol.SetupResult
	var setupErr error
	go func() {
		result, setupErr = srv.SetupServerStream(pipeByteStream{serverConn})
		close(done)
	}()

	cli := &ClientHandler{Key2022: key}
	clientStream, err := cli.SetupClientStream(pipeByteStream{clientConn}, dest)
	if err != nil {
		t.Fatalf("SetupClientStream: %v", err)
	}

	<-done
	if setupErr != nil {
		t.Fatalf("SetupServerStream: %v", setupErr)
	}
	if result.RemoteLocation != dest {
		t.Fatalf("got location %+v, want %+v", result.RemoteLocation, dest)
	}

	msg := []byte("aead-2022 payload")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientStream.Write(msg)
		writeDone <- err
	}()

	got := make([]byte, len(msg))
	if _, err := readFull(result.Stream, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("client write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// pipeByteStream adapts net.Conn to streams.ByteStream for these tests.
type pipeByteStream struct {
	net.Conn
}

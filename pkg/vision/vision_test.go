package vision

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// pipeStream adapts a net.Conn half of net.Pipe to streams.ByteStream (which
// already matches net.Conn's method set plus nothing extra).
type pipeStream struct {
	net.Conn
}

func tlsRecord(contentType byte, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(contentType)
	buf.WriteByte(3)
	buf.WriteByte(3)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	return buf.Bytes()
}

func TestWriteDirectionSwitchesToDirectOnFirstApplicationRecord(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewStream(pipeStream{server}, 1, nil)

	record := tlsRecord(0x17, bytes.Repeat([]byte{0xAA}, 50))
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, len(record))
		io.ReadFull(client, buf)
	}()

	if _, err := s.Write(record); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done

	if mode := s.WriteMode(); mode != ModeDirectAfterFirstRecord {
		t.Errorf("WriteMode = %v, want ModeDirectAfterFirstRecord", mode)
	}
}

func TestWriteDirectionStaysWrappedForNonApplicationRecord(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewStream(pipeStream{server}, 1, nil)

	record := tlsRecord(0x16, []byte{1, 2, 3}) // handshake, not application data
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, len(record))
		io.ReadFull(client, buf)
	}()

	if _, err := s.Write(record); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done

	if mode := s.WriteMode(); mode != ModeWrappedAll {
		t.Errorf("WriteMode = %v, want ModeWrappedAll", mode)
	}
}

func TestReadDirectionSeededWithInitialData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	record := tlsRecord(0x17, bytes.Repeat([]byte{0xBB}, 10))
	s := NewStream(pipeStream{server}, 1, record)

	if mode := s.ReadMode(); mode != ModeDirectAfterFirstRecord {
		t.Errorf("ReadMode after seeding = %v, want ModeDirectAfterFirstRecord", mode)
	}
	_ = time.Second
}

func TestPartialRecordDoesNotSwitchUntilComplete(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	full := tlsRecord(0x17, bytes.Repeat([]byte{0xCC}, 20))
	first, second := full[:3], full[3:]

	s := NewStream(pipeStream{server}, 1, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, len(full))
		io.ReadFull(client, buf)
	}()

	if _, err := s.Write(first); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}
	if mode := s.WriteMode(); mode == ModeDirectAfterFirstRecord {
		t.Fatal("should not switch to direct mode on a partial record")
	}
	if _, err := s.Write(second); err != nil {
		t.Fatalf("write second chunk: %v", err)
	}
	<-done

	if mode := s.WriteMode(); mode != ModeDirectAfterFirstRecord {
		t.Errorf("WriteMode = %v, want ModeDirectAfterFirstRecord", mode)
	}
}

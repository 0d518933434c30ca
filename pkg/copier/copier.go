// Package copier relays an accepted inbound connection against its outbound
// hop once a protocol handler's setup step and the selector have both run.
// Bytes is the straight byte-stream relay every KindTCPForward result uses;
// Messages is the UDP-association relay KindBidirectionalUDP results use
// (KindMultiDirectionalUDP results go through PerDatagram), translating
// original_source/shoes/src/network/copy_bidirectional_message.rs's
// poll-based Running/ShuttingDown/Done state machine into blocking
// goroutines, since Go's io model has no poll/Pending concept to drive.
package copier

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"nerveproxy/pkg/apperr"
	"nerveproxy/pkg/streams"
)

// DefaultAssociationTimeout is how long a Messages relay may see no traffic
// in either direction before it is torn down, matching
// DEFAULT_ASSOCIATION_TIMEOUT_SECS (itself credited there to a UDP
// hole-punching timeout discussion).
const DefaultAssociationTimeout = 200 * time.Second

// pingTick is how often Messages checks for idleness and, on a still-active
// association, gives each side's peer a chance to send a keepalive —
// copy_bidirectional_message.rs's 60-second sleep_future reset.
const pingTick = 60 * time.Second

// Bytes copies a and b against each other until one direction finishes,
// then closes both and returns that direction's error (nil on a clean EOF).
// aNeedInitialFlush/bNeedInitialFlush flush a/b once before copying begins
// if the stream happens to buffer writes, mirroring copy_bidirectional's own
// a_initial_flush/b_initial_flush parameters in tcp_server.rs's
// handle_tcp_stream (connection_success_response/initial_remote_data are
// written by the caller before Bytes runs, same as there).
func Bytes(a, b streams.ByteStream, aNeedInitialFlush, bNeedInitialFlush bool) error {
	if aNeedInitialFlush {
		flushIfPossible(a)
	}
	if bNeedInitialFlush {
		flushIfPossible(b)
	}

	errc := make(chan error, 2)
	go func() { _, err := io.Copy(b, a); errc <- err }()
	go func() { _, err := io.Copy(a, b); errc <- err }()

	err := <-errc
	a.Close()
	b.Close()
	<-errc
	return err
}

type flusher interface{ Flush() error }

func flushIfPossible(s streams.ByteStream) {
	if f, ok := s.(flusher); ok {
		_ = f.Flush()
	}
}

// Messages copies a and b against each other message-by-message until one
// side errors or both go idle for DefaultAssociationTimeout, then closes
// both. aInitialFlush/bInitialFlush are accepted for signature symmetry with
// copy_bidirectional_message's a_initial_flush/b_initial_flush but are
// otherwise unused: streams.MessageStream.WriteMessage has no internal
// buffering to flush, every implementation in this repo writes one complete
// framed message per call.
func Messages(a, b streams.MessageStream, aInitialFlush, bInitialFlush bool) error {
	_ = aInitialFlush
	_ = bInitialFlush

	var aReadBytes, bReadBytes atomic.Uint64
	done := make(chan error, 2)
	stopWatchdog := make(chan struct{})

	go relayMessages(a, b, &aReadBytes, done)
	go relayMessages(b, a, &bReadBytes, done)
	go watchdog(a, b, &aReadBytes, &bReadBytes, stopWatchdog)

	err := <-done
	a.Close()
	b.Close()
	close(stopWatchdog)
	<-done
	return err
}

// relayMessages reads messages from "from" and writes them to "to",
// tracking bytes read so the watchdog can tell idle associations from busy
// ones. It returns (via done) nil on a clean EOF, the error otherwise.
func relayMessages(from, to streams.MessageStream, readBytes *atomic.Uint64, done chan<- error) {
	for {
		msg, err := from.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				done <- nil
			} else {
				done <- err
			}
			return
		}
		readBytes.Add(uint64(len(msg.Payload)))
		if err := to.WriteMessage(msg); err != nil {
			done <- err
			return
		}
	}
}

// watchdog is copy_bidirectional_message's sleep_future tick: every
// pingTick it compares each direction's read count against its last
// snapshot, resetting the idle clock on any movement, giving each endpoint
// that supports pings (pkg/streams.Pinger) a chance to send one, and
// tearing down the whole association once DefaultAssociationTimeout has
// passed with no traffic in either direction.
func watchdog(a, b streams.MessageStream, aReadBytes, bReadBytes *atomic.Uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(pingTick)
	defer ticker.Stop()

	lastA, lastB := aReadBytes.Load(), bReadBytes.Load()
	idleSince := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			curA, curB := aReadBytes.Load(), bReadBytes.Load()
			if curA != lastA || curB != lastB {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= DefaultAssociationTimeout {
				a.Close()
				b.Close()
				return
			}
			lastA, lastB = curA, curB
			sendPing(a)
			sendPing(b)
		}
	}
}

func sendPing(s streams.MessageStream) {
	if p, ok := s.(streams.Pinger); ok && p.SupportsPing() {
		_ = p.SendPing()
	}
}

// PerDatagram relays a multi-directional inbound message stream against an
// unconnected outbound socket, the per-datagram targeted pump
// KindMultiDirectionalUDP results need: each inbound datagram carries its
// own destination, which must survive the hop to the outbound side, and
// each outbound read carries the source it arrived from, which flows back
// to the inbound side so the client can tell its peers apart. Idle and
// ping handling are the same watchdog Messages uses.
func PerDatagram(inbound, outbound streams.MessageStream) error {
	var inboundRead, outboundRead atomic.Uint64
	done := make(chan error, 2)
	stopWatchdog := make(chan struct{})

	go relayTargeted(inbound, outbound, &inboundRead, done)
	go relayMessages(outbound, inbound, &outboundRead, done)
	go watchdog(inbound, outbound, &inboundRead, &outboundRead, stopWatchdog)

	err := <-done
	inbound.Close()
	outbound.Close()
	close(stopWatchdog)
	<-done
	return err
}

// relayTargeted is relayMessages with the multi-directional requirement
// enforced: an inbound datagram with no destination has nowhere to go and
// ends the association as invalid data rather than being silently dropped.
func relayTargeted(from, to streams.MessageStream, readBytes *atomic.Uint64, done chan<- error) {
	for {
		msg, err := from.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				done <- nil
			} else {
				done <- err
			}
			return
		}
		if msg.Destination == "" {
			done <- fmt.Errorf("copier: datagram without destination: %w", apperr.ErrInvalidData)
			return
		}
		readBytes.Add(uint64(len(msg.Payload)))
		if err := to.WriteMessage(msg); err != nil {
			done <- err
			return
		}
	}
}

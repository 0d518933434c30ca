package outbound

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/streams"
)

func TestDirectConnectorRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	dest, err := address.ParseNetLocation(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse net location: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := DirectConnector().Connect(ctx, dest)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Errorf("got %q, want ping", got)
	}
}

// recordingHandler is a fake protocol.ClientHandler that records the dest
// it was invoked with instead of framing anything on the wire, so chain
// routing can be asserted without a real per-protocol server on the other
// end.
type recordingHandler struct {
	gotDest address.NetLocation
}

func (h *recordingHandler) SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error) {
	h.gotDest = dest
	return stream, nil
}

func TestTwoHopChainRoutesEachHopToNextHopAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	head, err := address.ParseNetLocation(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse net location: %v", err)
	}
	hop1Addr := address.NetLocation{Address: "198.51.100.1", Port: 443}
	finalDest := address.NetLocation{Address: "example.com", Port: 80}

	h0 := &recordingHandler{}
	h1 := &recordingHandler{}
	hop0 := Hop{Address: head, Inner: h0}
	hop1 := Hop{Address: hop1Addr, Inner: h1}

	connector := BuildConnector(ChainGroup{{{Single: &hop0}, {Single: &hop1}}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := connector.Connect(ctx, finalDest)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream.Close()

	if h0.gotDest != hop1Addr {
		t.Errorf("hop0 invoked with dest %+v, want %+v", h0.gotDest, hop1Addr)
	}
	if h1.gotDest != finalDest {
		t.Errorf("hop1 invoked with dest %+v, want %+v", h1.gotDest, finalDest)
	}
}

func TestChainHopPoolResolvesToOneOfItsAlternatives(t *testing.T) {
	a := Hop{Address: address.NetLocation{Address: "10.0.0.1", Port: 1}}
	b := Hop{Address: address.NetLocation{Address: "10.0.0.2", Port: 2}}
	ch := ChainHop{Pool: Pool{a, b}}

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		hop, err := ch.resolve()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		seen[hop.Address.String()] = true
	}
	if len(seen) == 0 {
		t.Fatal("expected at least one resolved address")
	}
	for addr := range seen {
		if addr != a.Address.String() && addr != b.Address.String() {
			t.Errorf("resolved unexpected address %q", addr)
		}
	}
}

func TestSelectorJudgeAlwaysAllows(t *testing.T) {
	group := ChainGroup{{{Single: &Hop{Direct: true}}}}
	s := NewSelector(group)
	dest := address.NetLocation{Address: "example.com", Port: 443}
	decision := s.Judge(context.Background(), dest, nil)
	if decision.Blocked {
		t.Error("expected the simplified selector to always allow")
	}
	if decision.Location != dest {
		t.Errorf("got location %+v, want %+v", decision.Location, dest)
	}
}

func TestReloadableUpdateSwapsAtomically(t *testing.T) {
	first := NewSelector(ChainGroup{{{Single: &Hop{Direct: true}}}})
	r := NewReloadable(first)
	if r.Load() != first {
		t.Fatal("expected Load to return the initial selector")
	}

	second := NewSelector(ChainGroup{{{Single: &Hop{Address: address.NetLocation{Address: "1.2.3.4", Port: 1080}}}}})
	r.Update(second)
	if r.Load() != second {
		t.Fatal("expected Load to return the swapped-in selector")
	}
}

func TestSwapperSwapToNodeAndResetToDirect(t *testing.T) {
	r := NewReloadable(NewSelector(ChainGroup{{{Single: &Hop{Direct: true}}}}))
	swapper := NewSwapper(r)

	node := Hop{Address: address.NetLocation{Address: "203.0.113.9", Port: 8443}}
	swapper.SwapToNode(node)

	loaded := r.Load()
	if len(loaded.group) != 1 || len(loaded.group[0]) != 1 {
		t.Fatalf("expected a single one-hop chain, got %+v", loaded.group)
	}
	got := loaded.group[0][0].Single
	if got == nil || got.Address != node.Address {
		t.Errorf("got hop %+v, want address %+v", got, node.Address)
	}

	swapper.ResetToDirect()
	loaded = r.Load()
	got = loaded.group[0][0].Single
	if got == nil || !got.Direct {
		t.Errorf("expected ResetToDirect to install a direct hop, got %+v", got)
	}
}

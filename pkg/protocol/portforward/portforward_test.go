package portforward

import (
	"net"
	"testing"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/protocol"
)

func TestSetupServerStreamForwardsToTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	target := address.NetLocation{Address: "10.0.0.1", Port: 22}
	h := &ServerHandler{Targets: []address.NetLocation{target}}

	res, err := h.SetupServerStream(server)
	if err != nil {
		t.Fatalf("SetupServerStream: %v", err)
	}
	if res.Kind != protocol.KindTCPForward {
		t.Fatalf("got kind %v, want KindTCPForward", res.Kind)
	}
	if res.RemoteLocation != target {
		t.Fatalf("got %+v, want %+v", res.RemoteLocation, target)
	}
	if res.Stream != server {
		t.Fatal("expected the original stream to be returned unchanged")
	}
}

func TestTargetsRotateRoundRobin(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	targets := []address.NetLocation{
		{Address: "10.0.0.1", Port: 80},
		{Address: "10.0.0.2", Port: 80},
		{Address: "10.0.0.3", Port: 80},
	}
	h := &ServerHandler{Targets: targets}

	var got []address.NetLocation
	for i := 0; i < 2*len(targets); i++ {
		res, err := h.SetupServerStream(server)
		if err != nil {
			t.Fatalf("SetupServerStream #%d: %v", i, err)
		}
		got = append(got, res.RemoteLocation)
	}
	for i, loc := range got {
		if want := targets[i%len(targets)]; loc != want {
			t.Fatalf("connection %d landed on %+v, want %+v", i, loc, want)
		}
	}
}

package address

import (
	"context"
	"net"
	"testing"
)

func TestParseNetLocation(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"example.com:443", false},
		{"[::1]:8080", false},
		{"no-port", true},
	}
	for _, c := range cases {
		_, err := ParseNetLocation(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseNetLocation(%q) err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
	}
}

func TestNetLocationString(t *testing.T) {
	loc := NetLocation{Address: "example.com", Port: 443}
	if got, want := loc.String(), "example.com:443"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNetLocationIsIP(t *testing.T) {
	if !(NetLocation{Address: "1.2.3.4"}).IsIP() {
		t.Error("expected literal IPv4 to be detected")
	}
	if (NetLocation{Address: "example.com"}).IsIP() {
		t.Error("did not expect hostname to be detected as IP")
	}
}

func TestParseBindLocation(t *testing.T) {
	loc, err := ParseBindLocation("/var/run/nerveproxy.sock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Kind != BindPath || loc.Path != "/var/run/nerveproxy.sock" {
		t.Errorf("got %+v", loc)
	}

	loc, err = ParseBindLocation("0.0.0.0:8443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Kind != BindAddress || loc.Address != "0.0.0.0:8443" {
		t.Errorf("got %+v", loc)
	}
}

func TestStaticResolver(t *testing.T) {
	want := []net.IP{net.ParseIP("9.9.9.9")}
	r := StaticResolver{IPs: want}
	got, err := r.Resolve(context.Background(), NetLocation{Address: "whatever.example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(want[0]) {
		t.Errorf("got %v, want %v", got, want)
	}
}

package config

import (
	"strings"
	"testing"
)

const validDoc = `
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"
enable_udp = true

[[servers]]
bind = "127.0.0.1:8388"
protocol = "shadowsocks"
cipher = "aes-256-gcm"
password = "hunter2"
outbound = "exit"

[[groups]]
name = "exit"

  [[groups.clients]]
  address = "vps1.example.com:443"

    [groups.clients.protocol]
    type = "trojan"
    password = "abc"

  [[groups.clients]]
  address = "vps2.example.com:8388"

    [groups.clients.protocol]
    type = "shadowsocks"
    cipher = "aes-128-gcm"
    password = "def"
`

func TestParseAndValidate(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := doc.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	pool, ok := res.Pool("exit")
	if !ok {
		t.Fatal("group exit not resolved")
	}
	if len(pool) != 2 {
		t.Fatalf("got %d clients in exit, want 2", len(pool))
	}

	group, err := res.ChainGroup("exit")
	if err != nil {
		t.Fatalf("ChainGroup: %v", err)
	}
	if len(group) != 1 || len(group[0]) != 1 {
		t.Fatalf("implicit chain group shape %dx%d, want 1x1", len(group), len(group[0]))
	}
	if len(group[0][0].Pool) != 2 {
		t.Fatalf("implicit hop pools %d clients, want 2", len(group[0][0].Pool))
	}
}

func TestGroupIncludesFlatten(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"

[[groups]]
name = "all"
includes = ["us", "eu"]

[[groups]]
name = "us"

  [[groups.clients]]
  address = "us1.example.com:443"

    [groups.clients.protocol]
    type = "trojan"
    password = "a"

[[groups]]
name = "eu"
includes = ["us"]

  [[groups.clients]]
  address = "eu1.example.com:443"

    [groups.clients.protocol]
    type = "trojan"
    password = "b"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := doc.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// "all" pulls us directly and us again through eu; flattening keeps
	// every contribution, it does not dedup.
	pool, _ := res.Pool("all")
	if len(pool) != 3 {
		t.Fatalf("got %d clients in all, want 3", len(pool))
	}
	eu, _ := res.Pool("eu")
	if len(eu) != 2 {
		t.Fatalf("got %d clients in eu, want 2", len(eu))
	}
}

func TestGroupCycleRejected(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"

[[groups]]
name = "a"
includes = ["b"]

[[groups]]
name = "b"
includes = ["a"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("got %v, want a cycle error", err)
	}
}

func TestUnknownIncludeRejected(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"

[[groups]]
name = "a"
includes = ["nope"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "unknown group") {
		t.Fatalf("got %v, want an unknown-group error", err)
	}
}

func TestQUICTransportRefused(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"
transport = "quic"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "quic") {
		t.Fatalf("got %v, want a quic refusal", err)
	}
}

func TestVMessLegacyRefused(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:10086"
protocol = "vmess"
user_id = "b831381d-6324-4d53-ad4f-8cda48b30811"
force_aead = false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "force_aead") {
		t.Fatalf("got %v, want a force_aead refusal", err)
	}
}

func TestBadUUIDRejected(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:443"
protocol = "vless"
user_id = "not-a-uuid"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.Validate(); err == nil {
		t.Fatal("expected an invalid-uuid error")
	}
}

func TestNamedPemExactlyOne(t *testing.T) {
	cases := []struct {
		name string
		pem  NamedPem
	}{
		{"neither", NamedPem{}},
		{"both", NamedPem{Path: "/tmp/x.pem", Data: "-----BEGIN CERTIFICATE-----\nAA==\n-----END CERTIFICATE-----\n"}},
	}
	for _, tc := range cases {
		if _, err := tc.pem.Load(); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}

	inline := NamedPem{Data: "-----BEGIN CERTIFICATE-----\nAA==\n-----END CERTIFICATE-----\n"}
	data, err := inline.Load()
	if err != nil {
		t.Fatalf("inline Load: %v", err)
	}
	if !strings.Contains(string(data), "BEGIN CERTIFICATE") {
		t.Fatal("inline data came back mangled")
	}
}

func TestBuildHopLayerTree(t *testing.T) {
	hop, err := BuildHop(ClientConfig{
		Address: "hop.example.com:443",
		NoDelay: true,
		Protocol: ClientProtocol{
			Type:        "tls",
			SNI:         "cdn.example.com",
			Fingerprint: "chrome",
			Inner: &ClientProtocol{
				Type: "websocket",
				Path: "/tunnel",
				Inner: &ClientProtocol{
					Type:     "trojan",
					Password: "secret",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("BuildHop: %v", err)
	}
	if hop.TLS == nil || hop.TLS.ServerName != "cdn.example.com" {
		t.Fatalf("tls layer not built: %+v", hop.TLS)
	}
	if hop.Websocket == nil || hop.Websocket.Path != "/tunnel" {
		t.Fatalf("websocket layer not built: %+v", hop.Websocket)
	}
	if hop.Inner == nil {
		t.Fatal("trojan leaf handler not built")
	}
	if hop.Direct {
		t.Fatal("hop is not direct")
	}
}

func TestBuildHopDirect(t *testing.T) {
	hop, err := BuildHop(ClientConfig{Protocol: ClientProtocol{Type: "direct"}})
	if err != nil {
		t.Fatalf("BuildHop: %v", err)
	}
	if !hop.Direct || hop.Inner != nil {
		t.Fatalf("direct hop built wrong: %+v", hop)
	}
}

func TestExplicitChains(t *testing.T) {
	doc, err := Parse([]byte(`
[[servers]]
bind = "127.0.0.1:1080"
protocol = "socks5"
outbound = "chained"

[[groups]]
name = "pool"

  [[groups.clients]]
  address = "ss1.example.com:8388"

    [groups.clients.protocol]
    type = "shadowsocks"
    cipher = "aes-256-gcm"
    password = "x"

[[groups]]
name = "chained"

  [[groups.chains]]

    [[groups.chains.hops]]

      [groups.chains.hops.client]
      address = "front.example.com:443"

        [groups.chains.hops.client.protocol]
        type = "trojan"
        password = "y"

    [[groups.chains.hops]]
    group = "pool"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := doc.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	group, err := res.ChainGroup("chained")
	if err != nil {
		t.Fatalf("ChainGroup: %v", err)
	}
	if len(group) != 1 {
		t.Fatalf("got %d chains, want 1", len(group))
	}
	chain := group[0]
	if len(chain) != 2 {
		t.Fatalf("got %d hops, want 2", len(chain))
	}
	if chain[0].Single == nil {
		t.Fatal("hop 0 should be a single inline client")
	}
	if len(chain[1].Pool) != 1 {
		t.Fatalf("hop 1 should pool over 1 client, got %d", len(chain[1].Pool))
	}
}

package subscription

import (
	"path/filepath"
	"testing"
)

func TestHashIsOrderSensitive(t *testing.T) {
	a := Hash([]string{"https://one.example/sub", "https://two.example/sub"})
	b := Hash([]string{"https://two.example/sub", "https://one.example/sub"})
	if a == b {
		t.Fatal("reordered url lists should hash differently")
	}
	if a != Hash([]string{"https://one.example/sub", "https://two.example/sub"}) {
		t.Fatal("same url list should hash identically")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "subscription.json")

	missing, err := LoadCache(path)
	if err != nil {
		t.Fatalf("LoadCache on missing file: %v", err)
	}
	if missing != nil {
		t.Fatal("missing cache file should load as nil")
	}

	want := &Cache{
		Hash: Hash([]string{"https://one.example/sub"}),
		Nodes: []Node{
			{Kind: KindTrojan, Tag: "jp 1", Server: "jp.example.com", Port: 443, TrojanPassword: "x"},
		},
	}
	if err := SaveCache(path, want); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	got, err := LoadCache(path)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if got.Hash != want.Hash {
		t.Fatalf("hash %q, want %q", got.Hash, want.Hash)
	}
	if len(got.Nodes) != 1 || got.Nodes[0] != want.Nodes[0] {
		t.Fatalf("nodes %+v, want %+v", got.Nodes, want.Nodes)
	}
}

func TestLastNodeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_node.json")

	node := Node{Kind: KindVless, Tag: "us", Server: "us.example.com", Port: 443, UUID: "whatever"}
	if err := SaveLastNode(path, &LastNode{LastNodeFingerprint: node.Fingerprint()}); err != nil {
		t.Fatalf("SaveLastNode: %v", err)
	}
	got, err := LoadLastNode(path)
	if err != nil {
		t.Fatalf("LoadLastNode: %v", err)
	}
	if got.LastNodeFingerprint != node.Fingerprint() {
		t.Fatal("fingerprint did not round-trip")
	}

	same := Node{Kind: KindVless, Tag: "us", Server: "us.example.com", Port: 443, UUID: "rotated"}
	if same.Fingerprint() != node.Fingerprint() {
		t.Fatal("fingerprint should depend only on (tag, server, port)")
	}
}

func TestDedupeSuffixesAndDrops(t *testing.T) {
	nodes := []Node{
		{Kind: KindTrojan, Tag: "jp", Server: "a.example.com", Port: 443},
		{Kind: KindTrojan, Tag: "jp", Server: "a.example.com", Port: 443}, // exact repeat, dropped
		{Kind: KindTrojan, Tag: "jp", Server: "b.example.com", Port: 443}, // tag collision, renamed
		{Kind: KindTrojan, Tag: "us", Server: "c.example.com", Port: 443},
	}

	out := dedupe(nodes)
	if len(out) != 3 {
		t.Fatalf("got %d nodes, want 3", len(out))
	}
	tags := map[string]bool{}
	for _, n := range out {
		if tags[n.Tag] {
			t.Fatalf("duplicate tag %q survived dedupe", n.Tag)
		}
		tags[n.Tag] = true
	}
	if !tags["jp"] || !tags["jp 2"] || !tags["us"] {
		t.Fatalf("unexpected tag set %v", tags)
	}
}

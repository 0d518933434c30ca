package subscription

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// Hash returns the blake3 hex digest of the concatenated URL list, the key
// a Cache is stored and looked up under. The list is hashed in the order
// given so the same sources in a different order count as a different
// subscription set.
func Hash(urls []string) string {
	h := blake3.New()
	for _, u := range urls {
		h.Write([]byte(u))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies one node stably across refreshes: the blake3 hex
// digest of its dedup key. Used to remember the last node a rotation
// landed on.
func (n Node) Fingerprint() string {
	tag, server, port := n.sortKey()
	h := blake3.New()
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(server))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(int(port))))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a parsed subscription result persisted under the hash of the
// URL list it came from.
type Cache struct {
	Hash  string `json:"hash"`
	Nodes []Node `json:"nodes"`
}

// LoadCache reads a previously saved Cache; a missing file is not an
// error, it returns nil.
func LoadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: read cache %s: %w", path, err)
	}
	var c Cache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("subscription: parse cache %s: %w", path, err)
	}
	return &c, nil
}

// SaveCache writes c to path, creating parent directories as needed.
func SaveCache(path string, c *Cache) error {
	return writeJSON(path, c)
}

// LastNode remembers the node a proxy rotation last landed on, so a
// restart can resume from the same place instead of always starting over
// at the head of the list.
type LastNode struct {
	LastNodeFingerprint string `json:"last_node_fingerprint"`
}

// LoadLastNode reads the saved fingerprint; a missing file returns nil.
func LoadLastNode(path string) (*LastNode, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: read last node %s: %w", path, err)
	}
	var ln LastNode
	if err := json.Unmarshal(data, &ln); err != nil {
		return nil, fmt.Errorf("subscription: parse last node %s: %w", path, err)
	}
	return &ln, nil
}

// SaveLastNode writes ln to path.
func SaveLastNode(path string, ln *LastNode) error {
	return writeJSON(path, ln)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("subscription: encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("subscription: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("subscription: write %s: %w", path, err)
	}
	return nil
}

// dedupe sorts nodes by (tag, server, port), drops exact repeats of that
// key, and renames surviving tag collisions with " 2", " 3", ... suffixes
// so every tag in the result is unique.
func dedupe(nodes []Node) []Node {
	sort.SliceStable(nodes, func(i, j int) bool {
		ti, si, pi := nodes[i].sortKey()
		tj, sj, pj := nodes[j].sortKey()
		if ti != tj {
			return ti < tj
		}
		if si != sj {
			return si < sj
		}
		return pi < pj
	})

	out := make([]Node, 0, len(nodes))
	tagCount := make(map[string]int, len(nodes))
	var prevTag, prevServer string
	var prevPort uint16
	for i, n := range nodes {
		t, s, p := n.sortKey()
		if i > 0 && t == prevTag && s == prevServer && p == prevPort {
			continue
		}
		prevTag, prevServer, prevPort = t, s, p

		tagCount[n.Tag]++
		if c := tagCount[n.Tag]; c > 1 {
			n.Tag = n.Tag + " " + strconv.Itoa(c)
		}
		out = append(out, n)
	}
	return out
}

package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/cryptoutil/uuidutil"
	"nerveproxy/pkg/protocol"
)

// Resolved is a validated document plus the flattened view of its named
// groups, ready for building.
type Resolved struct {
	Doc *Document

	groups map[string]*ClientGroup
	// flattened maps each group name to its client pool with every
	// Includes reference expanded, built in topological order so that by
	// the time a group is flattened, everything it includes already is.
	flattened map[string][]ClientConfig
}

// Validate checks the whole document and resolves group references. Any
// error here is fatal at startup; nothing past this point re-validates.
func (d *Document) Validate() (*Resolved, error) {
	if len(d.Servers) == 0 {
		return nil, fmt.Errorf("config: no servers configured")
	}

	res := &Resolved{
		Doc:       d,
		groups:    make(map[string]*ClientGroup, len(d.Groups)),
		flattened: make(map[string][]ClientConfig, len(d.Groups)),
	}
	for i := range d.Groups {
		g := &d.Groups[i]
		if g.Name == "" {
			return nil, fmt.Errorf("config: group %d has no name", i)
		}
		if _, dup := res.groups[g.Name]; dup {
			return nil, fmt.Errorf("config: duplicate group name %q", g.Name)
		}
		res.groups[g.Name] = g
	}

	if err := res.flattenGroups(); err != nil {
		return nil, err
	}

	for name, g := range res.groups {
		for i := range g.Clients {
			if err := validateClient(&g.Clients[i]); err != nil {
				return nil, fmt.Errorf("config: group %q client %d: %w", name, i, err)
			}
		}
		for ci, chain := range g.Chains {
			if len(chain.Hops) == 0 {
				return nil, fmt.Errorf("config: group %q chain %d has no hops", name, ci)
			}
			for hi, hop := range chain.Hops {
				if err := res.validateHop(hop); err != nil {
					return nil, fmt.Errorf("config: group %q chain %d hop %d: %w", name, ci, hi, err)
				}
			}
		}
	}

	for i := range d.Servers {
		if err := res.validateServer(&d.Servers[i]); err != nil {
			return nil, fmt.Errorf("config: server %d: %w", i, err)
		}
	}
	return res, nil
}

// flattenGroups expands every group's Includes in topological order,
// Kahn-style: a group is flattenable once all of its includes are, and if
// the worklist drains before every group is flattened, the leftovers form
// a cycle.
func (res *Resolved) flattenGroups() error {
	indegree := make(map[string]int, len(res.groups))
	dependents := make(map[string][]string, len(res.groups))
	for name, g := range res.groups {
		indegree[name] = len(g.Includes)
		for _, inc := range g.Includes {
			if _, ok := res.groups[inc]; !ok {
				return fmt.Errorf("config: group %q includes unknown group %q", name, inc)
			}
			dependents[inc] = append(dependents[inc], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	done := 0
	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		done++

		g := res.groups[name]
		pool := append([]ClientConfig{}, g.Clients...)
		for _, inc := range g.Includes {
			pool = append(pool, res.flattened[inc]...)
		}
		res.flattened[name] = pool

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if done != len(res.groups) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return fmt.Errorf("config: group includes form a cycle through %v", stuck)
	}
	return nil
}

// Pool returns the flattened client pool of a named group.
func (res *Resolved) Pool(name string) ([]ClientConfig, bool) {
	pool, ok := res.flattened[name]
	return pool, ok
}

func (res *Resolved) validateHop(hop HopConfig) error {
	switch {
	case hop.Client != nil && hop.Group != "":
		return fmt.Errorf("hop has both an inline client and a group reference")
	case hop.Client != nil:
		return validateClient(hop.Client)
	case hop.Group != "":
		pool, ok := res.flattened[hop.Group]
		if !ok {
			return fmt.Errorf("hop references unknown group %q", hop.Group)
		}
		if len(pool) == 0 {
			return fmt.Errorf("hop references group %q with an empty client pool", hop.Group)
		}
		return nil
	default:
		return fmt.Errorf("hop has neither a client nor a group reference")
	}
}

func (res *Resolved) validateServer(sc *ServerConfig) error {
	if _, err := address.ParseBindLocation(sc.Bind); err != nil {
		return err
	}
	if err := checkTransport(sc.Transport); err != nil {
		return err
	}
	if sc.Outbound != "" {
		g, ok := res.groups[sc.Outbound]
		if !ok {
			return fmt.Errorf("outbound references unknown group %q", sc.Outbound)
		}
		if len(g.Chains) == 0 && len(res.flattened[sc.Outbound]) == 0 {
			return fmt.Errorf("outbound group %q has neither chains nor clients", sc.Outbound)
		}
	}
	return res.validateServerProtocol(sc)
}

func (res *Resolved) validateServerProtocol(sc *ServerConfig) error {
	switch protocol.ProtocolType(sc.Protocol) {
	case protocol.ProtocolHTTP, protocol.ProtocolSOCKS5, protocol.ProtocolMixed:
		return nil
	case protocol.ProtocolShadowsocks:
		if sc.Cipher == "" {
			return fmt.Errorf("shadowsocks requires a cipher")
		}
		if sc.Password == "" {
			return fmt.Errorf("shadowsocks requires a password")
		}
		return nil
	case protocol.ProtocolVLESS:
		if _, err := uuidutil.Parse(sc.UserID); err != nil {
			return fmt.Errorf("vless user id: %w", err)
		}
		return checkFallback(sc.Fallback)
	case protocol.ProtocolVMess:
		if sc.ForceAEAD != nil && !*sc.ForceAEAD {
			return fmt.Errorf("vmess force_aead=false selects the legacy header, which is not supported")
		}
		for _, id := range append([]string{sc.UserID}, sc.UserIDs...) {
			if id == "" {
				continue
			}
			if _, err := uuidutil.Parse(id); err != nil {
				return fmt.Errorf("vmess user id %q: %w", id, err)
			}
		}
		if sc.UserID == "" && len(sc.UserIDs) == 0 {
			return fmt.Errorf("vmess requires at least one user id")
		}
		return nil
	case protocol.ProtocolTrojan:
		if sc.Password == "" && len(sc.Passwords) == 0 {
			return fmt.Errorf("trojan requires at least one password")
		}
		if sc.Fallback != "" {
			return fmt.Errorf("trojan fallback is a shadowsocks layer; use shadowsocks_fallback")
		}
		if ssf := sc.ShadowsocksFallback; ssf != nil {
			if ssf.Cipher == "" || ssf.Password == "" {
				return fmt.Errorf("shadowsocks_fallback requires cipher and password")
			}
		}
		return nil
	case protocol.ProtocolPortForward:
		if len(sc.Targets) == 0 {
			return fmt.Errorf("port_forward requires at least one target")
		}
		for _, t := range sc.Targets {
			if _, err := address.ParseNetLocation(t); err != nil {
				return err
			}
		}
		return nil
	case protocol.ProtocolWebsocket:
		if sc.Inner == nil {
			return fmt.Errorf("websocket requires an inner protocol")
		}
		return res.validateServerProtocol(sc.Inner)
	case protocol.ProtocolTLS:
		return res.validateTLS(sc.TLS)
	default:
		return fmt.Errorf("unknown server protocol %q", sc.Protocol)
	}
}

func (res *Resolved) validateTLS(tc *TLSServer) error {
	if tc == nil {
		return fmt.Errorf("tls protocol requires a tls section")
	}
	if len(tc.SNI) == 0 && tc.Default == nil && len(tc.Reality) == 0 {
		return fmt.Errorf("tls section has no sni targets, no default, and no reality targets")
	}
	for name, target := range tc.SNI {
		if err := res.validateTLSTarget(target); err != nil {
			return fmt.Errorf("sni %q: %w", name, err)
		}
	}
	if tc.Default != nil {
		if err := res.validateTLSTarget(tc.Default); err != nil {
			return fmt.Errorf("default target: %w", err)
		}
	}
	for name, rc := range tc.Reality {
		if err := res.validateReality(rc); err != nil {
			return fmt.Errorf("reality %q: %w", name, err)
		}
	}
	return nil
}

func (res *Resolved) validateTLSTarget(target *TLSTarget) error {
	if err := checkPem(&target.Cert); err != nil {
		return fmt.Errorf("cert: %w", err)
	}
	if err := checkPem(&target.Key); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if target.ClientCA != nil {
		if err := checkPem(target.ClientCA); err != nil {
			return fmt.Errorf("client ca: %w", err)
		}
	}
	if target.Inner == nil {
		return fmt.Errorf("missing inner protocol")
	}
	if target.Vision && protocol.ProtocolType(target.Inner.Protocol) != protocol.ProtocolVLESS {
		return fmt.Errorf("vision requires a vless inner protocol, got %q", target.Inner.Protocol)
	}
	return res.validateServerProtocol(target.Inner)
}

func (res *Resolved) validateReality(rc *RealityServer) error {
	key, err := base64.StdEncoding.DecodeString(rc.PrivateKey)
	if err != nil {
		return fmt.Errorf("private key is not base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("private key is %d bytes, want 32", len(key))
	}
	if len(rc.ShortIDs) == 0 {
		return fmt.Errorf("no short ids configured")
	}
	for _, sid := range rc.ShortIDs {
		raw, err := hex.DecodeString(sid)
		if err != nil {
			return fmt.Errorf("short id %q is not hex: %w", sid, err)
		}
		if len(raw) > 8 {
			return fmt.Errorf("short id %q is %d bytes, max 8", sid, len(raw))
		}
	}
	if _, err := address.ParseNetLocation(rc.Dest); err != nil {
		return fmt.Errorf("dest: %w", err)
	}
	if rc.DestGroup != "" {
		if _, ok := res.groups[rc.DestGroup]; !ok {
			return fmt.Errorf("dest_group references unknown group %q", rc.DestGroup)
		}
	}
	if err := checkPem(&rc.Cert); err != nil {
		return fmt.Errorf("cert: %w", err)
	}
	if err := checkPem(&rc.Key); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if rc.Inner == nil {
		return fmt.Errorf("missing inner protocol")
	}
	return res.validateServerProtocol(rc.Inner)
}

func validateClient(cc *ClientConfig) error {
	if err := checkTransport(cc.Transport); err != nil {
		return err
	}

	p := &cc.Protocol
	sawLeaf := false
	for p != nil {
		switch protocol.ProtocolType(p.Type) {
		case protocol.ProtocolTLS, protocol.ProtocolWebsocket:
			if p.Inner == nil {
				return fmt.Errorf("%s layer has no inner protocol", p.Type)
			}
			p = p.Inner
		case protocol.ProtocolReality:
			key, err := base64.StdEncoding.DecodeString(p.PublicKey)
			if err != nil {
				return fmt.Errorf("reality public key is not base64: %w", err)
			}
			if len(key) != 32 {
				return fmt.Errorf("reality public key is %d bytes, want 32", len(key))
			}
			if raw, err := hex.DecodeString(p.ShortID); err != nil {
				return fmt.Errorf("reality short id %q is not hex: %w", p.ShortID, err)
			} else if len(raw) > 8 {
				return fmt.Errorf("reality short id %q is %d bytes, max 8", p.ShortID, len(raw))
			}
			if p.Inner == nil {
				return fmt.Errorf("reality layer has no inner protocol")
			}
			p = p.Inner
		case protocol.ProtocolDirect:
			if p.Inner != nil {
				return fmt.Errorf("direct cannot wrap an inner protocol")
			}
			return nil // direct needs no address of its own
		case protocol.ProtocolHTTP, protocol.ProtocolSOCKS5:
			sawLeaf = true
			p = nil
		case protocol.ProtocolShadowsocks:
			if p.Cipher == "" || p.Password == "" {
				return fmt.Errorf("shadowsocks leaf requires cipher and password")
			}
			sawLeaf = true
			p = nil
		case protocol.ProtocolTrojan:
			if p.Password == "" {
				return fmt.Errorf("trojan leaf requires a password")
			}
			sawLeaf = true
			p = nil
		case protocol.ProtocolVLESS, protocol.ProtocolVMess:
			if _, err := uuidutil.Parse(p.UserID); err != nil {
				return fmt.Errorf("%s user id: %w", p.Type, err)
			}
			sawLeaf = true
			p = nil
		default:
			return fmt.Errorf("unknown client protocol %q", p.Type)
		}
	}
	if !sawLeaf {
		return fmt.Errorf("client protocol tree has no leaf")
	}
	if cc.Address == "" {
		return fmt.Errorf("client config has no address")
	}
	if _, err := address.ParseNetLocation(cc.Address); err != nil {
		return err
	}
	return nil
}

func checkTransport(transport string) error {
	switch transport {
	case "", "tcp":
		return nil
	case "quic":
		return fmt.Errorf("quic transport is not supported; use tcp")
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func checkFallback(fallback string) error {
	if fallback == "" {
		return nil
	}
	_, err := address.ParseNetLocation(fallback)
	return err
}

// checkPem loads the material and requires at least one well-formed PEM
// block.
func checkPem(p *NamedPem) error {
	data, err := p.Load()
	if err != nil {
		return err
	}
	if block, _ := pem.Decode(data); block == nil {
		return fmt.Errorf("config: no pem block found")
	}
	return nil
}

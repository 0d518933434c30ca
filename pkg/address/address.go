// Package address holds the location types threaded through every protocol
// handler and the outbound chain: the remote destination a client asked for
// (NetLocation) and the address a listener binds to (BindLocation).
package address

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NetLocation is a destination a client wants to reach. Address may be a
// hostname or a literal IP; resolution to a concrete IP is deferred to a
// Resolver so that the same NetLocation can be handed to an outbound that
// resolves it itself (e.g. a remote SOCKS5 hop) without a wasted local
// lookup.
type NetLocation struct {
	Address string
	Port    uint16
}

// String renders the location the way net.Dial expects ("host:port"),
// bracketing literal IPv6 addresses.
func (n NetLocation) String() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(int(n.Port)))
}

// ParseNetLocation splits a "host:port" string into a NetLocation.
func ParseNetLocation(hostport string) (NetLocation, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return NetLocation{}, fmt.Errorf("parse net location %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NetLocation{}, fmt.Errorf("parse net location %q: bad port: %w", hostport, err)
	}
	return NetLocation{Address: host, Port: uint16(port)}, nil
}

// IsIP reports whether Address is already a literal IP, meaning a Resolver
// lookup can be skipped entirely.
func (n NetLocation) IsIP() bool {
	return net.ParseIP(n.Address) != nil
}

// BindLocationKind discriminates the two places a listener can bind to.
type BindLocationKind int

const (
	// BindAddress binds a TCP/UDP socket to a host:port pair, possibly
	// resolving to several concrete addresses (e.g. a hostname with both
	// A and AAAA records).
	BindAddress BindLocationKind = iota
	// BindPath binds a Unix domain socket to a filesystem path.
	BindPath
)

// BindLocation is where a listener attaches. Exactly one of Address/Path is
// meaningful, selected by Kind.
type BindLocation struct {
	Kind    BindLocationKind
	Address string // "host:port", used when Kind == BindAddress
	Path    string // filesystem path, used when Kind == BindPath
}

// ParseBindLocation accepts either "host:port" or a Unix socket path (a
// string starting with "/", "./" or "unix:", the "unix:" prefix being
// stripped), matching the original crate's BindLocation::Path variant.
func ParseBindLocation(raw string) (BindLocation, error) {
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "unix:") {
		path := strings.TrimPrefix(raw, "unix:")
		return BindLocation{Kind: BindPath, Path: path}, nil
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return BindLocation{}, fmt.Errorf("parse bind location %q: %w", raw, err)
	}
	return BindLocation{Kind: BindAddress, Address: raw}, nil
}

// Resolver resolves a NetLocation's hostname to concrete addresses. It is
// an interface so that the dataplane's own resolver (a thin wrapper over
// net.Resolver) and a test fake can be substituted interchangeably, and so
// that a future DNS-over-HTTPS resolver can be dropped in without touching
// call sites.
type Resolver interface {
	// Resolve returns every IP the location's hostname resolves to. If
	// the location already carries a literal IP, implementations should
	// return it unchanged without performing a lookup.
	Resolve(ctx context.Context, loc NetLocation) ([]net.IP, error)
}

// SystemResolver resolves hostnames using the Go runtime's resolver
// (cgo-backed libc getaddrinfo, or the pure-Go resolver when cgo is
// unavailable — this distinction does not need to be spelled out here, the
// net package already handles the platform split).
type SystemResolver struct {
	net.Resolver
}

// NewSystemResolver returns a Resolver backed by net.DefaultResolver.
func NewSystemResolver() *SystemResolver {
	return &SystemResolver{}
}

func (r *SystemResolver) Resolve(ctx context.Context, loc NetLocation) ([]net.IP, error) {
	if ip := net.ParseIP(loc.Address); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := r.Resolver.LookupIP(ctx, "ip", loc.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", loc.Address, err)
	}
	return addrs, nil
}

// StaticResolver always returns a fixed set of IPs regardless of the
// location passed in; used by tests.
type StaticResolver struct {
	IPs []net.IP
}

func (r StaticResolver) Resolve(context.Context, NetLocation) ([]net.IP, error) {
	return r.IPs, nil
}

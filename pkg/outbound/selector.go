package outbound

import (
	"context"
	"sync"

	"nerveproxy/pkg/address"
)

// Decision is what judging a destination against a Selector produces.
type Decision struct {
	Blocked  bool
	Group    ChainGroup
	Location address.NetLocation
}

// Selector holds one ChainGroup and judges every destination against it.
// Grounded on client_proxy_selector.rs's ClientProxySelector: "This
// simplified version removes... DNS resolution options, LRU caching... For
// spider's use case, only a single proxy configuration is needed" — judge
// here unconditionally Allows, leaving room for a rule engine upstream (not
// built here) to return Blocked instead.
type Selector struct {
	group ChainGroup
}

// NewSelector wraps group in a Selector that always allows.
func NewSelector(group ChainGroup) *Selector {
	return &Selector{group: group}
}

// Judge resolves location against the selector's chain group. The resolver
// parameter mirrors judge(location, resolver) in client_proxy_selector.rs;
// this simplified core never performs DNS resolution itself (each hop's own
// dial or client-handler does, as needed) but callers that need address
// family filtering before connecting plug one in here.
func (s *Selector) Judge(ctx context.Context, location address.NetLocation, resolver address.Resolver) Decision {
	return Decision{Group: s.group, Location: location}
}

// Connector builds a Connector for this selector's chain group.
func (s *Selector) Connector() *Connector {
	return BuildConnector(s.group)
}

// Reloadable publishes a Selector that can be swapped out atomically:
// every new connection reads the current selector, in-flight connections
// keep using the one they already read. Translates
// ReloadableProxySelector's RwLock<Arc<ClientProxySelector>> into a
// mutex-guarded pointer, since Go has no atomic-pointer-under-RwLock type
// in the standard library that also hands out a stable snapshot to readers.
type Reloadable struct {
	mu       sync.RWMutex
	selector *Selector
}

// NewReloadable wraps an initial selector.
func NewReloadable(initial *Selector) *Reloadable {
	return &Reloadable{selector: initial}
}

// Load returns the currently active selector.
func (r *Reloadable) Load() *Selector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selector
}

// Update atomically swaps in a new selector.
func (r *Reloadable) Update(s *Selector) {
	r.mu.Lock()
	r.selector = s
	r.mu.Unlock()
}

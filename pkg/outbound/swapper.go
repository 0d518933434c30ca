package outbound

// Swapper rebuilds the single active chain group a Reloadable publishes,
// grounded on utils/proxy_swapper.rs's ProxySwapper: the crawler-side
// collaborator this dataplane is built for calls SwapToNode/ResetToDirect
// whenever it rotates proxies, without disturbing connections already
// in flight (they keep whatever Selector they already loaded).
type Swapper struct {
	reloadable *Reloadable
}

// NewSwapper wraps the Reloadable a running set of listeners share.
func NewSwapper(reloadable *Reloadable) *Swapper {
	return &Swapper{reloadable: reloadable}
}

// SwapToNode rebuilds the active chain group as a single one-hop chain
// through hop, mirroring swap_to_node's
// ClientChain{hops: OneOrSome::One(ClientChainHop::Single(...))}.
func (s *Swapper) SwapToNode(hop Hop) {
	group := ChainGroup{Chain{ChainHop{Single: &hop}}}
	s.reloadable.Update(NewSelector(group))
}

// ResetToDirect rebuilds the active chain group as the direct leaf,
// mirroring reset_to_direct's NoneOrSome::None chain group (meaning
// "connect directly, no hops at all").
func (s *Swapper) ResetToDirect() {
	group := ChainGroup{{{Single: &Hop{Direct: true}}}}
	s.reloadable.Update(NewSelector(group))
}

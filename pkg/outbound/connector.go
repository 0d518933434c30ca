package outbound

import (
	"context"
	"fmt"
	"math/rand"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/streams"
)

// Connector builds one tunneled connection per call to Connect, walking a
// chosen Chain from the ChainGroup it was built from.
type Connector struct {
	group ChainGroup
}

// BuildConnector resolves the chain-building algorithm spec.md 4.7
// describes: one Connector per ChainGroup, picking a Chain (and, within it,
// each Pool hop) uniformly at connect time.
func BuildConnector(group ChainGroup) *Connector {
	return &Connector{group: group}
}

// DirectConnector is the special "direct" leaf: a Connector whose single
// chain is one hop, opened raw with no framing of any kind.
func DirectConnector() *Connector {
	return BuildConnector(ChainGroup{{{Single: &Hop{Direct: true}}}})
}

// Connect dials the chain and returns a ByteStream whose other end is dest.
// For a Direct hop, Address is overridden to dest itself (Direct has no
// fixed hop address of its own — it's the caller's destination, raw).
func (c *Connector) Connect(ctx context.Context, dest address.NetLocation) (streams.ByteStream, error) {
	if len(c.group) == 0 {
		return nil, fmt.Errorf("outbound: empty chain group")
	}
	chain := c.group[rand.Intn(len(c.group))]
	if len(chain) == 0 {
		return nil, fmt.Errorf("outbound: empty chain")
	}

	hops := make([]Hop, len(chain))
	for i, ch := range chain {
		hop, err := ch.resolve()
		if err != nil {
			return nil, err
		}
		hops[i] = hop
	}

	head := hops[0]
	if head.Direct {
		head.Address = dest
	}

	raw, err := dialHead(ctx, head)
	if err != nil {
		return nil, err
	}
	stream := streams.NewTCPByteStream(raw)

	if head.Direct {
		return stream, nil
	}

	for i := 0; i < len(hops); i++ {
		hop := hops[i]
		var nextDest address.NetLocation
		if i == len(hops)-1 {
			nextDest = dest // final hop's client-handler runs with the user's original destination
		} else {
			nextDest = hops[i+1].Address // hops 1..N route to the next hop's address
		}
		stream, err = applyLayers(hop, stream, nextDest)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("outbound: hop %d: %w", i, err)
		}
	}
	return stream, nil
}

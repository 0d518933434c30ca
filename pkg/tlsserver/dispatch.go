package tlsserver

import (
	"fmt"

	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
	"nerveproxy/pkg/tlsinspect"
)

// SNIDispatcher fronts a TLS bind that mixes REALITY and standard
// termination on the same port: the requested server name decides, per
// connection, whether the REALITY auth-or-fallback flow or the classical
// certificate-map termination runs. The ClientHello it reads to decide is
// replayed to whichever side wins, so each keeps its own complete view of
// the handshake.
type SNIDispatcher struct {
	Reality map[string]*RealityHandler

	// Standard catches every server name with no Reality entry,
	// including connections that sent no SNI at all. nil means a
	// non-REALITY name has nowhere to go and is an error.
	Standard *Handler
}

var _ protocol.ServerHandler = (*SNIDispatcher)(nil)

func (d *SNIDispatcher) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	r := streams.NewReader(stream)
	ch, err := tlsinspect.ReadClientHello(r)
	if err != nil {
		return protocol.SetupResult{}, fmt.Errorf("tlsserver: dispatch client hello: %w", err)
	}

	replay := &prefixConn{raw: stream, r: r, prefix: ch.Frame}
	if rh := d.Reality[ch.ServerName]; rh != nil {
		return rh.SetupServerStream(replay)
	}
	if d.Standard == nil {
		return protocol.SetupResult{}, fmt.Errorf("tlsserver: no termination configured for server name %q", ch.ServerName)
	}
	return d.Standard.SetupServerStream(replay)
}

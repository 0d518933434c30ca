// Package tlsserver terminates TLS in front of an inner protocol handler:
// Standard wraps crypto/tls with SNI-indexed certificate/ALPN selection (the
// idiomatic Go shape for this, the same GetCertificate/GetConfigForClient
// dispatch caddy's TLS app uses in the pack), and Reality implements the
// REALITY auth-or-fallback scheme from
// original_source/shoes/src/protocols/reality/reality_auth.rs plus
// original_source/shoes/src/utils/tls.rs's ClientHello inspection.
package tlsserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"nerveproxy/pkg/streams"
)

// SNIRoute is one entry in a Standard TLS server's certificate map: the
// ClientHello's requested server name selects both the certificate and
// (when set) a client-certificate pool for mTLS.
type SNIRoute struct {
	ServerName string // "" is the default route when no other SNI matches
	Cert       tls.Certificate
	ClientCAs  *x509.CertPool // nil disables mTLS for this route
	ALPN       []string
}

// Standard is a classical TLS server: an SNI-indexed certificate map with
// optional per-route mTLS and ALPN, matching a normal rustls-style
// termination setup.
type Standard struct {
	Routes []SNIRoute
}

// Config builds a *tls.Config whose GetConfigForClient dispatches on SNI,
// the idiomatic Go analogue of the teacher corpus's own SNI-based cert
// selection pattern.
func (s *Standard) Config() *tls.Config {
	byName := make(map[string]*SNIRoute, len(s.Routes))
	var defaultRoute *SNIRoute
	for i := range s.Routes {
		route := &s.Routes[i]
		if route.ServerName == "" {
			defaultRoute = route
			continue
		}
		byName[route.ServerName] = route
	}

	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			route := byName[hello.ServerName]
			if route == nil {
				route = defaultRoute
			}
			if route == nil {
				return nil, fmt.Errorf("tlsserver: no route for server name %q", hello.ServerName)
			}
			cfg := &tls.Config{
				Certificates: []tls.Certificate{route.Cert},
			}
			if len(route.ALPN) > 0 {
				cfg.NextProtos = route.ALPN
			}
			if route.ClientCAs != nil {
				cfg.ClientAuth = tls.RequireAndVerifyClientCert
				cfg.ClientCAs = route.ClientCAs
			}
			return cfg, nil
		},
	}
}

// Accept terminates TLS on stream using Config and returns the decrypted
// byte stream for the inner protocol handler to parse.
func (s *Standard) Accept(stream streams.ByteStream) (streams.ByteStream, error) {
	conn := tls.Server(asConn(stream), s.Config())
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsserver: handshake: %w", err)
	}
	return conn, nil
}

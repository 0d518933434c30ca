package tlsserver

import (
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// ClientTLS wraps an already-established conn in a TLS client handshake,
// spoofing a browser ClientHello via uTLS when hello names a fingerprint.
// An empty hello falls back to Go's standard TLS stack — no spoofing.
// Chain hops hand this an existing stream rather than an address to dial,
// since every hop past the first rides a connection the previous hop
// already framed.
func ClientTLS(conn net.Conn, tlsCfg *tls.Config, hello utls.ClientHelloID) (net.Conn, error) {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}

	if hello.Client == "" {
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("tlsserver: tls handshake: %w", err)
		}
		return tlsConn, nil
	}

	utlsCfg := &utls.Config{
		ServerName:         tlsCfg.ServerName,
		InsecureSkipVerify: tlsCfg.InsecureSkipVerify, //nolint:gosec
		NextProtos:         tlsCfg.NextProtos,
	}
	if tlsCfg.RootCAs != nil {
		utlsCfg.RootCAs = tlsCfg.RootCAs
	}

	uConn := utls.UClient(conn, utlsCfg, hello)
	if err := uConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsserver: utls handshake: %w", err)
	}
	return uConn, nil
}

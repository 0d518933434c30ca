// Package httpproxy implements the HTTP inbound: CONNECT tunneling and
// plain absolute-URI proxying, parsed with net/http the way the teacher's
// own transport layer speaks HTTP (net/http.Request, header-based framing)
// rather than a hand-rolled parser.
package httpproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/apperr"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

// ServerHandler implements the HTTP proxy inbound: CONNECT for TLS/opaque
// tunnels, or an absolute-URI request relayed after stripping proxy
// headers.
type ServerHandler struct {
	// Username/Password, if set, require Proxy-Authorization: Basic.
	Username, Password string
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	br := bufio.NewReader(stream)
	req, err := http.ReadRequest(br)
	if err != nil {
		return protocol.SetupResult{}, fmt.Errorf("httpproxy: read request: %w", err)
	}

	if !h.authorize(req) {
		_, _ = io.WriteString(stream, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\n\r\n")
		return protocol.SetupResult{}, fmt.Errorf("httpproxy: %w", apperr.ErrAuthFailed)
	}

	if req.Method == http.MethodConnect {
		loc, err := parseHostPort(req.Host)
		if err != nil {
			return protocol.SetupResult{}, err
		}
		return protocol.SetupResult{
			Kind:                      protocol.KindTCPForward,
			RemoteLocation:            loc,
			Stream:                    stream,
			ConnectionSuccessResponse: []byte(connectEstablished),
		}, nil
	}

	// Plain (non-CONNECT) proxying: req.URL carries the absolute target;
	// re-serialize the request line with a relative path and forward it
	// as InitialRemoteData so the copier writes it to the outbound hop
	// verbatim, the way a transparent forward proxy would.
	if req.URL.Host == "" {
		return protocol.SetupResult{}, fmt.Errorf("httpproxy: request-uri is not absolute: %w", apperr.ErrInvalidData)
	}
	loc, err := parseHostPort(req.URL.Host)
	if err != nil {
		return protocol.SetupResult{}, err
	}
	req.RequestURI = ""
	req.URL.Scheme = ""
	req.URL.Host = ""
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")

	pr, pw := io.Pipe()
	go func() {
		_ = req.Write(pw)
		_ = pw.Close()
	}()
	initial, _ := io.ReadAll(pr)

	return protocol.SetupResult{
		Kind:              protocol.KindTCPForward,
		RemoteLocation:    loc,
		Stream:            stream,
		InitialRemoteData: initial,
	}, nil
}

func (h *ServerHandler) authorize(req *http.Request) bool {
	if h.Username == "" && h.Password == "" {
		return true
	}
	user, pass, ok := parseBasicAuth(req.Header.Get("Proxy-Authorization"))
	return ok && user == h.Username && pass == h.Password
}

func parseBasicAuth(header string) (string, string, bool) {
	req := &http.Request{Header: http.Header{"Authorization": []string{header}}}
	return req.BasicAuth()
}

func parseHostPort(hostport string) (address.NetLocation, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No explicit port: default to 80 for bare-host absolute URIs.
		host, portStr = hostport, "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return address.NetLocation{}, fmt.Errorf("httpproxy: invalid port %q: %w", portStr, apperr.ErrInvalidData)
	}
	return address.NetLocation{Address: host, Port: uint16(port)}, nil
}

// ClientHandler wraps an outbound stream in an HTTP CONNECT handshake,
// the mirror of ServerHandler for dialing through an upstream HTTP proxy
// hop.
type ClientHandler struct{}

var _ protocol.ClientHandler = (*ClientHandler)(nil)

func (c *ClientHandler) SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error) {
	req, err := http.NewRequest(http.MethodConnect, "http://"+dest.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("httpproxy: build connect request: %w", err)
	}
	req.Host = dest.String()
	if err := req.Write(stream); err != nil {
		return nil, fmt.Errorf("httpproxy: write connect request: %w", err)
	}

	br := bufio.NewReader(stream)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("httpproxy: read connect response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpproxy: upstream refused connect with status %d: %w", resp.StatusCode, apperr.ErrConnectFailed)
	}
	if br.Buffered() > 0 {
		// The upstream may have pipelined response bytes past the CRLFCRLF;
		// surface them by wrapping stream in a Reader that replays them
		// before falling through to the raw connection.
		leftover := make([]byte, br.Buffered())
		_, _ = io.ReadFull(br, leftover)
		return &prefixedStream{ByteStream: stream, prefix: leftover}, nil
	}
	return stream, nil
}

// prefixedStream replays a buffered prefix before reading from the
// underlying stream, for leftover bytes bufio.Reader already consumed.
type prefixedStream struct {
	streams.ByteStream
	prefix []byte
}

func (p *prefixedStream) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.ByteStream.Read(b)
}

package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/cryptoutil/aead"
	"nerveproxy/pkg/cryptoutil/uuidutil"
	"nerveproxy/pkg/listener"
	"nerveproxy/pkg/outbound"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/protocol/httpproxy"
	"nerveproxy/pkg/protocol/mixed"
	"nerveproxy/pkg/protocol/portforward"
	"nerveproxy/pkg/protocol/shadowsocks"
	"nerveproxy/pkg/protocol/socks5"
	"nerveproxy/pkg/protocol/trojan"
	"nerveproxy/pkg/protocol/vless"
	"nerveproxy/pkg/protocol/vmess"
	"nerveproxy/pkg/protocol/wsproto"
	"nerveproxy/pkg/streams"
	"nerveproxy/pkg/tlsserver"
)

// connectTimeout bounds every outbound/fallback TCP dial started on behalf
// of a server built here.
const connectTimeout = 10 * time.Second

// replayWindow is the AEAD-2022 salt-reuse rejection window.
const replayWindow = 60 * time.Second

// BuildServers materializes every validated ServerConfig into a runnable
// listener.Server. Servers whose outbound field is empty share
// defaultSelector (the handle a Swapper owns); servers naming a group get
// their own fixed selector built from that group's chains.
func BuildServers(res *Resolved, defaultSelector *outbound.Reloadable, resolver address.Resolver) ([]*listener.Server, error) {
	servers := make([]*listener.Server, 0, len(res.Doc.Servers))
	for i := range res.Doc.Servers {
		sc := &res.Doc.Servers[i]

		bind, err := address.ParseBindLocation(sc.Bind)
		if err != nil {
			return nil, err
		}

		handler, err := res.buildHandler(sc)
		if err != nil {
			return nil, fmt.Errorf("config: server %d (%s): %w", i, sc.Bind, err)
		}

		selector := defaultSelector
		if sc.Outbound != "" {
			group, err := res.ChainGroup(sc.Outbound)
			if err != nil {
				return nil, err
			}
			selector = outbound.NewReloadable(outbound.NewSelector(group))
		}

		servers = append(servers, &listener.Server{
			Bind:             bind,
			Handler:          handler,
			Selector:         selector,
			Resolver:         resolver,
			BindInterface:    sc.BindInterface,
			UDPBindInterface: sc.BindInterface,
		})
	}
	return servers, nil
}

// ChainGroup materializes a named group into the chain group a selector
// holds: its explicit chains when it has any, else one implicit single-hop
// chain pooling over every client the group (and its includes) carries.
func (res *Resolved) ChainGroup(name string) (outbound.ChainGroup, error) {
	g, ok := res.groups[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown group %q", name)
	}

	if len(g.Chains) == 0 {
		pool, err := res.hopPool(name)
		if err != nil {
			return nil, err
		}
		return outbound.ChainGroup{{outbound.ChainHop{Pool: pool}}}, nil
	}

	group := make(outbound.ChainGroup, 0, len(g.Chains))
	for ci, chain := range g.Chains {
		hops := make(outbound.Chain, 0, len(chain.Hops))
		for hi, hc := range chain.Hops {
			hop, err := res.buildChainHop(hc)
			if err != nil {
				return nil, fmt.Errorf("config: group %q chain %d hop %d: %w", name, ci, hi, err)
			}
			hops = append(hops, hop)
		}
		group = append(group, hops)
	}
	return group, nil
}

func (res *Resolved) buildChainHop(hc HopConfig) (outbound.ChainHop, error) {
	if hc.Client != nil {
		hop, err := BuildHop(*hc.Client)
		if err != nil {
			return outbound.ChainHop{}, err
		}
		return outbound.ChainHop{Single: &hop}, nil
	}
	pool, err := res.hopPool(hc.Group)
	if err != nil {
		return outbound.ChainHop{}, err
	}
	return outbound.ChainHop{Pool: pool}, nil
}

func (res *Resolved) hopPool(group string) (outbound.Pool, error) {
	clients, ok := res.flattened[group]
	if !ok {
		return nil, fmt.Errorf("config: unknown group %q", group)
	}
	pool := make(outbound.Pool, 0, len(clients))
	for i, cc := range clients {
		hop, err := BuildHop(cc)
		if err != nil {
			return nil, fmt.Errorf("config: group %q client %d: %w", group, i, err)
		}
		pool = append(pool, hop)
	}
	return pool, nil
}

// BuildHop materializes one validated ClientConfig into an outbound.Hop,
// walking the protocol tree outermost-in: reality/tls/websocket wrapper
// nodes become the hop's layer stack, the leaf becomes its inner client
// handler.
func BuildHop(cc ClientConfig) (outbound.Hop, error) {
	hop := outbound.Hop{
		BindInterface: cc.BindInterface,
		NoDelay:       cc.NoDelay,
	}
	if cc.Address != "" {
		loc, err := address.ParseNetLocation(cc.Address)
		if err != nil {
			return outbound.Hop{}, err
		}
		hop.Address = loc
	}

	p := &cc.Protocol
	for {
		switch protocol.ProtocolType(p.Type) {
		case protocol.ProtocolReality:
			key, err := base64.StdEncoding.DecodeString(p.PublicKey)
			if err != nil {
				return outbound.Hop{}, fmt.Errorf("config: reality public key: %w", err)
			}
			var sid [8]byte
			raw, err := hex.DecodeString(p.ShortID)
			if err != nil {
				return outbound.Hop{}, fmt.Errorf("config: reality short id: %w", err)
			}
			copy(sid[:], raw)
			hop.Reality = &outbound.RealityLayer{
				ServerPublicKey: key,
				ShortID:         sid,
				ServerName:      p.SNI,
				Fingerprint:     tlsserver.FingerprintByName(p.Fingerprint),
			}
			p = p.Inner
		case protocol.ProtocolTLS:
			hop.TLS = &outbound.TLSLayer{
				ServerName:         p.SNI,
				InsecureSkipVerify: p.Insecure,
				Fingerprint:        tlsserver.FingerprintByName(p.Fingerprint),
			}
			p = p.Inner
		case protocol.ProtocolWebsocket:
			hop.Websocket = &outbound.WebsocketLayer{
				Path:     p.Path,
				Headers:  p.Headers,
				PingType: wsproto.PingDisabled,
			}
			p = p.Inner
		case protocol.ProtocolDirect:
			hop.Direct = true
			return hop, nil
		default:
			inner, err := clientLeafHandler(p)
			if err != nil {
				return outbound.Hop{}, err
			}
			hop.Inner = inner
			return hop, nil
		}
	}
}

func clientLeafHandler(p *ClientProtocol) (protocol.ClientHandler, error) {
	switch protocol.ProtocolType(p.Type) {
	case protocol.ProtocolHTTP:
		return &httpproxy.ClientHandler{}, nil
	case protocol.ProtocolSOCKS5:
		return &socks5.ClientHandler{Username: p.Username, Password: p.Password}, nil
	case protocol.ProtocolShadowsocks:
		return shadowsocksClientHandler(p.Cipher, p.Password)
	case protocol.ProtocolTrojan:
		return &trojan.ClientHandler{HexPassword: trojan.HashPassword(p.Password)}, nil
	case protocol.ProtocolVLESS:
		id, err := uuidutil.Parse(p.UserID)
		if err != nil {
			return nil, fmt.Errorf("config: vless user id: %w", err)
		}
		return &vless.ClientHandler{UserID: [16]byte(id)}, nil
	case protocol.ProtocolVMess:
		id, err := uuidutil.Parse(p.UserID)
		if err != nil {
			return nil, fmt.Errorf("config: vmess user id: %w", err)
		}
		return &vmess.ClientHandler{User: vmess.NewUser([16]byte(id))}, nil
	default:
		return nil, fmt.Errorf("config: unknown client protocol %q", p.Type)
	}
}

func shadowsocksClientHandler(cipher, password string) (protocol.ClientHandler, error) {
	key, key2022, _, err := shadowsocksKeys(cipher, password)
	if err != nil {
		return nil, err
	}
	return &shadowsocks.ClientHandler{Key: key, Key2022: key2022}, nil
}

// shadowsocksKeys derives the right key flavor from the cipher name: a
// "2022-" prefix selects AEAD-2022 with a base64 pre-shared key, anything
// else the legacy HKDF password expansion.
func shadowsocksKeys(cipher, password string) (*aead.LegacyKey, *aead.Session2022Key, bool, error) {
	if len(cipher) > 5 && cipher[:5] == "2022-" {
		psk, err := base64.StdEncoding.DecodeString(password)
		if err != nil {
			return nil, nil, false, fmt.Errorf("config: aead-2022 key is not base64: %w", err)
		}
		key, err := aead.NewSession2022Key(cipher, psk)
		if err != nil {
			return nil, nil, false, err
		}
		return nil, key, true, nil
	}
	key, err := aead.NewLegacyKey(cipher, password)
	if err != nil {
		return nil, nil, false, err
	}
	return key, nil, false, nil
}

func (res *Resolved) buildHandler(sc *ServerConfig) (protocol.ServerHandler, error) {
	switch protocol.ProtocolType(sc.Protocol) {
	case protocol.ProtocolHTTP:
		return &httpproxy.ServerHandler{Username: sc.Username, Password: sc.Password}, nil
	case protocol.ProtocolSOCKS5:
		return &socks5.ServerHandler{
			Username:   sc.Username,
			Password:   sc.Password,
			UDPEnabled: sc.EnableUDP,
		}, nil
	case protocol.ProtocolMixed:
		return &mixed.ServerHandler{
			HTTP:   &httpproxy.ServerHandler{Username: sc.Username, Password: sc.Password},
			SOCKS5: &socks5.ServerHandler{Username: sc.Username, Password: sc.Password, UDPEnabled: sc.EnableUDP},
		}, nil
	case protocol.ProtocolShadowsocks:
		key, key2022, is2022, err := shadowsocksKeys(sc.Cipher, sc.Password)
		if err != nil {
			return nil, err
		}
		h := &shadowsocks.ServerHandler{Key: key, Key2022: key2022, UDPEnabled: sc.EnableUDP}
		if is2022 {
			h.Replay = aead.NewReplayFilter(replayWindow)
		}
		return h, nil
	case protocol.ProtocolVLESS:
		id, err := uuidutil.Parse(sc.UserID)
		if err != nil {
			return nil, err
		}
		h := &vless.ServerHandler{
			UserID:     [16]byte(id),
			UDPEnabled: sc.EnableUDP,
			Dial:       dialContextLocation,
		}
		if sc.Fallback != "" {
			loc, err := address.ParseNetLocation(sc.Fallback)
			if err != nil {
				return nil, err
			}
			h.Fallback = &loc
		}
		return h, nil
	case protocol.ProtocolVMess:
		ids := sc.UserIDs
		if sc.UserID != "" {
			ids = append([]string{sc.UserID}, ids...)
		}
		users := make([]vmess.User, 0, len(ids))
		for _, raw := range ids {
			id, err := uuidutil.Parse(raw)
			if err != nil {
				return nil, err
			}
			users = append(users, vmess.NewUser([16]byte(id)))
		}
		return &vmess.ServerHandler{Users: users, UDPEnabled: sc.EnableUDP}, nil
	case protocol.ProtocolTrojan:
		passwords := sc.Passwords
		if sc.Password != "" {
			passwords = append([]string{sc.Password}, passwords...)
		}
		hashed := make([][]byte, 0, len(passwords))
		for _, pw := range passwords {
			hashed = append(hashed, []byte(trojan.HashPassword(pw)))
		}
		h := &trojan.ServerHandler{
			ValidHexPasswords: hashed,
			UDPEnabled:        sc.EnableUDP,
		}
		if ssf := sc.ShadowsocksFallback; ssf != nil {
			key, key2022, is2022, err := shadowsocksKeys(ssf.Cipher, ssf.Password)
			if err != nil {
				return nil, err
			}
			fb := &shadowsocks.ServerHandler{Key: key, Key2022: key2022, UDPEnabled: sc.EnableUDP}
			if is2022 {
				fb.Replay = aead.NewReplayFilter(replayWindow)
			}
			h.ShadowsocksFallback = fb
		}
		return h, nil
	case protocol.ProtocolPortForward:
		targets := make([]address.NetLocation, 0, len(sc.Targets))
		for _, raw := range sc.Targets {
			loc, err := address.ParseNetLocation(raw)
			if err != nil {
				return nil, err
			}
			targets = append(targets, loc)
		}
		return &portforward.ServerHandler{Targets: targets}, nil
	case protocol.ProtocolWebsocket:
		inner, err := res.buildHandler(sc.Inner)
		if err != nil {
			return nil, err
		}
		ws := &wsproto.ServerHandler{Inner: inner}
		if sc.Websocket != nil {
			ws.MatchingPath = sc.Websocket.Path
			ws.MatchingHeaders = sc.Websocket.Headers
			ws.PingType, err = pingTypeByName(sc.Websocket.Ping)
			if err != nil {
				return nil, err
			}
		}
		return ws, nil
	case protocol.ProtocolTLS:
		return res.buildTLSHandler(sc.TLS)
	default:
		return nil, fmt.Errorf("config: unknown server protocol %q", sc.Protocol)
	}
}

func pingTypeByName(name string) (wsproto.PingType, error) {
	switch name {
	case "", "disabled":
		return wsproto.PingDisabled, nil
	case "frame":
		return wsproto.PingFrame, nil
	case "empty":
		return wsproto.PingEmptyFrame, nil
	default:
		return wsproto.PingDisabled, fmt.Errorf("config: unknown websocket ping type %q", name)
	}
}

func (res *Resolved) buildTLSHandler(tc *TLSServer) (protocol.ServerHandler, error) {
	var standard *tlsserver.Handler
	if len(tc.SNI) > 0 || tc.Default != nil {
		std := &tlsserver.Standard{}
		innerBySNI := make(map[string]protocol.ServerHandler, len(tc.SNI))

		for name, target := range tc.SNI {
			route, inner, err := res.buildTLSRoute(name, target)
			if err != nil {
				return nil, err
			}
			std.Routes = append(std.Routes, route)
			innerBySNI[name] = inner
		}

		var defaultInner protocol.ServerHandler
		if tc.Default != nil {
			route, inner, err := res.buildTLSRoute("", tc.Default)
			if err != nil {
				return nil, err
			}
			std.Routes = append(std.Routes, route)
			defaultInner = inner
		}

		standard = &tlsserver.Handler{
			Standard:     std,
			InnerBySNI:   innerBySNI,
			DefaultInner: defaultInner,
		}
	}

	if len(tc.Reality) == 0 {
		return standard, nil
	}

	realityBySNI := make(map[string]*tlsserver.RealityHandler, len(tc.Reality))
	for name, rc := range tc.Reality {
		rh, err := res.buildRealityHandler(rc)
		if err != nil {
			return nil, fmt.Errorf("config: reality %q: %w", name, err)
		}
		realityBySNI[name] = rh
	}
	return &tlsserver.SNIDispatcher{Reality: realityBySNI, Standard: standard}, nil
}

func (res *Resolved) buildTLSRoute(name string, target *TLSTarget) (tlsserver.SNIRoute, protocol.ServerHandler, error) {
	cert, err := loadKeyPair(&target.Cert, &target.Key)
	if err != nil {
		return tlsserver.SNIRoute{}, nil, err
	}

	route := tlsserver.SNIRoute{ServerName: name, Cert: cert, ALPN: target.ALPN}
	if target.ClientCA != nil {
		caPEM, err := target.ClientCA.Load()
		if err != nil {
			return tlsserver.SNIRoute{}, nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return tlsserver.SNIRoute{}, nil, fmt.Errorf("config: sni %q: client ca pem has no usable certificates", name)
		}
		route.ClientCAs = pool
	}

	inner, err := res.buildHandler(target.Inner)
	if err != nil {
		return tlsserver.SNIRoute{}, nil, err
	}
	return route, inner, nil
}

func (res *Resolved) buildRealityHandler(rc *RealityServer) (*tlsserver.RealityHandler, error) {
	key, err := base64.StdEncoding.DecodeString(rc.PrivateKey)
	if err != nil {
		return nil, err
	}

	shortIDs := make([]tlsserver.ShortID, 0, len(rc.ShortIDs))
	for _, raw := range rc.ShortIDs {
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return nil, err
		}
		var sid tlsserver.ShortID
		copy(sid[:], decoded)
		shortIDs = append(shortIDs, sid)
	}

	cert, err := loadKeyPair(&rc.Cert, &rc.Key)
	if err != nil {
		return nil, err
	}

	dest, err := address.ParseNetLocation(rc.Dest)
	if err != nil {
		return nil, err
	}

	dialFallback := dialLocation
	if rc.DestGroup != "" {
		group, err := res.ChainGroup(rc.DestGroup)
		if err != nil {
			return nil, err
		}
		dialFallback = chainDialer(group)
	}

	inner, err := res.buildHandler(rc.Inner)
	if err != nil {
		return nil, err
	}

	return &tlsserver.RealityHandler{
		Reality: &tlsserver.Reality{
			PrivateKey:   key,
			ShortIDs:     shortIDs,
			Cert:         cert,
			Fallback:     dest,
			DialFallback: dialFallback,
			MaxTimeDiff:  time.Duration(rc.MaxTimeDiff) * time.Second,
		},
		Inner: inner,
	}, nil
}

func loadKeyPair(certPem, keyPem *NamedPem) (tls.Certificate, error) {
	certData, err := certPem.Load()
	if err != nil {
		return tls.Certificate{}, err
	}
	keyData, err := keyPem.Load()
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("config: load key pair: %w", err)
	}
	return cert, nil
}

func dialLocation(loc address.NetLocation) (net.Conn, error) {
	return net.DialTimeout("tcp", loc.String(), connectTimeout)
}

func dialContextLocation(ctx context.Context, loc address.NetLocation) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return dialer.DialContext(ctx, "tcp", loc.String())
}

// chainDialer dials a destination through an outbound chain group and
// presents the framed stream as a net.Conn for the fallback relay.
func chainDialer(group outbound.ChainGroup) func(address.NetLocation) (net.Conn, error) {
	connector := outbound.BuildConnector(group)
	return func(loc address.NetLocation) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		stream, err := connector.Connect(ctx, loc)
		if err != nil {
			return nil, err
		}
		if conn, ok := stream.(net.Conn); ok {
			return conn, nil
		}
		return &streamAsConn{ByteStream: stream}, nil
	}
}

type streamAsConn struct {
	streams.ByteStream
}

func (streamAsConn) LocalAddr() net.Addr  { return chainAddr{} }
func (streamAsConn) RemoteAddr() net.Addr { return chainAddr{} }

type chainAddr struct{}

func (chainAddr) Network() string { return "tcp" }
func (chainAddr) String() string  { return "0.0.0.0:0" }

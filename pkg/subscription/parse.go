package subscription

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseContent ingests one subscription body and returns every valid node
// it can extract, trying Clash YAML (raw, then base64-decoded), then
// falling back to a newline list of scheme://... URIs, read from the
// base64-decoded body when it decodes and from the raw body otherwise,
// matching parse_subscription_content's own fallback order.
func ParseContent(content string) ([]Node, error) {
	content = strings.TrimSpace(content)

	if nodes := tryClash(content); nodes != nil {
		return dedupe(nodes), nil
	}

	decoded, ok := decodeBase64Auto(content)
	if !ok {
		decoded = content
	}

	if nodes := tryClash(decoded); nodes != nil {
		return dedupe(nodes), nil
	}

	var nodes []Node
	for _, line := range strings.Split(decoded, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		scheme, body, ok := strings.Cut(line, "://")
		if !ok {
			continue
		}
		var node *Node
		var err error
		switch scheme {
		case "vmess":
			node, err = parseVmess(body)
		case "vless":
			node, err = parseVless(line)
		case "ss":
			node, err = parseSS(line)
		case "trojan":
			node, err = parseTrojan(line)
		default:
			continue
		}
		if err != nil || node == nil || !isValidNode(*node) {
			continue
		}
		nodes = append(nodes, *node)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("subscription: no valid proxy nodes discovered")
	}
	return dedupe(nodes), nil
}

func tryClash(text string) []Node {
	if !strings.Contains(text, "proxies:") {
		return nil
	}
	nodes, err := parseClashYAML(text)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return nodes
}

// --- vmess ---

type vmessJSON struct {
	PS   string      `json:"ps"`
	Add  string      `json:"add"`
	Port interface{} `json:"port"`
	ID   string      `json:"id"`
	Scy  string      `json:"scy"`
	Aid  interface{} `json:"aid"`
	Net  string      `json:"net"`
	Path string      `json:"path"`
	Host string      `json:"host"`
	TLS  string      `json:"tls"`
	SNI  string      `json:"sni"`
}

func jsonAsUint(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		return uint64(t), true
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func parseVmess(body string) (*Node, error) {
	decoded, ok := decodeBase64Auto(body)
	if !ok {
		return nil, fmt.Errorf("subscription: vmess body is not base64")
	}
	var v vmessJSON
	if err := json.Unmarshal([]byte(decoded), &v); err != nil {
		return nil, fmt.Errorf("subscription: vmess json: %w", err)
	}
	if v.Add == "" || v.ID == "" {
		return nil, fmt.Errorf("subscription: vmess missing add/id")
	}
	port, ok := jsonAsUint(v.Port)
	if !ok {
		return nil, fmt.Errorf("subscription: vmess missing port")
	}

	tag := v.PS
	if tag == "" {
		tag = "vmess"
	}
	security := v.Scy
	if security == "" {
		security = "auto"
	}
	alterID, _ := jsonAsUint(v.Aid)

	var transport *Transport
	if v.Net == "ws" {
		headers := map[string]string{}
		if v.Host != "" {
			headers["Host"] = v.Host
		}
		transport = &Transport{Kind: "ws", Path: v.Path, Headers: headers}
	}

	var tls *TLSOptions
	if v.TLS == "tls" {
		tls = &TLSOptions{Enabled: true, ServerName: v.SNI, Insecure: true}
	}

	return &Node{
		Kind:      KindVmess,
		Tag:       tag,
		Server:    v.Add,
		Port:      uint16(port),
		UUID:      v.ID,
		Security:  security,
		AlterID:   uint32(alterID),
		Transport: transport,
		TLS:       tls,
	}, nil
}

// --- shadowsocks ---

func parseSS(line string) (*Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("subscription: parse ss url: %w", err)
	}
	tag := u.Fragment
	if tag == "" {
		tag = "ss"
	}

	if u.Hostname() != "" && u.Port() != "" {
		port, err := strconv.ParseUint(u.Port(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("subscription: ss port: %w", err)
		}
		userInfo := u.User.Username()
		decodedUser, ok := decodeBase64Auto(userInfo)
		if !ok {
			decodedUser = userInfo
		}
		method, password, ok := strings.Cut(decodedUser, ":")
		if !ok {
			return nil, fmt.Errorf("subscription: ss userinfo missing method:password")
		}
		return &Node{
			Kind:     KindShadowsocks,
			Tag:      tag,
			Server:   u.Hostname(),
			Port:     uint16(port),
			Method:   method,
			Password: password,
		}, nil
	}

	// Legacy form: ss://base64(method:password@host:port)#tag
	body := strings.TrimPrefix(line, "ss://")
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[:i]
	}
	decoded, ok := decodeBase64Auto(body)
	if !ok {
		return nil, fmt.Errorf("subscription: legacy ss body is not base64")
	}
	auth, addr, ok := cutLast(decoded, "@")
	if !ok {
		return nil, fmt.Errorf("subscription: legacy ss missing @")
	}
	method, password, ok := strings.Cut(auth, ":")
	if !ok {
		return nil, fmt.Errorf("subscription: legacy ss auth missing method:password")
	}
	host, portStr, ok := cutLast(addr, ":")
	if !ok {
		return nil, fmt.Errorf("subscription: legacy ss addr missing port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("subscription: legacy ss port: %w", err)
	}
	return &Node{
		Kind:     KindShadowsocks,
		Tag:      tag,
		Server:   host,
		Port:     uint16(port),
		Method:   method,
		Password: password,
	}, nil
}

// cutLast is strings.Cut from the last occurrence of sep, matching Rust's
// rsplit_once used for both the legacy ss auth@addr split and its host:port
// split (the host can itself contain ':' for literal IPv6, though the
// legacy ss scheme rarely carries one).
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+len(sep):], true
}

// --- trojan ---

func parseTrojan(line string) (*Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("subscription: parse trojan url: %w", err)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("subscription: trojan missing host/port")
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("subscription: trojan port: %w", err)
	}
	q := u.Query()

	sni := q.Get("sni")
	if sni == "" {
		sni = u.Hostname()
	}
	tls := &TLSOptions{Enabled: true, ServerName: sni, Insecure: true}

	var transport *Transport
	if q.Get("type") == "ws" {
		headers := map[string]string{}
		if h := q.Get("host"); h != "" {
			headers["Host"] = h
		}
		transport = &Transport{Kind: "ws", Path: q.Get("path"), Headers: headers}
	}

	tag := u.Fragment
	if tag == "" {
		tag = "trojan"
	}

	return &Node{
		Kind:           KindTrojan,
		Tag:            tag,
		Server:         u.Hostname(),
		Port:           uint16(port),
		TrojanPassword: u.User.Username(),
		TLS:            tls,
		Transport:      transport,
	}, nil
}

// --- vless ---

func parseVless(line string) (*Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("subscription: parse vless url: %w", err)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("subscription: vless missing host/port")
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("subscription: vless port: %w", err)
	}
	q := u.Query()

	var tls *TLSOptions
	switch q.Get("security") {
	case "tls", "xtls":
		sni := q.Get("sni")
		if sni == "" {
			sni = u.Hostname()
		}
		tls = &TLSOptions{
			Enabled:     true,
			ServerName:  sni,
			Insecure:    true,
			Fingerprint: q.Get("fp"),
		}
	}

	var transport *Transport
	switch q.Get("type") {
	case "ws":
		headers := map[string]string{}
		if h := q.Get("host"); h != "" {
			headers["Host"] = h
		}
		transport = &Transport{Kind: "ws", Path: q.Get("path"), Headers: headers}
	case "grpc":
		transport = &Transport{Kind: "grpc", ServiceName: q.Get("serviceName")}
	}

	tag := u.Fragment
	if tag == "" {
		tag = "vless"
	}

	return &Node{
		Kind:      KindVless,
		Tag:       tag,
		Server:    u.Hostname(),
		Port:      uint16(port),
		UUID:      u.User.Username(),
		Flow:      q.Get("flow"),
		TLS:       tls,
		Transport: transport,
	}, nil
}

// isValidNode applies is_valid_node's blocklist-tag and loopback-server
// checks.
func isValidNode(n Node) bool {
	blocklist := []string{
		"广告", "官网", "流量", "重置", "群", "客服", "更新", "订阅", "expire",
	}
	for _, kw := range blocklist {
		if strings.Contains(n.Tag, kw) {
			return false
		}
	}
	return !n.isLoopback()
}

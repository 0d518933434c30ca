package subscription

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// clashProxy mirrors just the fields parse_clash_yaml reads out of one
// entry in a Clash config's top-level proxies: sequence; everything else
// in a real Clash proxy block (ip-version, udp, tfo, ...) is left
// unparsed since no Hop field consumes it.
type clashProxy struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Cipher   string `yaml:"cipher"`
	Password string `yaml:"password"`
	UUID     string `yaml:"uuid"`
	AlterID  int    `yaml:"alterId"`
	Flow     string `yaml:"flow"`
	Network  string `yaml:"network"`

	TLS            bool   `yaml:"tls"`
	ServerName     string `yaml:"servername"`
	SkipCertVerify *bool  `yaml:"skip-cert-verify"`

	WSOpts struct {
		Path    string            `yaml:"path"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"ws-opts"`

	GRPCOpts struct {
		ServiceName string `yaml:"grpc-service-name"`
	} `yaml:"grpc-opts"`
}

type clashConfig struct {
	Proxies []clashProxy `yaml:"proxies"`
}

// parseClashYAML reads the proxies: sequence out of a Clash config,
// matching parse_clash_yaml's per-entry field extraction and its
// is_valid_node filter.
func parseClashYAML(content string) ([]Node, error) {
	var cfg clashConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("subscription: parse clash yaml: %w", err)
	}
	if cfg.Proxies == nil {
		return nil, fmt.Errorf("subscription: missing proxies key in yaml")
	}

	var nodes []Node
	for _, p := range cfg.Proxies {
		var transport *Transport
		switch p.Network {
		case "ws":
			transport = &Transport{Kind: "ws", Path: p.WSOpts.Path, Headers: p.WSOpts.Headers}
		case "grpc":
			transport = &Transport{Kind: "grpc", ServiceName: p.GRPCOpts.ServiceName}
		}

		var tls *TLSOptions
		if p.TLS {
			insecure := true
			if p.SkipCertVerify != nil {
				insecure = *p.SkipCertVerify
			}
			tls = &TLSOptions{Enabled: true, ServerName: p.ServerName, Insecure: insecure}
		}

		node := Node{
			Tag:       p.Name,
			Server:    p.Server,
			Port:      uint16(p.Port),
			Transport: transport,
			TLS:       tls,
		}

		switch p.Type {
		case "ss":
			node.Kind = KindShadowsocks
			node.Method = p.Cipher
			node.Password = p.Password
		case "vmess":
			node.Kind = KindVmess
			node.UUID = p.UUID
			node.Security = p.Cipher
			if node.Security == "" {
				node.Security = "auto"
			}
			node.AlterID = uint32(p.AlterID)
		case "vless":
			node.Kind = KindVless
			node.UUID = p.UUID
			node.Flow = p.Flow
		case "trojan":
			node.Kind = KindTrojan
			node.TrojanPassword = p.Password
		default:
			continue
		}

		if isValidNode(node) {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

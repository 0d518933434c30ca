package outbound

import (
	"fmt"
	"net"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/streams"
)

// UDPConnector opens an unconnected UDP socket per association, mirroring
// socket_connector_impl.rs's connect_udp_bidirectional: an unconnected
// socket (send_to/recv_from rather than connect()) is used deliberately,
// since a connected UDP socket filters incoming datagrams by source
// address, and that filtering breaks whenever BindInterface causes replies
// to arrive from an address the kernel didn't expect.
type UDPConnector struct {
	BindInterface string
}

// Connect opens the unconnected socket and returns a MessageStream bound
// to dest as its default peer for reads/writes that don't specify their
// own destination.
func (c *UDPConnector) Connect(dest address.NetLocation) (streams.MessageStream, error) {
	var laddr *net.UDPAddr
	if c.BindInterface != "" {
		iface, err := net.InterfaceByName(c.BindInterface)
		if err != nil {
			return nil, fmt.Errorf("outbound: udp bind interface %q: %w", c.BindInterface, err)
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("outbound: udp bind interface %q has no usable address", c.BindInterface)
		}
		if ipNet, ok := addrs[0].(*net.IPNet); ok {
			laddr = &net.UDPAddr{IP: ipNet.IP}
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("outbound: listen udp: %w", err)
	}
	return &unconnectedUDPStream{conn: conn, dest: dest}, nil
}

// unconnectedUDPStream implements streams.MessageStream over a
// net.UDPConn opened with ListenUDP rather than DialUDP, so every
// ReadFrom/WriteTo carries an explicit address instead of relying on
// kernel-level connected-socket filtering.
type unconnectedUDPStream struct {
	conn *net.UDPConn
	dest address.NetLocation
}

var _ streams.MessageStream = (*unconnectedUDPStream)(nil)

func (u *unconnectedUDPStream) ReadMessage() (streams.Message, error) {
	buf := make([]byte, 64*1024)
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return streams.Message{}, err
	}
	return streams.Message{Destination: from.String(), Payload: buf[:n]}, nil
}

func (u *unconnectedUDPStream) WriteMessage(msg streams.Message) error {
	dest := msg.Destination
	if dest == "" {
		dest = u.dest.String()
	}
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("outbound: resolve udp destination %q: %w", dest, err)
	}
	_, err = u.conn.WriteToUDP(msg.Payload, addr)
	return err
}

func (u *unconnectedUDPStream) Close() error { return u.conn.Close() }

func (u *unconnectedUDPStream) SetDeadline(t time.Time) error { return u.conn.SetDeadline(t) }

// SupportsPing reports false: raw UDP has no protocol-native keepalive.
// socket_connector_impl.rs's UnconnectedUdpSocket implements
// AsyncPing::supports_ping() = false for the same reason.
func (u *unconnectedUDPStream) SupportsPing() bool { return false }
func (u *unconnectedUDPStream) SendPing() error    { return nil }

// Package listener runs the accept loop spec.md 4.8 describes: for each
// configured bind location, open the right kind of listener, spawn one
// goroutine per accepted connection, run that connection's server handler,
// hand the result to a selector, connect the resulting outbound chain, and
// run the copier.
//
// Grounded on original_source/shoes/src/network/tcp/tcp_server.rs's
// handle_tcp_stream/run_tcp_server_loop/start_servers: setup_server_stream
// → proxy_selector.judge() → ConnectDecision::Allow{chain_group, location}
// → chain_group.connect_tcp() → write connection_success_response → write
// initial_remote_data → copy_bidirectional. Errors during handshake/connect
// are logged and the connection dropped, matching tcp_server.rs's own
// debug-level log::debug! on handler failure; this repo has no log-level
// framework (see DESIGN.md), so every such line goes through log.Printf
// with a "listener:" prefix instead of a level.
package listener

import (
	"context"
	"log"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/copier"
	"nerveproxy/pkg/outbound"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

// Server is one configured inbound: a bind location, the protocol handler
// every accepted connection runs, and the Reloadable selector that decides
// (and builds) the outbound chain for whatever RemoteLocation the handler
// parses.
type Server struct {
	Bind     address.BindLocation
	Handler  protocol.ServerHandler
	Selector *outbound.Reloadable
	Resolver address.Resolver

	// BindInterface, if set, binds the listening socket itself to a
	// specific network interface (SO_BINDTODEVICE), grounded on
	// socket_util.rs's new_tcp_listener bind_device call; Linux-only, like
	// the Rust original's own #[cfg(target_os = "linux")] guard.
	BindInterface string

	// UDPBindInterface, if set, is applied to every outbound UDP
	// association this server's connections open.
	UDPBindInterface string
}

// Start opens Bind's listener and runs the accept loop until ctx is
// cancelled or the listener errors. It returns once the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, streams.NewTCPByteStream(conn))
	}
}

func (s *Server) listen() (net.Listener, error) {
	lc := net.ListenConfig{Control: s.controlSocket}
	switch s.Bind.Kind {
	case address.BindPath:
		os.Remove(s.Bind.Path) // clear a stale socket left by a previous run
		return lc.Listen(context.Background(), "unix", s.Bind.Path)
	default:
		return lc.Listen(context.Background(), "tcp", s.Bind.Address)
	}
}

// controlSocket sets SO_REUSEADDR (new_tcp_listener always sets this) and,
// if BindInterface is set, SO_BINDTODEVICE before the socket binds.
func (s *Server) controlSocket(network, address string, c syscall.RawConn) error {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil // SO_REUSEADDR/SO_BINDTODEVICE only make sense for the TCP listener
	}
	var setupErr error
	err := c.Control(func(fd uintptr) {
		if setErr := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); setErr != nil {
			setupErr = setErr
			return
		}
		if s.BindInterface != "" {
			if setErr := unix.BindToDevice(int(fd), s.BindInterface); setErr != nil {
				setupErr = setErr
			}
		}
	})
	if err != nil {
		return err
	}
	return setupErr
}

// handle runs one accepted connection end to end: setup, selector judge,
// connect, write initial bytes, copy. Any failure is logged and the
// connection dropped, never propagated to the accept loop.
func (s *Server) handle(ctx context.Context, stream streams.ByteStream) {
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	result, err := s.Handler.SetupServerStream(stream)
	if err != nil {
		log.Printf("listener: setup failed: %v", err)
		return
	}

	switch result.Kind {
	case protocol.KindAlreadyHandled:
		stream = nil // handler took the connection over itself
		return
	case protocol.KindBlocked:
		return
	case protocol.KindTCPForward:
		s.forwardTCP(ctx, stream, result)
	case protocol.KindBidirectionalUDP, protocol.KindMultiDirectionalUDP:
		s.forwardUDP(ctx, result)
	}
}

// copyUDP picks the pump a UDP association needs: a bidirectional
// association has one fixed destination and runs the plain message relay,
// while a multi-directional one routes each datagram by the destination it
// carries.
func copyUDP(result protocol.SetupResult, outboundStream streams.MessageStream) error {
	if result.Kind == protocol.KindMultiDirectionalUDP {
		return copier.PerDatagram(result.MessageStream, outboundStream)
	}
	return copier.Messages(result.MessageStream, outboundStream, false, false)
}

func (s *Server) forwardTCP(ctx context.Context, stream streams.ByteStream, result protocol.SetupResult) {
	decision := s.Selector.Load().Judge(ctx, result.RemoteLocation, s.Resolver)
	if decision.Blocked {
		log.Printf("listener: blocked connection to %s", result.RemoteLocation)
		return
	}

	outboundStream, err := outbound.BuildConnector(decision.Group).Connect(ctx, decision.Location)
	if err != nil {
		log.Printf("listener: connect %s: %v", decision.Location, err)
		return
	}
	defer outboundStream.Close()

	if len(result.ConnectionSuccessResponse) > 0 {
		if _, err := stream.Write(result.ConnectionSuccessResponse); err != nil {
			log.Printf("listener: write connection success response: %v", err)
			return
		}
	}
	if len(result.InitialRemoteData) > 0 {
		if _, err := outboundStream.Write(result.InitialRemoteData); err != nil {
			log.Printf("listener: write initial remote data: %v", err)
			return
		}
	}

	client := stream
	if result.Stream != nil {
		client = result.Stream
	}
	if err := copier.Bytes(client, outboundStream, result.NeedInitialFlush, false); err != nil {
		log.Printf("listener: copy %s: %v", result.RemoteLocation, err)
	}
}

func (s *Server) forwardUDP(ctx context.Context, result protocol.SetupResult) {
	decision := s.Selector.Load().Judge(ctx, result.RemoteLocation, s.Resolver)
	if decision.Blocked {
		log.Printf("listener: blocked udp association to %s", result.RemoteLocation)
		result.MessageStream.Close()
		return
	}

	outboundStream, err := (&outbound.UDPConnector{BindInterface: s.UDPBindInterface}).Connect(decision.Location)
	if err != nil {
		log.Printf("listener: connect udp %s: %v", decision.Location, err)
		result.MessageStream.Close()
		return
	}

	if err := copyUDP(result, outboundStream); err != nil {
		log.Printf("listener: copy udp %s: %v", result.RemoteLocation, err)
	}
}

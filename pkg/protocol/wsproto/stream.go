package wsproto

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nerveproxy/pkg/streams"
)

// wsStream adapts gorilla/websocket's message-oriented Conn into the
// byte-oriented streams.ByteStream every protocol handler in this repo
// expects, the same wrapping idiom used by websocket-transport proxy
// implementations generally: each Write is one binary frame, and Read
// drains frames as they arrive.
type wsStream struct {
	conn *websocket.Conn

	mu sync.Mutex
	r  io.Reader

	closeOnce sync.Once
	stopPing  chan struct{}
}

func newWSStream(conn *websocket.Conn, pingType PingType) *wsStream {
	s := &wsStream{conn: conn, stopPing: make(chan struct{})}
	if pingType != PingDisabled {
		go s.pingLoop(pingType)
	}
	return s
}

func (s *wsStream) pingLoop(pingType PingType) {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			var err error
			if pingType == PingEmptyFrame {
				err = s.conn.WriteMessage(websocket.BinaryMessage, nil)
			} else {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			if err != nil {
				return
			}
		}
	}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() { close(s.stopPing) })
	return s.conn.Close()
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

var _ streams.ByteStream = (*wsStream)(nil)

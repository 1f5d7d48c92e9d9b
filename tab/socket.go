package tab

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deltatabs/logging"
)

// Socket is a message oriented transport. ReadMessage is only called from
// one goroutine; WriteMessage and Close may be called concurrently.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Socket, error)
}

// WSDialer dials game servers over websocket.
type WSDialer struct {
	Origin           string
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WSDialer) Dial(ctx context.Context, addr string) (Socket, error) {
	hdr := http.Header{}
	for k, v := range d.Header {
		hdr[k] = v
	}
	if d.Origin != "" {
		hdr.Set("Origin", d.Origin)
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	c, resp, err := dialer.DialContext(ctx, addr, hdr)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			logging.Debugf("ws dial %s failed: %s %s", addr, resp.Status, body)
		}
		return nil, err
	}
	return &wsSocket{conn: c}, nil
}

type wsSocket struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteMessage(msg []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (s *wsSocket) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

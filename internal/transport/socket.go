package transport

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Socket is the minimal duplex-message abstraction Transport drives. It
// exists so tests can substitute a fake without opening a real socket;
// gorillaSocket is the production implementation.
type Socket interface {
	ReadMessage() (string, error)
	WriteMessage(raw string) error
	Close() error
}

// Dialer opens a new Socket. It is invoked both for the initial connect
// and for every reconnect attempt.
type Dialer func(ctx context.Context) (Socket, error)

// gorillaSocket adapts a *websocket.Conn to Socket, exactly the read/write
// shape used by the teacher's Home Assistant client and by
// abrahamVado-DriftPursuit's broker client pumps.
type gorillaSocket struct {
	conn *websocket.Conn
}

// NewGorillaDialer builds a Dialer that opens a *websocket.Conn at url
// using dialer, wrapping it as a Socket.
func NewGorillaDialer(dialer *websocket.Dialer, url string, header map[string][]string) Dialer {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return func(ctx context.Context) (Socket, error) {
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("transport: dial: %w", err)
		}
		return &gorillaSocket{conn: conn}, nil
	}
}

func (s *gorillaSocket) ReadMessage() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *gorillaSocket) WriteMessage(raw string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func (s *gorillaSocket) Close() error {
	return s.conn.Close()
}

// IsRetryableCloseError classifies a socket read/write error as retryable
// (worth reconnecting over) or not, using gorilla's close-code helpers —
// the same distinction abrahamVado-DriftPursuit's broker draws between a
// going-away/normal closure and an unexpected one.
func IsRetryableCloseError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return false
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	// Anything else (read/write errors not carrying a close frame at
	// all, e.g. a dropped TCP connection) is treated as retryable.
	return true
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"signalwatch/internal/marketdata/conn"
)

// Dialer opens ticker streams over gorilla/websocket.
type Dialer struct {
	ws *websocket.Dialer
}

// NewDialer creates a stream dialer. The handshake is bounded by the context
// passed to Dial.
func NewDialer() *Dialer {
	return &Dialer{ws: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}}
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (conn.Stream, error) {
	c, resp, err := d.ws.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &stream{c: c}, nil
}

type stream struct {
	c *websocket.Conn
}

func (s *stream) ReadMessage() ([]byte, error) {
	_, data, err := s.c.ReadMessage()
	return data, err
}

func (s *stream) WriteJSON(v any) error {
	_ = s.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.c.WriteJSON(v)
}

func (s *stream) Close() error {
	_ = s.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.c.Close()
}

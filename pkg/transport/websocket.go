package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const defaultDialTimeout = 10 * time.Second

// WSDialer dials WebSocket channels. The zero value is ready to use.
type WSDialer struct {
	// Options are passed through to websocket.Dial. Nil means defaults.
	Options *websocket.DialOptions
	// DialTimeout bounds a single dial attempt. Zero means 10s.
	DialTimeout time.Duration
}

// Dial opens a WebSocket connection to url and wraps it as a Channel.
func (d WSDialer) Dial(ctx context.Context, url string) (Channel, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, d.Options)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status: %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1024 * 1024)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}

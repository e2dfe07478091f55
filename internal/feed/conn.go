package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established feed socket.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens feed sockets. The client dials again after every disconnect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenSource returns a bearer token for the feed handshake.
type TokenSource func(ctx context.Context) (string, error)

const (
	wsReadTimeout = 90 * time.Second
	wsPongTimeout = 10 * time.Second
)

// WSDialer dials the server's /ws endpoint with gorilla/websocket.
type WSDialer struct {
	URL    string
	Token  TokenSource
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if d.Token != nil {
		token, err := d.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("feed token: %w", err)
		}
		q := target.Query()
		q.Set("token", token)
		target.RawQuery = q.Encode()
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	// Server pings keep the read deadline moving; a silent server is treated as a drop.
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsPongTimeout))
	})
	return wsConn{conn}, nil
}

type wsConn struct {
	*websocket.Conn
}

func (c wsConn) ReadJSON(v interface{}) error {
	if err := c.Conn.ReadJSON(v); err != nil {
		return err
	}
	return c.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open transport connection. WriteMessage must be safe for
// concurrent use; ReadMessage is only called from the read loop.
type Conn interface {
	ReadMessage() (*Message, error)
	WriteMessage(msg *Message) error
	Close() error
}

// Transport opens connections to the server
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

const writeTimeout = 10 * time.Second

// WebsocketTransport carries JSON frames over a websocket
type WebsocketTransport struct {
	url         string
	accessToken string
	dialer      *websocket.Dialer
}

// NewWebsocketTransport creates a transport for serverURL. http and https
// URLs are mapped to ws and wss.
func NewWebsocketTransport(serverURL, accessToken string) (*WebsocketTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	return &WebsocketTransport{
		url:         u.String(),
		accessToken: accessToken,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}, nil
}

// URL returns the websocket URL the transport dials
func (t *WebsocketTransport) URL() string {
	return t.url
}

// Connect dials the server
func (t *WebsocketTransport) Connect(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.accessToken != "" {
		header.Set("Authorization", "Bearer "+t.accessToken)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %s: %w", t.url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", t.url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() (*Message, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		return &msg, nil
	}
}

func (c *wsConn) WriteMessage(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

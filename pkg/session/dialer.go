package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RepGraphics/panel-sub000/pkg/remote"
)

// Conn is a single established daemon websocket. Implementations must be
// safe for one concurrent reader and one concurrent writer.
type Conn interface {
	ReadMessage() (*remote.Message, error)
	WriteMessage(*remote.Message) error
	Close() error
}

// Dialer establishes a Conn to a daemon socket URL. The context carries the
// connect timeout.
type Dialer func(ctx context.Context, socketURL string) (Conn, error)

// CloseError reports a websocket close frame received from the daemon.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code %d: %s", e.Code, e.Text)
}

// WebsocketDialer is the production Dialer, backed by gorilla/websocket.
func WebsocketDialer(ctx context.Context, socketURL string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketURL, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() (*remote.Message, error) {
	var msg remote.Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return &msg, nil
}

func (c *wsConn) WriteMessage(msg *remote.Message) error {
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

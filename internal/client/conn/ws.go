package conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

// wsDialer is the production Dialer backed by coder/websocket.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		// A rejected upgrade usually means the token aged out while we
		// were offline; surface it so the manager refreshes.
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: server rejected token", syncpkg.ErrAuthExpired)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Dial opens a client-side WebSocket connection and wraps it in a
// Connection. The caller owns the returned connection and must Close it.
func Dial(ctx context.Context, url string, config ConnectionConfig, logger *slog.Logger) (*Connection, error) {
	wsConn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	var wg sync.WaitGroup
	conn := NewConnection(context.WithoutCancel(ctx), &wg, wsConn, config, nil, nil, logger)
	return conn, nil
}

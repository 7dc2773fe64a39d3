package transport

import (
	"context"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// DialWebSocket opens a binary WebSocket and exposes it as a net.Conn so the
// socket channel can run frames over it unchanged.
func DialWebSocket(ctx context.Context, url string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(cfg.Limits.MaxFrame())
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

// AcceptWebSocket upgrades an HTTP request. The returned conn outlives the
// request context, so the handler must block until the channel is done.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, cfg Config, originPatterns []string) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(cfg.Limits.MaxFrame())
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

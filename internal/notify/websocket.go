package notify

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(ctx context.Context, message []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeWebSocket upgrades the request and subscribes the client to channel
// until it disconnects. Client frames are ignored.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	sub, err := h.Subscribe(channel, &wsWriter{conn: conn})
	if err != nil {
		h.logger.WithError(err).Warn("Rejecting websocket subscriber")
		_ = conn.Close(websocket.StatusTryAgainLater, "busy")
		return
	}

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	h.Unsubscribe(sub)
}

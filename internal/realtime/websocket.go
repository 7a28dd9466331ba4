package realtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client-sent message shapes. Anything else draws an error message and the
// connection stays open.
type clientMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.conn, v)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// HandleWS upgrades the request and serves the subscribe/unsubscribe protocol
// until the peer disconnects. The user id comes from the `user` query
// parameter; session authentication happens upstream of this server.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.WithError(err).Debug("websocket accept failed")
		return
	}

	clientID := uuid.NewString()
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "anonymous"
	}
	sender := &wsConn{conn: conn}
	s.register(clientID, userID, sender)
	defer s.unregister(clientID)

	ctx := r.Context()
	if err := sender.Send(ctx, map[string]any{"type": "connected", "clientId": clientID}); err != nil {
		return
	}

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			// Unparseable frame: tell the client and keep reading unless the
			// connection itself is gone.
			if status != -1 {
				return
			}
			if sendErr := sender.Send(ctx, map[string]any{"type": "error", "message": "invalid message"}); sendErr != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.BoardID != "" {
				s.Subscribe(clientID, msg.BoardID)
			}
		case "unsubscribe":
			if msg.BoardID != "" {
				s.Unsubscribe(clientID, msg.BoardID)
			}
		default:
			if err := sender.Send(ctx, map[string]any{"type": "error", "message": "invalid message"}); err != nil {
				return
			}
		}
	}
}

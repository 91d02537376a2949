package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dorm-access/internal/broadcast"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4 << 10
)

// Frame is one WebSocket message.
type Frame struct {
	Type broadcast.Topic `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data any             `json:"data"`
}

// WSHandler serves the live channel over WebSocket.
type WSHandler struct {
	live     *broadcast.LiveChannel
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler constructs a WSHandler. A nil checkOrigin accepts every origin.
func NewWSHandler(live *broadcast.LiveChannel, checkOrigin func(*http.Request) bool, logger *zap.Logger) (*WSHandler, error) {
	if live == nil {
		return nil, errors.New("ws handler: nil live channel")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		live: live,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// ServeHTTP handles GET /stream/ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	err = h.live.Serve(ctx, &wsSink{conn: conn})
	closeCode := websocket.CloseNormalClosure
	reason := ""
	switch {
	case errors.Is(err, broadcast.ErrLagged):
		closeCode, reason = websocket.ClosePolicyViolation, "lagged"
	case errors.Is(err, broadcast.ErrClosed):
		closeCode, reason = websocket.CloseGoingAway, "shutdown"
	case err != nil:
		h.logger.Debug("websocket stream ended", zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(wsWriteWait))
}

// readPump drains client frames so control messages are processed; any read error ends the session.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(msg broadcast.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(Frame{Type: msg.Topic, Seq: msg.Seq, Data: msg.Payload})
}

package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"dorm-access/internal/broadcast"
)

// StreamHandler serves the live channel as Server-Sent Events.
type StreamHandler struct {
	live   *broadcast.LiveChannel
	logger *zap.Logger
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(live *broadcast.LiveChannel, logger *zap.Logger) (*StreamHandler, error) {
	if live == nil {
		return nil, errors.New("stream handler: nil live channel")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{live: live, logger: logger}, nil
}

// ServeHTTP handles GET /stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	err := h.live.Serve(r.Context(), sink)
	switch {
	case err == nil:
	case errors.Is(err, broadcast.ErrLagged):
		h.logger.Info("sse client evicted for lagging")
	case errors.Is(err, broadcast.ErrClosed):
		h.logger.Debug("sse stream closed by shutdown")
	default:
		h.logger.Debug("sse stream ended", zap.Error(err))
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// Send writes one SSE frame: event, optional id, single-line JSON data.
func (s *sseSink) Send(msg broadcast.Message) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(s.w)
	_, _ = buf.WriteString("event: " + string(msg.Topic) + "\n")
	if msg.Seq > 0 {
		_, _ = buf.WriteString("id: " + strconv.FormatUint(msg.Seq, 10) + "\n")
	}
	_, _ = buf.WriteString("data: ")
	_, _ = buf.Write(data)
	_, _ = buf.WriteString("\n\n")
	if err := buf.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fairwatch/internal/faults"
)

const (
	defaultReadTimeout   = 60 * time.Second
	defaultWriteDeadline = 10 * time.Second
	defaultMaxMessage    = 512 << 10
)

// Reply is written back for every inbound message.
type Reply struct {
	Type   string  `json:"type"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// StreamOptions tune the WebSocket endpoint.
type StreamOptions struct {
	ReadTimeout     time.Duration
	WriteDeadline   time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool
}

// StreamHandler accepts outcome streams over WebSocket.
type StreamHandler struct {
	pipeline *Pipeline
	opts     StreamOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler builds the WebSocket endpoint around a pipeline.
func NewStreamHandler(p *Pipeline, opts StreamOptions, logger zerolog.Logger) *StreamHandler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = defaultWriteDeadline
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessage
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &StreamHandler{
		pipeline: p,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		logger: logger.With().Str("component", "ingest_ws").Logger(),
	}
}

// ServeHTTP upgrades the connection and processes messages until the peer
// disconnects or its session is rejected.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteDeadline)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	go h.keepalive(ctx, conn, &writeMu)

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("ingest stream opened")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ingest stream read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if werr := write(Reply{Type: "error", Error: "malformed message: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		res, err := h.pipeline.Ingest(ctx, msg)
		switch {
		case faults.IsAuthentication(err):
			_ = write(Reply{Type: "error", Error: err.Error()})
			h.closeWith(conn, &writeMu, websocket.ClosePolicyViolation, "session rejected")
			return
		case err != nil:
			if werr := write(Reply{Type: "partial", Error: err.Error(), Result: &res}); werr != nil {
				return
			}
		default:
			if werr := write(Reply{Type: "ack", Result: &res}); werr != nil {
				h.logger.Debug().Err(werr).Msg("ack write failed")
				return
			}
		}
	}
}

func (h *StreamHandler) keepalive(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex) {
	ticker := time.NewTicker(h.opts.ReadTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteDeadline))
			mu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (h *StreamHandler) closeWith(conn *websocket.Conn, mu *sync.Mutex, code int, text string) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.opts.WriteDeadline))
}

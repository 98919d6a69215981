package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell/api/internal/editor"
	"inkwell/api/internal/logging"
)

const (
	sessionWriteWait  = 10 * time.Second
	sessionPingPeriod = 30 * time.Second
	sessionPongWait   = 60 * time.Second
	sessionMaxMessage = 4 << 20
	sessionQueueSize  = 64
)

var errUnknownMessage = errors.New("unknown message type")

// sourceRequest is a client message on the source editing socket.
type sourceRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// sourceReply is a server message: a session event or a rejected request.
type sourceReply struct {
	Type   string         `json:"type"`
	State  *editor.State  `json:"state,omitempty"`
	Notice *editor.Notice `json:"notice,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
		},
	}
}

// handleSourceSession serves one source editing session over a websocket.
// Reads happen on the handler goroutine; every write goes through a single
// writer goroutine.
func (s *HTTPServer) handleSourceSession(w http.ResponseWriter, r *http.Request, ownerID, documentID string) {
	replies := make(chan sourceReply, sessionQueueSize)
	logger := logging.FromContext(r.Context()).With(zap.String("document_id", documentID))

	enqueue := func(reply sourceReply) {
		select {
		case replies <- reply:
		default:
			logger.Warn("source session queue full, dropping event", zap.String("type", reply.Type))
		}
	}

	session, err := s.service.OpenSourceSession(r.Context(), ownerID, documentID, func(event editor.Event) {
		enqueue(sourceReply{Type: string(event.Type), State: event.State, Notice: event.Notice})
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer func() { _ = session.Close() }()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(sessionMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go writeReplies(ctx, conn, replies, s.pingPeriod, logger)

	state := session.Snapshot()
	enqueue(sourceReply{Type: string(editor.EventState), State: &state})

	for {
		var request sourceRequest
		if err := conn.ReadJSON(&request); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("source session closed", zap.Error(err))
			}
			return
		}

		switch request.Type {
		case "edit":
			err = session.Edit(request.Text)
		case "toggle":
			err = session.Toggle(ctx, editor.Mode(request.Mode))
		default:
			err = errUnknownMessage
		}
		if err == nil {
			continue
		}
		// Conversion and save failures already reached the client as notices.
		if errors.Is(err, errUnknownMessage) || errors.Is(err, editor.ErrUnknownMode) || errors.Is(err, editor.ErrNotSourceMode) {
			enqueue(sourceReply{Type: "error", Error: err.Error()})
			continue
		}
		if errors.Is(err, editor.ErrSessionClosed) {
			return
		}
		logger.Debug("source session request failed", zap.String("type", request.Type), zap.Error(err))
	}
}

func writeReplies(ctx context.Context, conn *websocket.Conn, replies <-chan sourceReply, pingPeriod time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(sessionWriteWait))
			return
		case reply := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := conn.WriteJSON(reply); err != nil {
				logger.Warn("write source session reply failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sessionWriteWait)); err != nil {
				return
			}
		}
	}
}

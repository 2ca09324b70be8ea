package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"playerhub/internal/fleet"
)

// wsConn adapts a nhooyr websocket connection to fleet.Conn. Writes are
// serialized with a mutex because the handler and the dispatcher may send
// from different goroutines.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(status fleet.CloseStatus, reason string) error {
	code := websocket.StatusNormalClosure
	switch status {
	case fleet.CloseServerError:
		code = websocket.StatusInternalError
	case fleet.CloseGoingAway:
		code = websocket.StatusGoingAway
	}
	return c.conn.Close(code, reason)
}

// handleWS is the player connection endpoint. Credentials are checked
// before the upgrade so a bad handshake is refused with a plain HTTP
// status instead of an accepted-then-closed socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	meta, err := s.authenticateHandshake(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, errMissingDeviceID) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("handshake refused", "err", err, "ip", clientIP(r))
		http.Error(w, http.StatusText(status), status)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(1 << 16)

	wc := newWSConn(conn)
	handler := fleet.NewConnHandler(s.fleet, wc, meta)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := handler.Admit(ctx); err != nil {
		s.logger.Error("admit connection", "err", err, "device", meta.DeviceID)
		wc.Close(fleet.CloseServerError, "admission failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	// Cancel reads when the server stops so pumps drain promptly.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.readPump(ctx, handler, wc)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	handler.Close(closeCtx)

	select {
	case <-s.done:
		wc.Close(fleet.CloseGoingAway, "server shutdown")
	default:
		wc.Close(fleet.CloseNormal, "")
	}
}

// readPump delivers inbound frames to the handler until the connection
// or the context ends.
func (s *Server) readPump(ctx context.Context, handler *fleet.ConnHandler, wc *wsConn) {
	for {
		msgType, data, err := wc.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("ws read", "conn", wc.ID(), "err", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		handler.HandleFrame(ctx, data)
	}
}

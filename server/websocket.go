package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/xiaonanln/fanverse/transport"
	"github.com/xiaonanln/fanverse/transport/ws"
)

const maxInboundMessageSize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong on the proxy in front of this service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebsocket handles GET /ws?user={id}: it upgrades the connection,
// binds it to the user's actor and pumps inbound frames until the peer goes
// away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userId := r.URL.Query().Get("user")
	if userId == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed for %s: %v", userId, err)
		return
	}
	wsConn.SetReadLimit(maxInboundMessageSize)

	conn := ws.NewConn(wsConn)
	if err := s.pipeline.Connect(r.Context(), userId, conn); err != nil {
		s.logger.Errorf("failed to bind connection for %s: %v", userId, err)
		_ = conn.Close(transport.CloseInternalErr, "internal error")
		return
	}

	s.logger.Infof("user %s connected (session %s)", userId, conn.Id())
	go s.readLoop(userId, conn)
}

// readLoop pumps inbound frames into the pipeline. It exits when the peer
// disconnects or sends something unreadable, and unbinds the connection.
func (s *Server) readLoop(userId string, conn *ws.Conn) {
	defer func() {
		s.pipeline.Disconnect(userId)
		_ = conn.Close(transport.CloseNormal, "bye")
		s.logger.Infof("user %s disconnected (session %s)", userId, conn.Id())
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, transport.ErrMalformedPayload) {
				_ = conn.Close(transport.CloseUnsupportedData, "unsupported message")
			}
			return
		}
		if err := s.pipeline.HandleClientFrame(userId, data); err != nil {
			if errors.Is(err, transport.ErrMalformedPayload) {
				s.logger.Debugf("malformed frame from %s: %v", userId, err)
				continue
			}
			return
		}
	}
}

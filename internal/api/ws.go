package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/classroom-relay/internal/auth"
	"github.com/npezzotti/classroom-relay/internal/server"
)

// serveWs admits the request through the gate and only then upgrades it.
// A rejected request gets a 401 with the reason and never reaches the hub.
func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, err := s.gate.Admit(r)
	if err != nil {
		var rejectErr *auth.RejectError
		if errors.As(err, &rejectErr) {
			s.writeJson(w, http.StatusUnauthorized, NewRejectedError(rejectErr.Reason))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if s.hub.Draining() {
		s.writeError(w, NewServiceUnavailableError(server.ErrShuttingDown))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(id, conn, s.hub, s.log)

	s.hub.Register(client)
	go client.Write()
	go client.Read()
}

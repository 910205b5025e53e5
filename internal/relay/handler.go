package relay

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/david-relay/internal/observability"
)

var upgrader = websocket.Upgrader{
	// Clients are terminals and scripts, not browsers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// NewHandler returns the WebSocket endpoint. Each connection runs its own
// Session until the client leaves; the request context cancels it on
// server shutdown.
func NewHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		session := NewSession(conn, deps)
		session.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("New WebSocket connection established")

		if err := session.Run(r.Context()); err != nil {
			session.logger.Info().Err(err).Msg("Session closed with error")
		}
	}
}

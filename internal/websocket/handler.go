package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/calsync/internal/auth"
)

// HandleWebSocket upgrades an authenticated request and streams the user's
// calendar changes until the connection closes.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if userID == 0 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "user_id", userID, "error", err)
			return
		}

		logger.Debug("websocket connected", "user_id", userID)
		client := NewClient(hub, conn, userID)
		client.Run(r.Context())
		logger.Debug("websocket disconnected", "user_id", userID)
	}
}

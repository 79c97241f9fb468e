package session

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

// Handler upgrades each request to a websocket link and accepts it as a
// session. The page's origin is taken from the Origin header, not from what
// the page claims. upgrader may be nil; every origin is then let through to
// admission.
func (m *Manager) Handler(upgrader *websocket.Upgrader) http.Handler {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		observed := &envelope.Identity{Origin: r.Header.Get("Origin")}
		if _, err := m.Accept(r.Context(), link.NewWebSocketLink(conn, observed)); err != nil {
			m.logger.Info("connection not accepted", zap.String("origin", observed.Origin), zap.Error(err))
		}
	})
}

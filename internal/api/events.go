package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/victorgomez09/posauth/internal/auth/monitor"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// SessionEvent is the message pushed to event stream clients.
type SessionEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

const EventSessionExpired = "session_expired"

// handleEvents streams the expiry of the caller's session over a websocket. The stream
// closes after delivering the event.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := authFrom(r.Context()).Claims.SessionToken()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("Event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := make(chan monitor.Event, 1)
	unsubscribe := a.events.Subscribe(func(e monitor.Event) {
		if e.Token != token {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	// The client never sends anything meaningful; reading surfaces its close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := SessionEvent{Type: EventSessionExpired, UserID: e.UserID, ExpiredAt: e.ExpiredAt}
			if err := conn.WriteJSON(msg); err != nil {
				a.logger.Debug("Event stream write failed", zap.Error(err))
				return
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, EventSessionExpired),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-a.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents upgrades to a websocket and streams the instance's
// asynchronous QMP events as JSON text messages. The connection is forced
// open first so subscribers start receiving without having to issue a
// command, and a missing socket is reported before the upgrade.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")

	if _, err := s.agent.Registry().Get(instanceID); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Warn("websocket upgrade failed", "instance", instanceID, "error", err)
		return
	}
	defer ws.Close()

	sub := s.agent.Hub().Subscribe(instanceID)
	defer sub.Close()

	// Drain client frames so pings are answered and a client close ends
	// the stream promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := ws.WriteJSON(event); err != nil {
				s.logger.Debug("event stream closed", "instance", instanceID, "error", err)
				return
			}
		}
	}
}

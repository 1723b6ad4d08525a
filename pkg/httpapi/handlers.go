package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MRoie/lego-loco-cluster/pkg/agent"
	"github.com/MRoie/lego-loco-cluster/pkg/input"
	"github.com/MRoie/lego-loco-cluster/pkg/qmp"
)

// healthResponse is the list-instances surface.
type healthResponse struct {
	Status             string   `json:"status"`
	ConnectedInstances []string `json:"connected_instances"`
	SocketDir          string   `json:"socket_dir"`
}

// inputRequest is the POST /input/{id} body.
type inputRequest struct {
	Type   string `json:"type"`
	Key    string `json:"key,omitempty"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Button string `json:"button,omitempty"`
	Action string `json:"action,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:             "ok",
		ConnectedInstances: s.agent.Registry().Connected(),
		SocketDir:          s.cfg.SocketDir,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")

	status, err := s.agent.QueryStatus(r.Context(), instanceID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")

	// An empty body is treated as {}, which falls through to the default
	// space tap. Truncated JSON is still malformed.
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	// Bound the number of input dispatches in flight across all
	// instances. Per-instance ordering still comes from the connection
	// lock, not from this gate.
	if err := s.inflight.Acquire(r.Context(), 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "server busy")
		return
	}
	defer s.inflight.Release(1)

	var (
		result agent.InputResult
		err    error
	)
	switch req.Type {
	case "", "key":
		key := req.Key
		if key == "" {
			key = "space"
		}
		action, perr := input.ParseKeyAction(req.Action)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		result, err = s.agent.SendKey(r.Context(), instanceID, key, action)
	case "mouse":
		action, perr := input.ParseMouseAction(req.Action)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		result, err = s.agent.SendMouse(r.Context(), instanceID, req.X, req.Y, req.Button, action)
	default:
		writeError(w, http.StatusBadRequest, "unknown event type: "+req.Type)
		return
	}

	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorStatus maps the error taxonomy onto HTTP status codes. Encoder
// rejections are the client's fault; everything touching the transport is
// a gateway problem.
func errorStatus(err error) int {
	var cmdErr *qmp.CommandError
	switch {
	case errors.Is(err, input.ErrUnknownKey),
		errors.Is(err, input.ErrUnknownButton),
		errors.Is(err, input.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, qmp.ErrSocketNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInstanceUnavailable),
		errors.Is(err, qmp.ErrProtocolTimeout),
		errors.Is(err, qmp.ErrTransportClosed),
		errors.Is(err, qmp.ErrHandshakeFailed),
		errors.As(err, &cmdErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError emits the stable {"error": msg} shape. Internal diagnostic
// detail never rides along.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

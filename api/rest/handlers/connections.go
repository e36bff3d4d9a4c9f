package handlers

import (
	"net/http"
	"strings"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"
)

// ConnectionHandler keeps the registry of API Gateway websocket connections.
type ConnectionHandler struct {
	conns  repository.ConnectionStore
	logger logging.Logger
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(conns repository.ConnectionStore, logger logging.Logger) *ConnectionHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ConnectionHandler{conns: conns, logger: logger}
}

// ConnectionEvent is the body of POST /connections
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
	EventType    string `json:"eventType"`
}

// Handle handles POST /connections
func (h *ConnectionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var ev ConnectionEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if ev.ConnectionID == "" {
		writeError(w, r, h.logger, apperr.MissingField("connectionId"))
		return
	}

	var (
		err error
		msg string
	)
	switch strings.ToUpper(ev.EventType) {
	case models.ConnectEvent:
		err = h.conns.Add(r.Context(), ev.ConnectionID)
		msg = "Connected."
	case models.DisconnectEvent, models.CloseEvent:
		err = h.conns.Remove(r.Context(), ev.ConnectionID)
		msg = "Disconnected."
	default:
		writeError(w, r, h.logger, apperr.Validation("eventType", "Unrecognized eventType."))
		return
	}
	if err != nil {
		writeError(w, r, h.logger, apperr.Storage("connection registry", err))
		return
	}
	h.logger.Debug(r.Context(), "connection event", "connection_id", ev.ConnectionID, "event", ev.EventType)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

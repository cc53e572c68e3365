package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/realtime"
)

// RealtimeHandler handles WebSocket connections for hook event streaming.
type RealtimeHandler struct {
	broker *realtime.Broker
}

// NewRealtimeHandler creates a new realtime handler.
func NewRealtimeHandler(broker *realtime.Broker) *RealtimeHandler {
	return &RealtimeHandler{broker: broker}
}

// HandleWebSocket upgrades HTTP connections to WebSocket and manages the
// client lifecycle. A comma separated "hooks" query parameter creates an
// initial subscription.
func (h *RealtimeHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	client := realtime.NewClient(conn, h.broker)
	if err := h.broker.RegisterClient(client); err != nil {
		status := websocket.StatusTryAgainLater
		if errors.Is(err, realtime.ErrClientClosed) {
			status = websocket.StatusGoingAway
		}
		conn.Close(status, err.Error())
		return
	}

	connectedPayload, _ := json.Marshal(&realtime.ConnectedPayload{
		ClientID: client.ID,
	})
	_ = client.Send(&realtime.Message{
		Type:    realtime.MessageTypeConnected,
		Payload: connectedPayload,
	})

	if raw := r.URL.Query().Get("hooks"); raw != "" {
		if _, err := client.Subscribe("", strings.Split(raw, ",")); err != nil {
			_ = client.SendError("", realtime.ErrorCodeInvalidPattern, err.Error())
		}
	}

	client.Run()
}

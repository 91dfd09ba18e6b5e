package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"ms-signup/internal/logger"
	"ms-signup/internal/sse"

	"github.com/go-chi/chi/v5"
)

// SSEHandler streams live plan status events to connected clients.
type SSEHandler struct {
	Logger  *logger.Logger
	Emitter *sse.PlanEventEmitter
}

func NewSSEHandler(log *logger.Logger, emitter *sse.PlanEventEmitter) *SSEHandler {
	return &SSEHandler{Logger: log, Emitter: emitter}
}

// HandlePlanEvents streams status changes for a single plan until the client
// disconnects.
func (h *SSEHandler) HandlePlanEvents(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	if planID == "" {
		http.Error(w, "Plan ID is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ctx := r.Context()
	eventChan := h.Emitter.SubscribeToPlan(ctx, planID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"planID\":\"%s\"}\n\n", planID)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client connected to plan status events for plan: %s", planID))

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				h.Logger.Debug("SSE", fmt.Sprintf("Channel closed for plan: %s", planID))
				return
			}

			jsonData, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize plan status event: %v", err))
				continue
			}

			fmt.Fprintf(w, "event: plan_status\ndata: %s\n\n", jsonData)
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from plan status events for: %s", planID))
			return
		}
	}
}

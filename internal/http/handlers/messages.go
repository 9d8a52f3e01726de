package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/iago/membership-intake/internal/domain"
)

type messageRequest struct {
	Channel   string     `json:"channel,omitempty"`
	Recipient string     `json:"recipient"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Priority  int        `json:"priority,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// ScheduleMessage queues an outbound message. Requests carrying an
// Idempotency-Key replay the original message instead of scheduling twice.
func (api *API) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var request messageRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			message, err := api.jobsService.GetMessage(r.Context(), entry.ResourceID)
			if err != nil {
				writeServiceError(w, r, err, "failed to load message")
				return
			}
			writeJSON(w, http.StatusOK, message)
			return
		}
	}

	message := domain.Message{
		Channel:   domain.MessageChannel(strings.TrimSpace(request.Channel)),
		Recipient: request.Recipient,
		Subject:   request.Subject,
		Body:      request.Body,
		Priority:  request.Priority,
	}
	if request.NotBefore != nil {
		message.NotBefore = request.NotBefore.UTC()
	}

	scheduled, err := api.jobsService.ScheduleMessage(r.Context(), message)
	if err != nil {
		writeServiceError(w, r, err, "failed to schedule message")
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, scheduled.ID)
	}
	writeJSON(w, http.StatusAccepted, scheduled)
}

func (api *API) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	cancelled, err := api.jobsService.CancelMessage(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to cancel message")
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusConflict, "message_terminal", "message already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "cancelled": true})
}

func (api *API) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	message, err := api.jobsService.GetMessage(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "failed to load message")
		return
	}
	writeJSON(w, http.StatusOK, message)
}

package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if status, err := api.jobsService.GetQueueStatus(r.Context()); err == nil {
		response["queue_length"] = status.QueueLength
		response["is_processing"] = status.IsProcessing
	}
	writeJSON(w, http.StatusOK, response)
}

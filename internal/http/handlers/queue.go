package handlers

import "net/http"

func (api *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.jobsService.GetQueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to load queue status")
		return
	}

	response := map[string]any{
		"queue_length":  status.QueueLength,
		"is_processing": status.IsProcessing,
	}
	if status.CurrentJob != nil {
		response["current_job"] = jobResponse(status.CurrentJob)
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) ClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := api.jobsService.ClearQueue(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to clear queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (api *API) RateLimit(w http.ResponseWriter, r *http.Request) {
	status, err := api.jobsService.RateLimitStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to load rate limit status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

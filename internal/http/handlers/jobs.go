package handlers

import (
	"net/http"
	"strings"
)

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}

	jobs, err := api.jobsService.GetJobHistory(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err, "failed to list jobs")
		return
	}

	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items, "count": len(items)})
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	job, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	cancelled, err := api.jobsService.CancelJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err, "failed to cancel job")
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusConflict, "job_terminal", "job already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "cancelled": true})
}

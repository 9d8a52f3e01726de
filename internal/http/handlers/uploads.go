package handlers

import (
	"errors"
	"net/http"
	"strings"
)

const uploadField = "file"

// Upload accepts a multipart spreadsheet under the "file" field and queues it.
// An optional "owner_id" form value is recorded on the job.
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	if err := r.ParseMultipartForm(api.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart form with a file field is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer file.Close()

	var ownerID *string
	if owner := strings.TrimSpace(r.FormValue("owner_id")); owner != "" {
		ownerID = &owner
	}

	job, err := api.jobsService.SaveUpload(r.Context(), header.Filename, file, ownerID)
	if err != nil {
		writeServiceError(w, r, err, "failed to queue upload")
		return
	}

	response := jobResponse(job)
	response["status_url"] = "/v1/jobs/" + job.ID
	writeJSON(w, http.StatusAccepted, response)
}

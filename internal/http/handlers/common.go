package handlers

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/http/middleware"
	"github.com/iago/membership-intake/internal/repository"
	"github.com/iago/membership-intake/internal/scheduler"
	"github.com/iago/membership-intake/internal/service"
	"github.com/iago/membership-intake/internal/spreadsheet"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 500
	idempotencyTTL        = 24 * time.Hour
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	jobsService    *service.JobsService
	idempotency    *idempotencyStore
	maxUploadBytes int64
}

func NewAPI(jobsService *service.JobsService, maxUploadBytes int64) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &API{
		jobsService:    jobsService,
		idempotency:    newIdempotencyStore(idempotencyTTL),
		maxUploadBytes: maxUploadBytes,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps facade errors onto HTTP statuses. Unknown errors are
// reported as internal without leaking their text.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrDuplicateJob):
		writeError(w, r, http.StatusConflict, "duplicate_job", err.Error())
	case errors.Is(err, spreadsheet.ErrUnsupportedFormat),
		errors.Is(err, service.ErrInvalidUpload),
		errors.Is(err, scheduler.ErrInvalidMessage):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrWorkerDisabled), errors.Is(err, service.ErrDeliveryDisabled):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidPayload
	}
	return min(limit, maxHistoryLimit), nil
}

func jobResponse(job *domain.Job) map[string]any {
	response := map[string]any{
		"job_id":     job.ID,
		"file_name":  job.FileName,
		"tag":        job.Tag,
		"status":     job.Status,
		"progress":   job.Progress,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.ProgressMessage != "" {
		response["progress_message"] = job.ProgressMessage
	}
	if job.StartedAt != nil {
		response["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		response["completed_at"] = job.CompletedAt
	}
	if job.Result != nil {
		response["result"] = job.Result
	}
	if strings.TrimSpace(job.ErrorMessage) != "" {
		response["error"] = map[string]any{
			"code":    "processing_error",
			"message": job.ErrorMessage,
		}
	}
	return response
}

type idempotencyEntry struct {
	PayloadHash uint64
	ResourceID  string
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Since(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		ResourceID:  resourceID,
		CreatedAt:   time.Now().UTC(),
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

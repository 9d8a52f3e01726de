package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/http/handlers"
	"github.com/iago/membership-intake/internal/kv"
	"github.com/iago/membership-intake/internal/notify"
	"github.com/iago/membership-intake/internal/queue"
	"github.com/iago/membership-intake/internal/ratelimit"
	"github.com/iago/membership-intake/internal/repository"
	"github.com/iago/membership-intake/internal/scheduler"
	"github.com/iago/membership-intake/internal/service"
	"github.com/iago/membership-intake/internal/worker"
)

const testToken = "s3cret-token"

type nopSender struct{}

func (nopSender) Send(context.Context, *domain.Message) error { return nil }

type harness struct {
	handler   http.Handler
	jobs      *repository.MemoryStore
	queue     *queue.JobQueue
	hub       *notify.Hub
	uploadDir string
}

func newHarness(t *testing.T, withDelivery bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	state := kv.NewLocalStore()
	jobs := repository.NewMemoryStore()
	jobQueue := queue.NewJobQueue(state, "test_uploads")
	hub := notify.NewHub(nil)
	manager := worker.NewQueueManager(worker.Config{
		Queue: jobQueue,
		Jobs:  jobs,
		State: state,
	})

	cfg := service.Config{
		Jobs:      jobs,
		Producer:  jobQueue,
		Queue:     manager,
		RateLimit: ratelimit.New(state, ratelimit.Config{HourlyLimit: 100}),
		Events:    hub,
		UploadDir: t.TempDir(),
	}
	if withDelivery {
		cfg.Messages = scheduler.New(state, nopSender{}, scheduler.Config{})
	}
	svc := service.NewJobsService(cfg)

	return &harness{
		handler: NewRouter(ctx, RouterDependencies{
			API:       handlers.NewAPI(svc, 1<<20),
			Events:    hub,
			AuthToken: testToken,
		}),
		jobs:      jobs,
		queue:     jobQueue,
		hub:       hub,
		uploadDir: cfg.UploadDir,
	}
}

func (h *harness) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *harness) upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, form.WriteField("owner_id", "operator-3"))
	require.NoError(t, form.Close())
	return h.do(t, http.MethodPost, "/v1/uploads", &body, form.FormDataContentType())
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	payload := decode(t, recorder)
	errBody, ok := payload["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", recorder.Body.String())
	return errBody["code"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, false)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decode(t, recorder)["status"])
	assert.NotEmpty(t, recorder.Header().Get("X-Request-Id"))
}

func TestV1RoutesRequireToken(t *testing.T) {
	h := newHarness(t, false)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "unauthorized", errorCode(t, recorder))
}

func TestUploadQueuesJob(t *testing.T) {
	h := newHarness(t, false)

	recorder := h.upload(t, "ward_79700001.csv", "id_number,first_name,surname,cell_number,ward_code\n")
	require.Equal(t, http.StatusAccepted, recorder.Code, recorder.Body.String())

	payload := decode(t, recorder)
	jobID := payload["job_id"].(string)
	assert.Equal(t, "queued", payload["status"])
	assert.Equal(t, "79700001", payload["tag"])
	assert.Equal(t, "/v1/jobs/"+jobID, payload["status_url"])
	assert.FileExists(t, filepath.Join(h.uploadDir, "ward_79700001.csv"))

	stored, err := h.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, stored.OwnerID)
	assert.Equal(t, "operator-3", *stored.OwnerID)

	length, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestUploadRejectsDuplicatesAndUnsupportedFiles(t *testing.T) {
	h := newHarness(t, false)
	require.Equal(t, http.StatusAccepted, h.upload(t, "ward_1.csv", "a\n").Code)

	duplicate := h.upload(t, "ward_1.csv", "a\n")
	assert.Equal(t, http.StatusConflict, duplicate.Code)
	assert.Equal(t, "duplicate_job", errorCode(t, duplicate))

	unsupported := h.upload(t, "ward_1.pdf", "a\n")
	assert.Equal(t, http.StatusBadRequest, unsupported.Code)

	missing := h.do(t, http.MethodPost, "/v1/uploads", bytes.NewBufferString("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestUploadEnforcesSizeLimit(t *testing.T) {
	h := newHarness(t, false)
	recorder := h.upload(t, "ward_big.csv", strings.Repeat("x", 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	_, err := os.Stat(filepath.Join(h.uploadDir, "ward_big.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestJobLookupListAndCancel(t *testing.T) {
	h := newHarness(t, false)
	jobID := decode(t, h.upload(t, "ward_2.csv", "a\n"))["job_id"].(string)

	got := h.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "ward_2.csv", decode(t, got)["file_name"])

	list := h.do(t, http.MethodGet, "/v1/jobs?limit=10", nil, "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.EqualValues(t, 1, decode(t, list)["count"])

	badLimit := h.do(t, http.MethodGet, "/v1/jobs?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, badLimit.Code)

	cancelled := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, cancelled.Code)
	assert.Equal(t, true, decode(t, cancelled)["cancelled"])

	again := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "job_terminal", errorCode(t, again))

	unknown := h.do(t, http.MethodGet, "/v1/jobs/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestQueueStatusAndClear(t *testing.T) {
	h := newHarness(t, false)
	require.Equal(t, http.StatusAccepted, h.upload(t, "ward_3.csv", "a\n").Code)
	require.Equal(t, http.StatusAccepted, h.upload(t, "ward_4.csv", "a\n").Code)

	status := h.do(t, http.MethodGet, "/v1/queue", nil, "")
	require.Equal(t, http.StatusOK, status.Code)
	payload := decode(t, status)
	assert.EqualValues(t, 2, payload["queue_length"])
	assert.Equal(t, false, payload["is_processing"])

	cleared := h.do(t, http.MethodDelete, "/v1/queue", nil, "")
	require.Equal(t, http.StatusOK, cleared.Code)
	assert.EqualValues(t, 2, decode(t, cleared)["cleared"])

	wrongMethod := h.do(t, http.MethodPut, "/v1/queue", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, wrongMethod.Code)
}

func TestRateLimitStatus(t *testing.T) {
	h := newHarness(t, false)
	recorder := h.do(t, http.MethodGet, "/v1/rate-limit", nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decode(t, recorder)
	assert.EqualValues(t, 100, payload["limit"])
	assert.EqualValues(t, 100, payload["remaining"])
}

func TestMessagesRequireDelivery(t *testing.T) {
	h := newHarness(t, false)
	recorder := h.do(t, http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"recipient":"member@example.org"}`), "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestScheduleMessageIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	send := func(key, body string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
		request.Header.Set("Authorization", "Bearer "+testToken)
		request.Header.Set("Idempotency-Key", key)
		recorder := httptest.NewRecorder()
		h.handler.ServeHTTP(recorder, request)
		return recorder
	}

	body := `{"recipient":"member@example.org","subject":"Renewal","body":"Your membership was renewed."}`
	first := send("renewal-8001015009087", body)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	messageID := decode(t, first)["id"].(string)

	replay := send("renewal-8001015009087", body)
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, messageID, decode(t, replay)["id"])

	conflict := send("renewal-8001015009087", `{"recipient":"other@example.org"}`)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	invalid := send("blank-recipient", `{"recipient":" "}`)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	lookup := h.do(t, http.MethodGet, "/v1/messages/"+messageID, nil, "")
	require.Equal(t, http.StatusOK, lookup.Code)
	assert.Equal(t, "member@example.org", decode(t, lookup)["recipient"])
}

func TestCancelScheduledMessage(t *testing.T) {
	h := newHarness(t, true)
	scheduled := h.do(t, http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"recipient":"member@example.org","subject":"Reminder"}`), "application/json")
	require.Equal(t, http.StatusAccepted, scheduled.Code, scheduled.Body.String())
	messageID := decode(t, scheduled)["id"].(string)

	cancelled := h.do(t, http.MethodPost, "/v1/messages/"+messageID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, cancelled.Code)
	assert.Equal(t, true, decode(t, cancelled)["cancelled"])

	lookup := h.do(t, http.MethodGet, "/v1/messages/"+messageID, nil, "")
	require.Equal(t, http.StatusOK, lookup.Code)
	assert.Equal(t, string(domain.JobStatusCancelled), decode(t, lookup)["status"])

	again := h.do(t, http.MethodPost, "/v1/messages/"+messageID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "message_terminal", errorCode(t, again))

	unknown := h.do(t, http.MethodPost, "/v1/messages/does-not-exist/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestEventsStreamThroughMiddleware(t *testing.T) {
	h := newHarness(t, false)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events?access_token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	h.hub.Broadcast(context.Background(), domain.EventJobQueued, map[string]any{"job_id": "j-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event notify.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, domain.EventJobQueued, event.Name)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/v1/events", nil)
	assert.Error(t, err)
}

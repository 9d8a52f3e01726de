package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iago/membership-intake/internal/http/handlers"
	"github.com/iago/membership-intake/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Events         http.Handler
	Logger         *slog.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the admin API. ctx bounds the rate limiter's background
// sweep.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("POST /v1/uploads", deps.API.Upload)
	mux.HandleFunc("GET /v1/queue", deps.API.QueueStatus)
	mux.HandleFunc("DELETE /v1/queue", deps.API.ClearQueue)
	mux.HandleFunc("GET /v1/jobs", deps.API.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", deps.API.GetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", deps.API.CancelJob)
	mux.HandleFunc("GET /v1/rate-limit", deps.API.RateLimit)
	mux.HandleFunc("POST /v1/messages", deps.API.ScheduleMessage)
	mux.HandleFunc("GET /v1/messages/{id}", deps.API.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", deps.API.CancelMessage)
	if deps.Events != nil {
		mux.Handle("GET /v1/events", deps.Events)
	}

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}

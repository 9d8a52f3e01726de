package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, retries int) *HTTPClient {
	return NewHTTPClient(HTTPClientConfig{
		BaseURL:           url,
		APIKey:            "test-key",
		Timeout:           2 * time.Second,
		MaxRetries:        retries,
		RequestsPerSecond: 1000,
	})
}

func TestHTTPClientVerifySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/identities/8001015009087" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"found": true,
			"province_code": "GP",
			"district_code": "DC42",
			"municipality_code": "GT481",
			"ward_code": "79700001",
			"voting_district_code": "32930012",
			"member": {"status": "active", "expiry_date": "2025-06-30"}
		}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, 1).Verify(context.Background(), "8001015009087")
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, "79700001", result.Geography.WardCode)
	assert.Equal(t, "32930012", result.Geography.VotingDistrictCode)
	require.NotNil(t, result.Member)
	assert.Equal(t, "active", result.Member.Status)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), result.Member.ExpiryDate)
}

func TestHTTPClientNotFoundIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, 1).Verify(context.Background(), "8001015009087")
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestHTTPClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"found": true, "ward_code": "79700001"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, 2).Verify(context.Background(), "8001015009087")
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"malformed identifier"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Verify(context.Background(), "123")
	var verifyErr *Error
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, KindClient, verifyErr.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, verifyErr.StatusCode)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientServerErrorAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 1).Verify(context.Background(), "8001015009087")
	var verifyErr *Error
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, KindServer, verifyErr.Kind)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond, RequestsPerSecond: 1000})
	_, err := client.Verify(context.Background(), "8001015009087")
	var verifyErr *Error
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, KindTimeout, verifyErr.Kind)
}

func TestHTTPClientDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 0).Verify(context.Background(), "8001015009087")
	var verifyErr *Error
	require.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, KindDecode, verifyErr.Kind)
}

func TestHTTPClientUnconfigured(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{}).Verify(context.Background(), "8001015009087")
	assert.ErrorIs(t, err, ErrUnavailable)
}

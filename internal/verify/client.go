// Package verify talks to the external identity verification service that
// confirms an identifier and returns its registered geography.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/iago/membership-intake/internal/domain"
)

var ErrUnavailable = errors.New("verification service not configured")

// Verifier resolves an identifier against the verification service.
type Verifier interface {
	Verify(ctx context.Context, idNumber string) (Result, error)
}

type Result struct {
	Found     bool
	Geography domain.Geography
	Member    *domain.MemberSnapshot
}

type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindClient      ErrorKind = "client"
	KindServer      ErrorKind = "server"
	KindDecode      ErrorKind = "decode"
)

type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("verification %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("verification %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// IsRetryable classifies any error returned by a Verifier.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verifyErr *Error
	if errors.As(err, &verifyErr) {
		return verifyErr.Retryable()
	}
	return false
}

type HTTPClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	httpClient *http.Client
}

func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	burst := int(config.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		httpClient: config.HTTPClient,
	}
}

func (c *HTTPClient) Available() bool {
	return c.baseURL != ""
}

func (c *HTTPClient) Verify(ctx context.Context, idNumber string) (Result, error) {
	if !c.Available() {
		return Result{}, ErrUnavailable
	}
	if strings.TrimSpace(idNumber) == "" {
		return Result{}, &Error{Kind: KindClient, Message: "identifier is required"}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		result, callErr := c.lookup(ctx, idNumber)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		if !IsRetryable(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return Result{}, lastErr
}

type identityResponse struct {
	Found              bool   `json:"found"`
	ProvinceCode       string `json:"province_code"`
	DistrictCode       string `json:"district_code"`
	MunicipalityCode   string `json:"municipality_code"`
	WardCode           string `json:"ward_code"`
	VotingDistrictCode string `json:"voting_district_code"`
	Member             *struct {
		Status     string `json:"status"`
		ExpiryDate string `json:"expiry_date"`
	} `json:"member"`
}

func (c *HTTPClient) lookup(ctx context.Context, idNumber string) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/v1/identities/" + url.PathEscape(idNumber)
	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindClient, Message: "build request", Err: err}
	}
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return Result{}, &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "read body", Err: err}
	}

	switch {
	case response.StatusCode == http.StatusNotFound:
		return Result{Found: false}, nil
	case response.StatusCode == http.StatusTooManyRequests:
		return Result{}, &Error{Kind: KindRateLimited, StatusCode: response.StatusCode, Message: truncate(body)}
	case response.StatusCode >= 500:
		return Result{}, &Error{Kind: KindServer, StatusCode: response.StatusCode, Message: truncate(body)}
	case response.StatusCode < 200 || response.StatusCode > 299:
		return Result{}, &Error{Kind: KindClient, StatusCode: response.StatusCode, Message: truncate(body)}
	}

	var raw identityResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, &Error{Kind: KindDecode, StatusCode: response.StatusCode, Message: "decode identity response", Err: err}
	}
	return raw.toResult(idNumber)
}

func (r identityResponse) toResult(idNumber string) (Result, error) {
	result := Result{
		Found: r.Found,
		Geography: domain.Geography{
			ProvinceCode:       strings.TrimSpace(r.ProvinceCode),
			DistrictCode:       strings.TrimSpace(r.DistrictCode),
			MunicipalityCode:   strings.TrimSpace(r.MunicipalityCode),
			WardCode:           strings.TrimSpace(r.WardCode),
			VotingDistrictCode: strings.TrimSpace(r.VotingDistrictCode),
		},
	}
	if r.Member != nil {
		expiry, err := time.Parse("2006-01-02", strings.TrimSpace(r.Member.ExpiryDate))
		if err != nil {
			return Result{}, &Error{Kind: KindDecode, Message: "invalid member expiry date", Err: err}
		}
		result.Member = &domain.MemberSnapshot{
			IDNumber:   idNumber,
			Status:     strings.TrimSpace(r.Member.Status),
			ExpiryDate: expiry,
		}
	}
	return result, nil
}

func truncate(body []byte) string {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return message
}

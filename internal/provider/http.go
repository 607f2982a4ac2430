package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/evroon/web1090/internal/metrics"
)

// maxBodySize bounds how much of a provider response is read.
const maxBodySize = 16 << 20

// ClientConfig configures the HTTP plumbing shared by all providers.
type ClientConfig struct {
	Name    string
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker; zero means 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPClient issues provider requests with a timeout, rate limit and circuit
// breaker, and decodes JSON payloads into validated structs.
type HTTPClient struct {
	name     string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[*Response]
	validate *validator.Validate
}

// errServer marks 5xx responses so that they count against the breaker.
var errServer = errors.New("server error")

// NewHTTPClient creates a client. A nil base uses a fresh http.Client.
func NewHTTPClient(cfg ClientConfig, base *http.Client) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if base != nil {
		c := *base
		c.Timeout = cfg.Timeout
		client = &c
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	name := cfg.Name
	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})

	return &HTTPClient{
		name:     name,
		client:   client,
		limiter:  limiter,
		breaker:  breaker,
		validate: validator.New(),
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Get performs a GET request. Transport failures, 5xx responses and an open
// breaker return an error wrapping ErrUnavailable; any other status is
// returned to the caller for interpretation.
func (c *HTTPClient) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w: %w", c.name, ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		httpResp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		r := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		if httpResp.StatusCode >= 500 {
			return r, fmt.Errorf("%w: status %d", errServer, httpResp.StatusCode)
		}
		return r, nil
	})
	metrics.ProviderDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		return resp, fmt.Errorf("%s: %w: %w", c.name, ErrUnavailable, err)
	}
	return resp, nil
}

// Decode unmarshals body into v and validates it. Failures are MalformedError.
func (c *HTTPClient) Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &MalformedError{Provider: c.name, Err: err}
	}
	if err := c.validate.Struct(v); err != nil {
		return &MalformedError{Provider: c.name, Err: err}
	}
	return nil
}

// Name returns the provider name used in logs and metrics.
func (c *HTTPClient) Name() string {
	return c.name
}

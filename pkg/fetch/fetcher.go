// Package fetch issues HEAD and ranged GET requests against media origins,
// with retry, error classification and Prometheus metrics.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/streamcache/pkg/logging"
	"github.com/rs/zerolog"
)

// Response is a fully read origin response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher is the transport used by the loader and the preloader.
type Fetcher interface {
	// Head requests the headers of rawURL.
	Head(ctx context.Context, rawURL string) (*Response, error)

	// GetRange requests bytes start..end of rawURL, end inclusive. A negative
	// end requests everything from start.
	GetRange(ctx context.Context, rawURL string, start, end int64) (*Response, error)
}

// Config holds the fetcher configuration.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single attempt including the body transfer.
	Timeout time.Duration

	// Retry selects the retry schedule per error class
	// (default: RetryConfigForErrorClass).
	Retry RetryPolicy

	// HTTPClient overrides the underlying client. Its Timeout is left as is.
	HTTPClient *http.Client
}

// DefaultConfig returns a default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent: "streamcache/1.0",
		Timeout:   30 * time.Second,
		Retry:     RetryConfigForErrorClass,
	}
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates an HTTPFetcher.
func New(cfg Config) (*HTTPFetcher, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}
	if cfg.Retry == nil {
		cfg.Retry = RetryConfigForErrorClass
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPFetcher{
		httpClient: httpClient,
		config:     cfg,
		logger:     logging.NewLogger(logging.ComponentFetch),
	}, nil
}

// Head implements Fetcher.
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (*Response, error) {
	return f.do(ctx, http.MethodHead, rawURL, nil)
}

// GetRange implements Fetcher. A 200 answer carrying the whole resource is
// read only as far as the requested window and its headers are kept.
func (f *HTTPFetcher) GetRange(ctx context.Context, rawURL string, start, end int64) (*Response, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	return f.do(ctx, http.MethodGet, rawURL, &window{start: start, end: end})
}

// RangeHeader formats a Range header value for bytes start..end inclusive.
func RangeHeader(start, end int64) string {
	if end < 0 {
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10)
}

// window is the byte span a GET asks for, end inclusive or negative for open.
type window struct {
	start, end int64
}

func (w *window) header() string {
	if w == nil {
		return ""
	}
	return RangeHeader(w.start, w.end)
}

// readWindow reads at most the window from body. A 200 body starts at offset
// 0, so the bytes before the window are discarded first.
func readWindow(body io.Reader, status int, w *window) ([]byte, error) {
	if w == nil {
		return io.ReadAll(body)
	}
	if status == http.StatusOK && w.start > 0 {
		if _, err := io.CopyN(io.Discard, body, w.start); err != nil {
			if errors.Is(err, io.EOF) {
				return []byte{}, nil
			}
			return nil, err
		}
	}
	if w.end >= 0 {
		body = io.LimitReader(body, w.end-w.start+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// do executes one logical request with retries and returns the read response.
func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string, w *window) (*Response, error) {
	var result *Response
	rangeValue := w.header()

	err := retryWithBackoff(ctx, f.config.Retry, f.logger, func() error {
		resp, err := f.attempt(ctx, method, rawURL, w)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}, ClassOf)
	if err != nil {
		f.logger.Debug().
			Err(err).
			Str("method", method).
			Str("url", rawURL).
			Str("range", rangeValue).
			Msg("Origin request failed")
		return nil, err
	}
	return result, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, method, rawURL string, w *window) (*Response, error) {
	rangeValue := w.header()
	startTime := time.Now()
	defer func() {
		FetchDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Class: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if rangeValue != "" {
		req.Header.Set("Range", rangeValue)
	}

	f.logger.Debug().
		Str("method", method).
		Str("url", rawURL).
		Str("range", rangeValue).
		Msg("Executing origin request")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, f.networkError(ctx, method, "request failed", err)
	}
	defer resp.Body.Close()

	if errorClass := classifyStatus(resp.StatusCode); errorClass != "" {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		FetchErrors.WithLabelValues(string(errorClass)).Inc()
		FetchRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		f.logger.Warn().
			Str("method", method).
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Str("error_class", string(errorClass)).
			Msg("Origin request error")
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Class:      errorClass,
			Message:    resp.Status,
		}
	}

	var body []byte
	if method != http.MethodHead {
		body, err = readWindow(resp.Body, resp.StatusCode, w)
		if err != nil {
			return nil, f.networkError(ctx, method, "read body", err)
		}
	}

	FetchRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (f *HTTPFetcher) networkError(ctx context.Context, method, message string, err error) error {
	errorClass := ErrorClassNetwork
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		errorClass = ErrorClassCancelled
	}
	FetchErrors.WithLabelValues(string(errorClass)).Inc()
	FetchRequests.WithLabelValues(method, "network_error").Inc()
	return &TransportError{Class: errorClass, Message: message, Err: err}
}

package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"invoice-harvester/internal/models"
	"invoice-harvester/internal/retry"
)

// HTTPClient fetches portal documents outside the browser using the
// session's cookies
type HTTPClient struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	sizeLimit  int64
	logger     *zap.Logger
}

func NewHTTPClient(logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   HTTPRequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:     client,
		userAgent:  DefaultUserAgent,
		maxRetries: HTTPMaxRetries,
		sizeLimit:  MaxDocumentBytes,
		logger:     logger.Named("http"),
	}
}

// setRequestHeaders sets browser-like headers on the request
func (h *HTTPClient) setRequestHeaders(req *http.Request, cookies []*http.Cookie) {
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/pdf,application/octet-stream;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "pl-PL,pl;q=0.9,en;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")
	for _, c := range cookies {
		req.AddCookie(c)
	}
}

// retryWithBackoff implements exponential backoff for retries
func (h *HTTPClient) retryWithBackoff(ctx context.Context, targetURL string, cookies []*http.Cookie, retryCount int, cause error) ([]byte, error) {
	if retryCount >= h.maxRetries {
		return nil, fmt.Errorf("max retries exceeded: %w", cause)
	}

	delay := time.Duration(1000*(1<<retryCount)) * time.Millisecond
	if delay > HTTPMaxBackoffDelay {
		delay = HTTPMaxBackoffDelay
	}

	h.logger.Debug("Retrying document fetch",
		zap.String("url", targetURL),
		zap.Int("retry", retryCount+1),
		zap.Duration("delay", delay),
		zap.Error(cause))

	if !retry.Sleep(ctx, delay) {
		return nil, ctx.Err()
	}
	return h.fetch(ctx, targetURL, cookies, retryCount+1)
}

// FetchDocument downloads a document with the given cookies, retrying
// server errors
func (h *HTTPClient) FetchDocument(ctx context.Context, targetURL string, cookies []*http.Cookie) ([]byte, error) {
	return h.fetch(ctx, targetURL, cookies, 0)
}

func (h *HTTPClient) fetch(ctx context.Context, targetURL string, cookies []*http.Cookie, retryCount int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	h.setRequestHeaders(req, cookies)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return h.retryWithBackoff(ctx, targetURL, cookies, retryCount,
			&models.HTTPError{StatusCode: resp.StatusCode, URL: targetURL, Err: fmt.Errorf("server error")})
	}

	if resp.StatusCode >= 400 {
		return nil, &models.HTTPError{StatusCode: resp.StatusCode, URL: targetURL, Err: fmt.Errorf("request rejected")}
	}

	// One byte over the limit tells a truncated body from an exact fit
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.sizeLimit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > h.sizeLimit {
		return nil, fmt.Errorf("document exceeds %d bytes", h.sizeLimit)
	}

	return body, nil
}

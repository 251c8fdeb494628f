package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// outputLimit caps how much of a response body ends up in a Result
const outputLimit = 4 << 10

// HTTPChecker checks a service the way a Consul HTTP check does: a GET whose
// status must fall in [PassMin, PassMax]. A 429 is reported as a warning,
// which still does not count as a pass.
type HTTPChecker struct {
	URL     string
	Header  http.Header
	PassMin int
	PassMax int
	Client  *http.Client
}

// NewHTTPChecker checks url with a 10s client timeout, passing on 2xx
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:     url,
		Header:  make(http.Header),
		PassMin: http.StatusOK,
		PassMax: 299,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues one request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	done := func(healthy bool, format string, args ...any) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return done(false, "invalid check url: %v", err)
	}
	req.Header = h.Header.Clone()
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "condo health check")
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return done(false, "GET %s: %v", h.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, outputLimit))
	output := strings.TrimSpace(string(body))
	if output != "" {
		output = " " + output
	}

	switch code := resp.StatusCode; {
	case code >= h.PassMin && code <= h.PassMax:
		return done(true, "HTTP GET %s: %s%s", h.URL, resp.Status, output)
	case code == http.StatusTooManyRequests:
		return done(false, "HTTP GET %s: %s (warning)%s", h.URL, resp.Status, output)
	default:
		return done(false, "HTTP GET %s: %s, want %d-%d%s", h.URL, resp.Status, h.PassMin, h.PassMax, output)
	}
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader sets a request header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Header.Set(key, value)
	return h
}

// WithStatusRange changes the passing status range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.PassMin, h.PassMax = min, max
	return h
}

// WithTimeout bounds each request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	if timeout > 0 {
		h.Client.Timeout = timeout
	}
	return h
}

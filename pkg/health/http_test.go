package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPChecker_StatusCodes(t *testing.T) {
	tests := []struct {
		code    int
		healthy bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusMovedPermanently, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			checker := NewHTTPChecker(statusServer(t, tt.code).URL)
			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
		})
	}
}

func TestHTTPChecker_CustomStatusRange(t *testing.T) {
	checker := NewHTTPChecker(statusServer(t, http.StatusFound).URL).WithStatusRange(200, 399)
	checker.Client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	assert.True(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_CustomHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Condo-Check") != "yes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithHeader("X-Condo-Check", "yes")
	assert.True(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond)
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_ContextCancelled(t *testing.T) {
	checker := NewHTTPChecker(statusServer(t, http.StatusOK).URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, checker.Check(ctx).Healthy)
	assert.Equal(t, CheckTypeHTTP, checker.Type())
}

func TestHTTPChecker_Output(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "condo health check", r.UserAgent())
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down\n"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "(warning)")
	assert.Contains(t, result.Message, "slow down")
}

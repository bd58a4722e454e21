package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	t.Parallel()
	handler := Chain(okHandler(), RateLimit(1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/meetings", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

func TestRateLimit_PerIP(t *testing.T) {
	t.Parallel()
	handler := Chain(okHandler(), RateLimit(1))

	first := httptest.NewRequest(http.MethodPost, "/api/v1/meetings", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), first)

	other := httptest.NewRequest(http.MethodPost, "/api/v1/meetings", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_OnlySubmissionPath(t *testing.T) {
	t.Parallel()
	handler := Chain(okHandler(), RateLimit(1))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/meetings", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET status = %d, want 200 (reads are not limited)", rec.Code)
		}
	}
}

func TestRateLimit_ZeroIsNoop(t *testing.T) {
	t.Parallel()
	handler := Chain(okHandler(), RateLimit(0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/meetings", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for range 10 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 with limiting disabled", rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:1234", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1234", forwarded: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

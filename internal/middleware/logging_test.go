package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		level  string
	}{
		{"ok", "/api/check_license", http.StatusOK, "level=INFO"},
		{"client error", "/api/check_license", http.StatusNotFound, "level=WARN"},
		{"server error", "/api/check_license", http.StatusServiceUnavailable, "level=ERROR"},
		{"health probe", "/health", http.StatusOK, "level=DEBUG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("hello"))
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("log %q missing %s", out, tt.level)
			}
			if !strings.Contains(out, "path="+tt.path) {
				t.Errorf("log %q missing path", out)
			}
			if !strings.Contains(out, "bytes=5") {
				t.Errorf("log %q missing body size", out)
			}
		})
	}
}

func TestRequestLoggerRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	var seen string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if len(seen) != 26 {
		t.Errorf("generated id = %q, want a 26 char ULID", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-42" {
		t.Errorf("propagated id = %q, want upstream-42", seen)
	}
}

func TestResponseRecorderHijack(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &responseRecorder{ResponseWriter: rec, status: http.StatusOK}
	if rr.Unwrap() != rec {
		t.Error("Unwrap() did not return the wrapped writer")
	}
	if _, _, err := rr.Hijack(); err == nil {
		t.Error("expected hijack error for a recorder")
	}
}

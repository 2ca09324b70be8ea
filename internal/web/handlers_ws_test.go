package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandshakeRefusals(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing token", "/ws?deviceId=p1", http.StatusUnauthorized},
		{"missing device id", "/ws?token=tok", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthenticateHandshakeQuery(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/ws?token=tok-1&deviceId=p1", nil)
	req.Header.Set("User-Agent", "player/2.0")

	meta, err := srv.authenticateHandshake(req)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", meta.Token)
	}
	if meta.DeviceID != "p1" {
		t.Errorf("device id = %q, want p1", meta.DeviceID)
	}
	if meta.UserAgent != "player/2.0" {
		t.Errorf("user agent = %q", meta.UserAgent)
	}
}

func TestAuthenticateHandshakeHeaderFallback(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer tok-2")
	req.Header.Set("X-Device-ID", "p2")

	meta, err := srv.authenticateHandshake(req)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Token != "tok-2" {
		t.Errorf("token = %q, want tok-2", meta.Token)
	}
	if meta.DeviceID != "p2" {
		t.Errorf("device id = %q, want p2", meta.DeviceID)
	}
}

func TestAuthenticateHandshakeVerifierRejects(t *testing.T) {
	srv, _ := setupTestServer(t, WithTokenVerifier(TokenVerifierFunc(
		func(_ context.Context, token string) error {
			return errors.New("token revoked")
		})))

	req := httptest.NewRequest("GET", "/ws?token=tok&deviceId=p1", nil)
	if _, err := srv.authenticateHandshake(req); err == nil {
		t.Fatal("expected verifier rejection")
	}

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/ws?token=tok&deviceId=p1", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"forwarded first hop", "10.0.0.1:4242",
			map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.2"}, "203.0.113.9"},
		{"real ip", "10.0.0.1:4242",
			map[string]string{"X-Real-IP": "203.0.113.10"}, "203.0.113.10"},
		{"forwarded wins over real ip", "10.0.0.1:4242",
			map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "203.0.113.10"}, "203.0.113.9"},
		{"socket address", "192.0.2.4:5050", nil, "192.0.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

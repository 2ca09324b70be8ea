package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"playerhub/internal/fleet"
)

// TokenVerifier validates the credential a player presents during the
// WebSocket handshake. Token validity lives with an external identity
// service; this package only carries the hook.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) error

func (f TokenVerifierFunc) Verify(ctx context.Context, token string) error { return f(ctx, token) }

// presenceOnlyVerifier accepts any non-empty token.
type presenceOnlyVerifier struct{}

func (presenceOnlyVerifier) Verify(_ context.Context, token string) error {
	if token == "" {
		return errMissingToken
	}
	return nil
}

var (
	errMissingToken    = errors.New("missing token")
	errMissingDeviceID = errors.New("missing device id")
)

// authenticateHandshake extracts and validates the handshake credentials
// before the upgrade. Token and device id come from the query string, with
// Authorization: Bearer and X-Device-ID headers as fallbacks.
func (s *Server) authenticateHandshake(r *http.Request) (fleet.ConnMeta, error) {
	q := r.URL.Query()

	token := q.Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return fleet.ConnMeta{}, errMissingToken
	}
	if err := s.verifier.Verify(r.Context(), token); err != nil {
		return fleet.ConnMeta{}, err
	}

	deviceID := q.Get("deviceId")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	if deviceID == "" {
		return fleet.ConnMeta{}, errMissingDeviceID
	}

	return fleet.ConnMeta{
		Token:     token,
		DeviceID:  deviceID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}, nil
}

// clientIP resolves the originating address, trusting proxy headers when
// present: X-Forwarded-For (first hop), then X-Real-IP, then the socket
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

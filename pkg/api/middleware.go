package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/relaymesh/gatehouse/pkg/envelope"
	"github.com/relaymesh/gatehouse/pkg/intent"
	"github.com/relaymesh/gatehouse/pkg/reason"
)

type ctxKey int

const (
	corrIDKey ctxKey = iota
	clientKeyKey
)

// CorrelationID returns the correlation id assigned to this request.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(corrIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientKey returns the key the request is throttled and gauged under:
// the verified token subject when auth is on, the remote host otherwise.
func ClientKey(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// CorrelationMiddleware propagates x-corr-id verbatim when the client
// supplies one and mints a ULID otherwise. The id is echoed back on the
// response so callers can grep their own logs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("x-corr-id")
		if corrID == "" {
			corrID = ulid.Make().String()
		}
		w.Header().Set("x-corr-id", corrID)

		ctx := context.WithValue(r.Context(), corrIDKey, corrID)
		if _, ok := ctx.Value(clientKeyKey).(string); !ok {
			ctx = context.WithValue(ctx, clientKeyKey, remoteHost(r))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware verifies HMAC bearer tokens when secret is non-empty
// and stores the token subject as the client key. With an empty secret
// the middleware is a pass-through and the client key stays the remote
// host. Auth failures use the registry's sole 401 code.
func AuthMiddleware(secret string, clock func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := CorrelationID(r.Context())

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				writeAuthFailure(w, corrID, "missing bearer token", clock())
				return
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			if err != nil || !token.Valid {
				writeAuthFailure(w, corrID, "token rejected", clock())
				return
			}

			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				writeAuthFailure(w, corrID, "token has no subject", clock())
				return
			}

			ctx := context.WithValue(r.Context(), clientKeyKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthFailure(w http.ResponseWriter, corrID, detail string, now time.Time) {
	envelope.WriteRejection(w, corrID, "", intent.StateRejected,
		reason.Reject(reason.CodeValidationSignatureFail, map[string]any{
			"detail": detail,
		}), now)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

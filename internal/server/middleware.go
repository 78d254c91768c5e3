package server

import (
	"context"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/tenancy"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	opsIdentityKey
)

// identityFrom returns the agent identity attached by guard.
func identityFrom(ctx context.Context) tenancy.Identity {
	id, _ := ctx.Value(identityKey).(tenancy.Identity)
	return id
}

// opsIdentityFrom returns the console identity attached by opsGuard.
func opsIdentityFrom(ctx context.Context) tenancy.OpsIdentity {
	id, _ := ctx.Value(opsIdentityKey).(tenancy.OpsIdentity)
	return id
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming works
// through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logged wraps the whole mux with request ids, panic recovery, and
// request logging.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic in handler",
					"request_id", requestID, "path", r.URL.Path,
					"panic", p, "stack", string(debug.Stack()))
				writeError(rec, errkind.New(errkind.Internal, "internal error"))
			}
			s.logger.Info("request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// resolveIdentity derives the agent identity for a request. A valid
// X-Agent-Token binds the tenant; otherwise the request runs as the
// default tenant, subject to the daemon key when one is configured.
func (s *Server) resolveIdentity(r *http.Request) (tenancy.Identity, error) {
	if raw := strings.TrimSpace(r.Header.Get("X-Agent-Token")); raw != "" {
		claims, err := s.Tokens.Validate(raw)
		if err != nil {
			return tenancy.Identity{}, err
		}
		return tenancy.IdentityFromClaims(claims, s.capsFor(claims.TenantID)), nil
	}

	if err := tenancy.VerifyDaemonKey(s.Config.Auth.DaemonKey, r.Header.Get("X-Agent-Daemon-Key")); err != nil {
		return tenancy.Identity{}, err
	}
	return tenancy.Identity{TenantID: "default", Capabilities: s.capsFor("default")}, nil
}

func (s *Server) capsFor(tenant string) tenancy.Capabilities {
	if s.Caps == nil {
		return tenancy.Capabilities{}
	}
	return s.Caps(tenant)
}

// guard authenticates agent/admin endpoints and applies the per-tenant
// rate limit before dispatch.
func (s *Server) guard(h func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.resolveIdentity(r)
		if err != nil {
			writeError(w, err)
			return
		}

		if !s.limiter.Allow(id.TenantID) {
			wait := s.limiter.RetryAfter(id.TenantID)
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			s.Audit.MustRecord(r.Context(), audit.Entry{
				TenantID: id.TenantID,
				UserID:   id.UserID,
				Type:     audit.EventRateLimited,
				Payload:  map[string]any{"path": r.URL.Path},
			})
			writeError(w, errkind.New(errkind.RateLimited, "rate limit exceeded"))
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		h(w, r.WithContext(ctx))
	})
}

// opsGuard authenticates console endpoints with an OIDC bearer token.
func (s *Server) opsGuard(h func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, errkind.New(errkind.AuthMissing, "bearer token required"))
			return
		}
		raw = strings.TrimPrefix(raw, "Bearer ")

		id, err := s.OIDC.Validate(r.Context(), raw)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), opsIdentityKey, *id)
		h(w, r.WithContext(ctx))
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/idempotency"
	"github.com/matterline/matterline-go/ratelimit"
	"github.com/matterline/matterline-go/telemetry"
)

// Request headers the gate consumes and response headers it emits.
const (
	HeaderAPIKey             = "X-Api-Key"
	HeaderIdempotencyKey     = "X-Idempotency-Key"
	HeaderIdempotencyReplay  = "X-Idempotency-Replayed"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitWindow    = "X-RateLimit-Window"
)

// Error codes carried in the response body.
const (
	CodeMissingAPIKey         = "MISSING_API_KEY"
	CodeInvalidAPIKey         = "INVALID_API_KEY"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeAuthSystemError       = "AUTH_SYSTEM_ERROR"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
)

type contextKey int

const credentialContextKey contextKey = iota

// CredentialFrom returns the authenticated credential stored in the
// request context by the gate, if any.
func CredentialFrom(ctx context.Context) (*contracts.Credential, bool) {
	cred, ok := ctx.Value(credentialContextKey).(*contracts.Credential)
	return cred, ok
}

// Gate is the request-safety front of the write API: it
// authenticates, rate limits, and deduplicates before the handler
// runs, and captures responses for idempotent replay after it.
type Gate struct {
	creds   CredentialStore
	limiter *ratelimit.Limiter
	cache   *idempotency.Cache
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// GateOption configures the Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithGateMetrics attaches request counters.
func WithGateMetrics(metrics *telemetry.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = metrics
	}
}

// WithGateClock overrides time for tests.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		g.clock = clock
	}
}

// NewGate creates a request gate. The idempotency cache may be nil,
// disabling replay protection; credentials and limiter are mandatory.
func NewGate(creds CredentialStore, limiter *ratelimit.Limiter, cache *idempotency.Cache, options ...GateOption) (*Gate, error) {
	if creds == nil {
		return nil, fmt.Errorf("credential store cannot be nil")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter cannot be nil")
	}

	g := &Gate{
		creds:   creds,
		limiter: limiter,
		cache:   cache,
		logger:  slog.Default(),
		clock:   time.Now,
	}

	for _, opt := range options {
		opt(g)
	}

	return g, nil
}

// routeConfig is per-route gating behavior.
type routeConfig struct {
	anonymous bool
}

// RouteOption adjusts gating for one wrapped route.
type RouteOption func(*routeConfig)

// AllowAnonymous skips authentication and rate limiting for the
// route. Idempotency needs a tenant and is skipped with them.
func AllowAnonymous() RouteOption {
	return func(rc *routeConfig) {
		rc.anonymous = true
	}
}

// Wrap gates an HTTP handler.
func (g *Gate) Wrap(next http.Handler, options ...RouteOption) http.Handler {
	rc := routeConfig{}
	for _, opt := range options {
		opt(&rc)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc.anonymous {
			next.ServeHTTP(w, r)
			return
		}

		g.metrics.GateRequest(r.Context(), r.URL.Path)

		cred, ok := g.authenticate(w, r)
		if !ok {
			return
		}

		if !g.admit(w, r, cred) {
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), credentialContextKey, cred))

		if key := r.Header.Get(HeaderIdempotencyKey); key != "" && g.cache != nil && isMutating(r.Method) {
			g.serveIdempotent(w, r, cred, key, next)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves and validates the API key. It writes the
// error response itself and reports whether the request may proceed.
func (g *Gate) authenticate(w http.ResponseWriter, r *http.Request) (*contracts.Credential, bool) {
	rawKey := r.Header.Get(HeaderAPIKey)
	if rawKey == "" {
		g.deny(w, r, http.StatusUnauthorized, CodeMissingAPIKey, "missing X-Api-Key header")
		return nil, false
	}

	cred, err := g.creds.LookupByHash(r.Context(), HashKey(rawKey))
	if errors.Is(err, ErrCredentialNotFound) {
		g.deny(w, r, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key")
		return nil, false
	}
	if err != nil {
		g.logger.Error("credential lookup failed", "path", r.URL.Path, "error", err)
		g.deny(w, r, http.StatusInternalServerError, CodeAuthSystemError, "authentication system error")
		return nil, false
	}

	if !cred.Usable(g.clock()) {
		g.deny(w, r, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key")
		return nil, false
	}

	// Usage counters are telemetry and never block the request.
	go func(id string, usedAt time.Time) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.creds.TouchUsage(touchCtx, id, usedAt); err != nil {
			g.logger.Warn("failed to touch credential usage",
				"credentialId", id,
				"error", err,
			)
		}
	}(cred.ID, g.clock())

	return cred, true
}

// admit runs the rate limit check and attaches the informative
// headers. It reports whether the request may proceed.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request, cred *contracts.Credential) bool {
	decision, err := g.limiter.Check(r.Context(), cred, r.RemoteAddr)
	if err != nil {
		g.logger.Error("rate limit check failed",
			"credentialId", cred.ID,
			"error", err,
		)
		g.deny(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "rate limiting temporarily unavailable")
		return false
	}

	h := w.Header()
	if decision.Window == "" {
		// No windows configured; there is no reset instant to report.
		h.Set(HeaderRateLimitLimit, "unlimited")
		h.Set(HeaderRateLimitRemaining, "unlimited")
		h.Set(HeaderRateLimitWindow, "none")
	} else {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
		h.Set(HeaderRateLimitReset, decision.ResetAt.UTC().Format(time.RFC3339))
		h.Set(HeaderRateLimitWindow, string(decision.Window))
	}

	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(g.clock())))
		g.deny(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded")
		return false
	}
	return true
}

// serveIdempotent replays a stored response or runs the handler with
// response capture and a fire-and-forget store afterwards.
func (g *Gate) serveIdempotent(w http.ResponseWriter, r *http.Request, cred *contracts.Credential, key string, next http.Handler) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.deny(w, r, http.StatusBadRequest, CodeInvalidIdempotencyKey, "unreadable request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	cached, err := g.cache.Check(r.Context(), cred.TenantID, key, r.Method, r.URL.Path, body)
	switch {
	case errors.Is(err, idempotency.ErrInvalidKey):
		g.deny(w, r, http.StatusBadRequest, CodeInvalidIdempotencyKey, "idempotency key must be a UUID v4")
		return
	case errors.Is(err, idempotency.ErrKeyReuse):
		g.deny(w, r, http.StatusConflict, CodeIdempotencyKeyReused, "idempotency key was used for a different request")
		return
	case err != nil:
		g.logger.Error("idempotency lookup failed",
			"tenantId", cred.TenantID,
			"error", err,
		)
		g.deny(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "idempotency store temporarily unavailable")
		return
	}

	if cached != nil {
		w.Header().Set(HeaderIdempotencyReplay, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		w.Write(cached.Body)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)

	// Only successful completions are memoized. A failed write stays
	// retryable under the same key for its whole lifetime.
	if rec.status < http.StatusOK || rec.status >= http.StatusMultipleChoices {
		return
	}

	// Store off the request path; losing the record costs one key's
	// replay protection, not the response already sent.
	storeCtx := context.WithoutCancel(r.Context())
	tenantID, method, path := cred.TenantID, r.Method, r.URL.Path
	status, respBody := rec.status, rec.body.Bytes()
	go func() {
		ctx, cancel := context.WithTimeout(storeCtx, 5*time.Second)
		defer cancel()
		if err := g.cache.Store(ctx, tenantID, key, method, path, body, status, respBody); err != nil {
			g.logger.Warn("failed to store idempotency record",
				"tenantId", tenantID,
				"key", key,
				"error", err,
			)
		}
	}()
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	g.metrics.GateDenied(r.Context(), r.URL.Path, code)
	writeError(w, status, code, message)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// responseRecorder tees the handler's response so it can be stored
// for replay after it has gone to the client.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

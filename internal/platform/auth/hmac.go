package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Partner callbacks and internal service hooks arrive signed rather than
// authenticated with a bearer token. Each delivery carries a detached
// HMAC-SHA256 signature over the request, a timestamp, and a delivery nonce;
// the nonce is what lets us drop the duplicates the partner's at-least-once
// retry produces.
const (
	defaultSignatureHeader = "X-Giftwell-Signature"
	defaultTimestampHeader = "X-Giftwell-Timestamp"
	defaultNonceHeader     = "X-Giftwell-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute

	// Secrets are re-read from the provider on this cadence so a rotated
	// partner secret takes effect without a restart.
	secretRefreshInterval = 5 * time.Minute
)

// SecretProvider resolves the shared secret for a named signing scope
// ("partner", "default", ...).
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers delivery nonces long enough to reject replays. UseNonce
// returns true when the nonce was fresh and is now recorded, false when the
// same delivery was already seen within the scope.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps delivery nonces per signing scope. It backs tests
// and single-instance deployments; anything horizontally scaled needs a shared
// store behind the same interface.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	scopes map[string]map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{scopes: make(map[string]map[string]time.Time)}
}

// UseNonce records the nonce until expiry. A second call with the same scope
// and nonce before the expiry reports a replay.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	now := time.Now()
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.scopes[scope]
	if seen == nil {
		seen = make(map[string]time.Time)
		s.scopes[scope] = seen
	}

	for n, exp := range seen {
		if exp.Before(now) {
			delete(seen, n)
		}
	}

	if exp, ok := seen[nonce]; ok && exp.After(now) {
		return false, nil
	}

	seen[nonce] = expiry
	return true, nil
}

// HMACValidator verifies signed deliveries before they reach the webhook
// handlers.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	cacheMu sync.Mutex
	secrets map[string]cachedSecret
}

type cachedSecret struct {
	value     []byte
	fetchedAt time.Time
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and
// nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
		secrets:         make(map[string]cachedSecret),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises how long delivery nonces are retained.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes a verified delivery for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// hmacRejection is a verification failure with everything the middleware
// needs to answer and account for it.
type hmacRejection struct {
	status  int
	code    string
	reason  string
	message string
}

func reject(status int, code, reason, message string) *hmacRejection {
	return &hmacRejection{status: status, code: code, reason: reason, message: message}
}

// RequireHMAC enforces a valid signature for the named signing scope.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, rej := v.verifyDelivery(ctx, r, scope)
			if rej != nil {
				v.record(ctx, false, rej.reason, start)
				respondAuthError(w, rej.status, rej.code, rej.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// RequireHMACResolver selects the signing scope per request, so one middleware
// chain can cover every webhook source.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}

			scope, ok := resolver(r)
			if !ok || strings.TrimSpace(scope) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				respondAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}

			v.RequireHMAC(scope)(next).ServeHTTP(w, r)
		})
	}
}

// verifyDelivery runs the full check chain: headers present, timestamp inside
// the skew window, signature matches, and the delivery nonce unseen. The
// signature is checked before the nonce is consumed so a forged delivery
// cannot burn a nonce the genuine one still needs.
func (v *HMACValidator) verifyDelivery(ctx context.Context, r *http.Request, scope string) (*HMACMetadata, *hmacRejection) {
	if scope == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_not_configured", "hmac secret not configured")
	}

	secret, err := v.loadSecret(ctx, scope)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed for scope %s: %v", scope, err)
		}
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_unavailable", "hmac secret unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature_missing", "signature header missing")
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, reject(http.StatusUnauthorized, "timestamp_missing", "timestamp_missing", "signature timestamp missing")
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid", "signature timestamp invalid")
	}

	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject(http.StatusUnauthorized, "timestamp_skew", "timestamp_skew", "signature timestamp outside allowed window")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, reject(http.StatusUnauthorized, "nonce_missing", "nonce_missing", "signature nonce missing")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "body_unreadable", "unable to read body for signature verification")
	}

	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature_invalid", "signature encoding invalid")
	}

	expected := computeHMAC(secret, buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_unavailable", "nonce store unavailable")
	}

	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}

	fresh, err := v.nonces.UseNonce(ctx, scope, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_error", "nonce storage error")
	}
	if !fresh {
		return nil, reject(http.StatusUnauthorized, "nonce_replay", "nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{
		SecretName:   scope,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	now := v.now()

	v.cacheMu.Lock()
	if cached, ok := v.secrets[name]; ok && now.Sub(cached.fetchedAt) < secretRefreshInterval {
		v.cacheMu.Unlock()
		return cached.value, nil
	}
	v.cacheMu.Unlock()

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		v.cacheMu.Lock()
		cached, ok := v.secrets[name]
		v.cacheMu.Unlock()
		if ok {
			// Serve the stale secret rather than failing every delivery
			// while the provider is down.
			return cached.value, nil
		}
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.cacheMu.Lock()
	v.secrets[name] = cachedSecret{value: secret, fetchedAt: now}
	v.cacheMu.Unlock()
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts the partner's "sha256=<hex>" form as well as bare
// base64 or hex, which internal services send.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if rest, ok := strings.CutPrefix(value, "sha256="); ok {
		decoded, err := hex.DecodeString(rest)
		if err != nil {
			return nil, errors.New("auth: sha256-prefixed signature must be hex encoded")
		}
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// buildCanonicalString produces the signed payload: method, escaped path,
// timestamp, nonce, and the hex body digest joined with newlines. This is the
// contract published to callback senders; changing it breaks every signer.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	method := strings.ToUpper(r.Method)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		method,
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

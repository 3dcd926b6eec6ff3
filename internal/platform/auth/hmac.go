package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Signature-Timestamp"
	nonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
	maxSignedBody    = 1 << 20
)

// SecretProvider resolves shared secrets by name.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// NonceStore records nonces so a signed request cannot be replayed.
type NonceStore interface {
	// UseNonce stores the nonce until expiry and reports false if it was already present.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process local NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	key := scope + "::" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies HMAC-SHA256 signed webhooks from carriers and partners.
// The signed string is METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) { v.logger = logger }
}

func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACWindow sets the accepted timestamp skew and nonce retention.
func WithHMACWindow(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if skew > 0 {
			v.clockSkew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:   secrets,
		nonces:    nonces,
		now:       time.Now,
		clockSkew: defaultClockSkew,
		nonceTTL:  defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireHMAC verifies requests signed with the secret registered under secretName.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			status, code, err := v.verify(r, secretName)
			if err != nil {
				v.record(r.Context(), false, code, start)
				if v.logger != nil && status == http.StatusServiceUnavailable {
					v.logger.Printf("auth: hmac verification unavailable: %v", err)
				}
				respondAuthError(w, status, code, err.Error())
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) (int, string, error) {
	if secretName == "" || v.secrets == nil || v.nonces == nil {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("hmac verification not configured")
	}
	secret, err := v.secrets.GetSecret(r.Context(), secretName)
	if err != nil || secret == "" {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("hmac secret unavailable")
	}

	rawSig := strings.TrimSpace(r.Header.Get(signatureHeader))
	rawTS := strings.TrimSpace(r.Header.Get(timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(nonceHeader))
	if rawSig == "" || rawTS == "" || nonce == "" {
		return http.StatusUnauthorized, "signature_missing", errors.New("signature headers missing")
	}
	ts, err := parseSignatureTimestamp(rawTS)
	if err != nil {
		return http.StatusUnauthorized, "timestamp_invalid", errors.New("signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(ts); skew > v.clockSkew || skew < -v.clockSkew {
		return http.StatusUnauthorized, "timestamp_skew", errors.New("signature timestamp outside allowed window")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return http.StatusBadRequest, "invalid_body", errors.New("unable to read body")
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	sig, ok := decodeSignature(rawSig)
	if !ok {
		return http.StatusUnauthorized, "signature_invalid", errors.New("signature encoding invalid")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalString(r, body, rawTS, nonce))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return http.StatusUnauthorized, "signature_mismatch", errors.New("signature verification failed")
	}

	fresh, err := v.nonces.UseNonce(r.Context(), secretName, nonce, now.Add(v.nonceTTL))
	if err != nil {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("nonce storage error")
	}
	if !fresh {
		return http.StatusUnauthorized, "nonce_replay", errors.New("duplicate signature nonce")
	}
	return http.StatusOK, "", nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
	}
}

// SignHMAC returns the base64 signature a sender attaches for the given request parts.
func SignHMAC(secret, method, path, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical(method, path, timestamp, nonce, body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func canonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return canonical(r.Method, path, timestamp, nonce, body)
}

func canonical(method, path, timestamp, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(sum[:])}, "\n"))
}

func decodeSignature(value string) ([]byte, bool) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, true
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, true
	}
	return nil, false
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/requestctx"
)

const (
	roleClaim            = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase bearer tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator builds an Authenticator. A zero timeout uses five seconds.
func NewAuthenticator(verifier TokenVerifier, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Authenticator{verifier: verifier, timeout: timeout}
}

// RequireFirebaseAuth rejects requests without a valid token. When roles are
// given the identity must hold one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			identity, err := a.verify(r.Context(), token)
			if err != nil {
				respondVerificationError(w, err)
				return
			}
			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			next.ServeHTTP(w, r.WithContext(attach(r.Context(), identity)))
		})
	}
}

// OptionalFirebaseAuth attaches an identity when a valid token is present and
// lets anonymous requests through. A present but invalid token is still rejected.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header invalid")
				return
			}
			identity, err := a.verify(r.Context(), token)
			if err != nil {
				respondVerificationError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(attach(r.Context(), identity)))
		})
	}
}

var errVerifierUnavailable = errors.New("auth: verifier unavailable")

func (a *Authenticator) verify(ctx context.Context, raw string) (*Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, errVerifierUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	first, last := splitName(stringClaim(token.Claims, "name"))
	identity := &Identity{
		UID:       token.UID,
		Email:     stringClaim(token.Claims, "email"),
		FirstName: first,
		LastName:  last,
		Roles:     rolesFromClaims(token.Claims),
		token:     token,
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleUser}
	}
	return identity, nil
}

func attach(ctx context.Context, identity *Identity) context.Context {
	ctx = WithIdentity(ctx, identity)
	logger := requestctx.Logger(ctx)
	if logger != requestctx.NoopLogger() {
		ctx = requestctx.WithLogger(ctx, logger.With(zap.String("user_id", identity.UID)))
	}
	return ctx
}

func rolesFromClaims(claims map[string]any) []string {
	var out []string
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return
		}
		for _, existing := range out {
			if existing == role {
				return
			}
		}
		out = append(out, role)
	}
	switch v := claims[roleClaim].(type) {
	case string:
		add(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	}
	return out
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func splitName(name string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errVerifierUnavailable):
		respondAuthError(w, http.StatusServiceUnavailable, "auth_unavailable", "authorization service unavailable")
	case firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/model"
)

const (
	tokenLeeway      = 30 * time.Second
	jwksFetchTimeout = 10 * time.Second
)

// TokenVerifier checks bearer tokens against the identity provider's key
// set. Keys are refreshed in the background until ctx passed to
// NewTokenVerifier is cancelled; a failed refresh keeps the previous keys.
type TokenVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

// NewTokenVerifier fetches the key set once and starts the refresh loop. It
// fails when the first fetch fails so a misconfigured issuer is caught at
// startup.
func NewTokenVerifier(ctx context.Context, cfg config.IdentityConfig, logger *zap.Logger) (*TokenVerifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	refresh := cfg.JWKSCacheTTL
	if refresh <= 0 {
		refresh = time.Hour
	}

	jwksURL, err := url.Parse(cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse %s: %w", cfg.JWKSURL, err)
	}
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Ctx:             ctx,
		HTTPTimeout:     jwksFetchTimeout,
		RefreshInterval: refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("jwks refresh failed, keeping cached keys",
				zap.String("jwks_url", cfg.JWKSURL),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", cfg.JWKSURL, err)
	}
	keys, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}

	return &TokenVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(tokenLeeway),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses and validates a raw token. The returned error is an
// UNAUTHORIZED envelope whose message names the failed check.
func (v *TokenVerifier) Verify(raw string) (jwt.MapClaims, error) {
	token, err := v.parser.Parse(raw, v.keys.Keyfunc)
	if err != nil {
		return nil, model.NewUnauthorizedError(rejectionReason(err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, model.NewUnauthorizedError("Invalid token")
	}
	return claims, nil
}

// JWTAuthenticator returns middleware that verifies the bearer token and
// stores its claims in the request context.
func JWTAuthenticator(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Missing or malformed bearer token"))
				return
			}
			claims, err := v.Verify(raw)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// rejectionReason maps a parse failure onto a client-safe message.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwkset.ErrKeyNotFound), errors.Is(err, keyfunc.ErrKeyfunc):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}

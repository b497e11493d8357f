package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Kocoro-lab/riskcase/internal/config"
)

type contextKey string

// PrincipalKey is the context key for the authenticated caller.
const PrincipalKey contextKey = "principal"

// Scopes carried by tokens.
const (
	ScopeCasesRead  = "cases:read"
	ScopeCasesWrite = "cases:write"
)

// Principal identifies the caller of a request.
type Principal struct {
	Subject  string
	Scopes   []string
	IsAPIKey bool
}

// Can reports whether the principal holds scope.
func (p *Principal) Can(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// AuthMiddleware authenticates requests with a bearer JWT or an API key
// checked against bcrypt hashes.
type AuthMiddleware struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	keyHashes  [][]byte
	skipAuth   bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewAuthMiddleware builds the middleware. Auth is skipped when cfg is not
// enabled.
func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) (*AuthMiddleware, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &AuthMiddleware{
		signingKey: []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
		ttl:        cfg.TokenTTL,
		skipAuth:   !cfg.Enabled,
		logger:     logger,
		now:        time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	if cfg.Enabled && cfg.JWTSecret == "" && len(cfg.APIKeyHashes) == 0 {
		return nil, fmt.Errorf("auth enabled without jwt secret or api keys")
	}
	for _, h := range cfg.APIKeyHashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid api key hash: %w", err)
		}
		m.keyHashes = append(m.keyHashes, []byte(h))
	}
	return m, nil
}

// IssueToken signs an access token for subject.
func (m *AuthMiddleware) IssueToken(subject string, scopes []string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
}

// ValidateToken parses and verifies a bearer token.
func (m *AuthMiddleware) ValidateToken(tokenString string) (*Principal, error) {
	if len(m.signingKey) == 0 {
		return nil, fmt.Errorf("bearer tokens not accepted")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return &Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

// ValidateAPIKey matches key against the configured hashes.
func (m *AuthMiddleware) ValidateAPIKey(key string) (*Principal, error) {
	for i, h := range m.keyHashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return &Principal{
				Subject:  fmt.Sprintf("api-key-%d", i),
				Scopes:   []string{ScopeCasesRead, ScopeCasesWrite},
				IsAPIKey: true,
			}, nil
		}
	}
	return nil, errors.New("unknown api key")
}

// Handler wraps next with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			p := &Principal{Subject: "dev", Scopes: []string{ScopeCasesRead, ScopeCasesWrite}}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), PrincipalKey, p)))
			return
		}

		var (
			p   *Principal
			err error
		)
		switch header := r.Header.Get("Authorization"); {
		case header != "":
			var token string
			token, err = ExtractBearerToken(header)
			if err == nil {
				p, err = m.ValidateToken(token)
			}
		case r.Header.Get("X-API-Key") != "":
			p, err = m.ValidateAPIKey(r.Header.Get("X-API-Key"))
		case r.URL.Query().Get("api_key") != "" && strings.HasSuffix(r.URL.Path, "/events"):
			// Browsers cannot set headers on a websocket handshake.
			p, err = m.ValidateAPIKey(r.URL.Query().Get("api_key"))
		default:
			err = errors.New("credentials required")
		}
		if err != nil {
			m.logger.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), PrincipalKey, p)))
	})
}

// RequireScope rejects principals lacking scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := r.Context().Value(PrincipalKey).(*Principal)
			if !ok || !p.Can(scope) {
				writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", fmt.Errorf("invalid authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

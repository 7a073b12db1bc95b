// Package auth resolves the principal behind a user-facing request. The
// principal is the address in the `sub` claim of an HS256 bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/pledge"
)

// DevPrincipalHeader names the caller directly. It is honoured only when
// Config.AllowDevHeader is set and no bearer token is present.
const DevPrincipalHeader = "X-Pledge-Principal"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Config struct {
	Secret         string
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
	AllowDevHeader bool
}

type contextKey struct{}

// WithPrincipal returns a context carrying addr as the authenticated caller.
func WithPrincipal(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, contextKey{}, addr)
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(contextKey{}).(common.Address)
	return addr, ok
}

type Authenticator struct {
	cfg    Config
	secret []byte
	logger *slog.Logger
	now    func() time.Time

	// OnError writes the rejection. Defaults to a plain 401.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func NewAuthenticator(cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
}

// Middleware rejects requests without a resolvable principal and stores the
// principal in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := a.Principal(r)
		if err != nil {
			a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), addr)))
	})
}

func (a *Authenticator) fail(w http.ResponseWriter, r *http.Request, err error) {
	if a.OnError != nil {
		a.OnError(w, r, err)
		return
	}
	http.Error(w, err.Error(), http.StatusUnauthorized)
}

// Principal resolves the caller of r without touching its context.
func (a *Authenticator) Principal(r *http.Request) (common.Address, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		if a.cfg.AllowDevHeader {
			if raw := r.Header.Get(DevPrincipalHeader); raw != "" {
				return pledge.ParseAddress(raw)
			}
		}
		return common.Address{}, ErrMissingToken
	}
	return a.parse(token)
}

func (a *Authenticator) parse(token string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, fmt.Errorf("%w: auth secret not configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return common.Address{}, ErrInvalidToken
	}
	addr, err := pledge.ParseAddress(claims.Subject)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return addr, nil
}

// Issue mints a token for subject. Used by the CLI and tests.
func Issue(cfg Config, subject common.Address, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(cfg.Secret)))
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

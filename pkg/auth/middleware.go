package auth

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/models"
)

// authContextKey is where middleware stashes the resolved AuthContext on the
// echo context.
const authContextKey = "sonde.auth"

type ctxKey struct{}

// Authenticator resolves every credential type the hub accepts into a
// single AuthContext.
type Authenticator struct {
	keys     *KeyService
	sessions *SessionService
	provider *Provider
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys *KeyService, sessions *SessionService, provider *Provider) *Authenticator {
	return &Authenticator{keys: keys, sessions: sessions, provider: provider}
}

// Resolve extracts credentials from a request and authenticates them.
// Bearer tokens are tried first (API key or provider token by prefix),
// then the session cookie.
func (a *Authenticator) Resolve(ctx context.Context, r *http.Request) (*models.AuthContext, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, ErrInvalidCredentials
		}
		switch {
		case strings.HasPrefix(token, keyPrefix):
			return a.keys.Validate(ctx, token)
		default:
			return a.provider.ValidateToken(ctx, token)
		}
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return a.sessions.Validate(cookie.Value)
	}
	return nil, ErrInvalidCredentials
}

// Middleware authenticates every request and stores the AuthContext for
// handlers. Unauthenticated requests get 401.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			authCtx, err := a.Resolve(c.Request().Context(), c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			c.Set(authContextKey, authCtx)
			return next(c)
		}
	}
}

// RequireRole gates a route on a minimum role.
func RequireRole(min models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			authCtx := FromEcho(c)
			if authCtx == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if authCtx.Role.Level() < min.Level() {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

// FromEcho returns the AuthContext stored by Middleware, or nil.
func FromEcho(c *echo.Context) *models.AuthContext {
	authCtx, _ := c.Get(authContextKey).(*models.AuthContext)
	return authCtx
}

// WithContext attaches an AuthContext to a context.Context, for call paths
// that leave the HTTP layer.
func WithContext(ctx context.Context, authCtx *models.AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, authCtx)
}

// FromContext returns the AuthContext attached by WithContext, or nil.
func FromContext(ctx context.Context) *models.AuthContext {
	authCtx, _ := ctx.Value(ctxKey{}).(*models.AuthContext)
	return authCtx
}

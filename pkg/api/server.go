// Package api is the hub's HTTP surface: agent WebSocket upgrade, the MCP
// endpoint, dashboard auth, and the JSON CRUD the dashboard consumes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/config"
	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/dispatch"
	"github.com/sonde-dev/sonde/pkg/integration"
	"github.com/sonde-dev/sonde/pkg/metrics"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/store"
)

// Deps bundles the services the server fronts.
type Deps struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Executor   *integration.Executor
	Registry   *pack.Registry
	Keys       *auth.KeyService
	Sessions   *auth.SessionService
	SSO        *auth.SSOService
	Provider   *auth.Provider
	Authn      *auth.Authenticator
	MCP        http.Handler
	Metrics    *metrics.Metrics
}

// Server is the hub HTTP server.
type Server struct {
	cfg        *config.Config
	deps       Deps
	echo       *echo.Echo
	httpServer *http.Server
	logger     *slog.Logger

	caMu sync.Mutex
	ca   *crypto.CA
}

// NewServer builds the server and registers all routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		echo:   echo.New(),
		logger: slog.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	e.GET("/health", s.healthHandler)
	if s.deps.Metrics != nil {
		e.GET("/metrics", wrapHTTP(s.deps.Metrics.Handler()))
	}

	e.GET("/ws/agent", s.wsHandler)
	if s.deps.MCP != nil {
		e.Any("/mcp", wrapHTTP(s.deps.MCP))
	}

	e.POST("/auth/login", s.loginHandler)
	e.POST("/auth/logout", s.logoutHandler)
	e.GET("/auth/sso/login", s.ssoLoginHandler)
	e.GET("/auth/sso/callback", s.ssoCallbackHandler)

	e.GET("/.well-known/oauth-authorization-server", s.oauthMetadataHandler)
	e.POST("/oauth/register", s.oauthRegisterHandler)
	e.GET("/oauth/authorize", s.oauthAuthorizeHandler)
	e.POST("/oauth/token", s.oauthTokenHandler)

	api := e.Group("/api/v1")
	api.Use(s.deps.Authn.Middleware())

	api.GET("/agents", s.listAgentsHandler)
	api.GET("/agents/:id", s.getAgentHandler)
	api.DELETE("/agents/:id", s.deleteAgentHandler, auth.RequireRole(models.RoleAdmin))
	api.POST("/agents/:id/credentials", s.agentCredentialsHandler, auth.RequireRole(models.RoleAdmin))
	api.GET("/ca", s.caCertHandler, auth.RequireRole(models.RoleAdmin))

	api.GET("/api-keys", s.listAPIKeysHandler, auth.RequireRole(models.RoleAdmin))
	api.POST("/api-keys", s.createAPIKeyHandler, auth.RequireRole(models.RoleAdmin))
	api.DELETE("/api-keys/:id", s.revokeAPIKeyHandler, auth.RequireRole(models.RoleAdmin))

	api.GET("/integrations", s.listIntegrationsHandler)
	api.POST("/integrations", s.createIntegrationHandler, auth.RequireRole(models.RoleAdmin))
	api.PUT("/integrations/:id", s.updateIntegrationHandler, auth.RequireRole(models.RoleAdmin))
	api.DELETE("/integrations/:id", s.deleteIntegrationHandler, auth.RequireRole(models.RoleAdmin))
	api.POST("/integrations/:id/test", s.testIntegrationHandler, auth.RequireRole(models.RoleAdmin))
	api.GET("/integrations/:id/events", s.integrationEventsHandler, auth.RequireRole(models.RoleAdmin))

	api.GET("/critical-paths", s.listCriticalPathsHandler)
	api.POST("/critical-paths", s.saveCriticalPathHandler, auth.RequireRole(models.RoleAdmin))
	api.GET("/critical-paths/:id", s.getCriticalPathHandler)
	api.DELETE("/critical-paths/:id", s.deleteCriticalPathHandler, auth.RequireRole(models.RoleAdmin))

	api.GET("/audit", s.listAuditHandler)
	api.GET("/packs", s.listPacksHandler)

	api.GET("/access-groups", s.listAccessGroupsHandler, auth.RequireRole(models.RoleAdmin))
	api.POST("/access-groups", s.saveAccessGroupHandler, auth.RequireRole(models.RoleAdmin))
	api.DELETE("/access-groups/:id", s.deleteAccessGroupHandler, auth.RequireRole(models.RoleAdmin))

	api.GET("/settings/sso", s.getSSOConfigHandler, auth.RequireRole(models.RoleOwner))
	api.PUT("/settings/sso", s.setSSOConfigHandler, auth.RequireRole(models.RoleOwner))
	api.GET("/authorized-users", s.listAuthorizedUsersHandler, auth.RequireRole(models.RoleOwner))
	api.POST("/authorized-users", s.upsertAuthorizedUserHandler, auth.RequireRole(models.RoleOwner))
	api.DELETE("/authorized-users/:upn", s.removeAuthorizedUserHandler, auth.RequireRole(models.RoleOwner))
	api.POST("/authorized-groups", s.upsertAuthorizedGroupHandler, auth.RequireRole(models.RoleOwner))
	api.DELETE("/authorized-groups/:id", s.removeAuthorizedGroupHandler, auth.RequireRole(models.RoleOwner))
	api.GET("/roles/:name", s.getRolePermissionsHandler, auth.RequireRole(models.RoleOwner))
	api.PUT("/roles/:name", s.setRolePermissionsHandler, auth.RequireRole(models.RoleOwner))
	api.POST("/admins", s.createAdminHandler, auth.RequireRole(models.RoleOwner))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func wrapHTTP(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

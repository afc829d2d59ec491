package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/version"
)

// healthHandler handles GET /health. Unauthenticated; only the hub's own
// store is checked so an external outage never makes the hub look dead.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{"database": "healthy"}

	if err := s.deps.Store.Health(reqCtx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		checks["database"] = "unhealthy"
	}

	return c.JSON(code, map[string]any{
		"status":  status,
		"version": version.Full(),
		"checks":  checks,
		"agents": map[string]any{
			"connected": s.deps.Dispatcher.ActiveAgents(),
		},
	})
}

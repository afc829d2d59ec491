package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/store"
)

// listAuditHandler handles GET /api/v1/audit with optional agent, probe,
// since and limit filters.
func (s *Server) listAuditHandler(c *echo.Context) error {
	filter := store.AuditFilter{
		AgentID: c.QueryParam("agent"),
		Probe:   c.QueryParam("probe"),
		Limit:   100,
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		filter.Since = since
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		filter.Limit = n
	}

	ctx := c.Request().Context()
	entries, err := s.deps.Store.ListAudit(ctx, filter)
	if err != nil {
		return mapStoreError(err)
	}
	total, err := s.deps.Store.CountAudit(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listPacksHandler handles GET /api/v1/packs.
func (s *Server) listPacksHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

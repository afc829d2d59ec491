package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/models"
)

// listCriticalPathsHandler handles GET /api/v1/critical-paths.
func (s *Server) listCriticalPathsHandler(c *echo.Context) error {
	paths, err := s.deps.Store.ListCriticalPaths(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, paths)
}

// getCriticalPathHandler handles GET /api/v1/critical-paths/:id.
func (s *Server) getCriticalPathHandler(c *echo.Context) error {
	path, err := s.deps.Store.GetCriticalPath(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, path)
}

// saveCriticalPathHandler handles POST /api/v1/critical-paths. Posting an
// existing ID replaces the definition.
func (s *Server) saveCriticalPathHandler(c *echo.Context) error {
	var path models.CriticalPath
	if err := c.Bind(&path); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if path.Name == "" || len(path.Steps) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "name and at least one step are required")
	}
	for _, step := range path.Steps {
		if step.TargetID == "" || len(step.Probes) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "every step needs a target and at least one probe")
		}
	}
	if path.ID == "" {
		path.ID = uuid.NewString()
	}

	if err := s.deps.Store.SaveCriticalPath(c.Request().Context(), &path); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &path)
}

// deleteCriticalPathHandler handles DELETE /api/v1/critical-paths/:id.
func (s *Server) deleteCriticalPathHandler(c *echo.Context) error {
	if err := s.deps.Store.DeleteCriticalPath(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

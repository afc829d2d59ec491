package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/models"
)

type createAPIKeyRequest struct {
	Name      string           `json:"name"`
	Role      models.Role      `json:"role"`
	Policy    models.KeyPolicy `json:"policy"`
	ExpiresAt *time.Time       `json:"expires_at"`
}

// createAPIKeyHandler handles POST /api/v1/api-keys. The raw secret appears
// in this response and nowhere else.
func (s *Server) createAPIKeyHandler(c *echo.Context) error {
	var req createAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	createdBy := ""
	if authCtx := auth.FromEcho(c); authCtx != nil {
		createdBy = authCtx.KeyName
	}

	key, raw, err := s.deps.Keys.CreateKey(c.Request().Context(),
		req.Name, req.Role, req.Policy, req.ExpiresAt, createdBy)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"key":    key,
		"secret": raw,
	})
}

// listAPIKeysHandler handles GET /api/v1/api-keys.
func (s *Server) listAPIKeysHandler(c *echo.Context) error {
	keys, err := s.deps.Keys.List(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, keys)
}

// revokeAPIKeyHandler handles DELETE /api/v1/api-keys/:id.
func (s *Server) revokeAPIKeyHandler(c *echo.Context) error {
	if err := s.deps.Keys.Revoke(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

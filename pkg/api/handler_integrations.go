package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/models"
)

// integrationView is the safe projection returned to API clients. Credentials
// never leave the store in API responses.
type integrationView struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	Endpoint       string     `json:"endpoint,omitempty"`
	LastTestResult string     `json:"last_test_result,omitempty"`
	LastTestedAt   *time.Time `json:"last_tested_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func viewIntegration(integ *models.Integration) integrationView {
	v := integrationView{
		ID:             integ.ID,
		Type:           integ.Type,
		Name:           integ.Name,
		Status:         integ.Status,
		LastTestResult: integ.LastTestResult,
		LastTestedAt:   integ.LastTestedAt,
		CreatedAt:      integ.CreatedAt,
	}
	if integ.Config != nil {
		v.Endpoint = integ.Config.Endpoint
	}
	return v
}

// listIntegrationsHandler handles GET /api/v1/integrations.
func (s *Server) listIntegrationsHandler(c *echo.Context) error {
	integrations, err := s.deps.Store.ListIntegrations(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	out := make([]integrationView, 0, len(integrations))
	for _, integ := range integrations {
		out = append(out, viewIntegration(integ))
	}
	return c.JSON(http.StatusOK, out)
}

type integrationRequest struct {
	Type   string                    `json:"type"`
	Name   string                    `json:"name"`
	Config *models.IntegrationConfig `json:"config"`
}

// createIntegrationHandler handles POST /api/v1/integrations.
func (s *Server) createIntegrationHandler(c *echo.Context) error {
	var req integrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Type == "" || req.Name == "" || req.Config == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "type, name and config are required")
	}

	integ := &models.Integration{
		ID:     uuid.NewString(),
		Type:   req.Type,
		Name:   req.Name,
		Status: "unknown",
		Config: req.Config,
	}
	if err := s.deps.Store.CreateIntegration(c.Request().Context(), integ); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, viewIntegration(integ))
}

// updateIntegrationHandler handles PUT /api/v1/integrations/:id. Only the
// config is mutable; type and name are fixed at creation.
func (s *Server) updateIntegrationHandler(c *echo.Context) error {
	var req integrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Config == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "config is required")
	}

	id := c.Param("id")
	if err := s.deps.Store.UpdateIntegrationConfig(c.Request().Context(), id, req.Config); err != nil {
		return mapStoreError(err)
	}
	integ, err := s.deps.Store.GetIntegration(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, viewIntegration(integ))
}

// deleteIntegrationHandler handles DELETE /api/v1/integrations/:id.
func (s *Server) deleteIntegrationHandler(c *echo.Context) error {
	if err := s.deps.Store.DeleteIntegration(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// testIntegrationHandler handles POST /api/v1/integrations/:id/test: run the
// type-specific connectivity check and persist the outcome.
func (s *Server) testIntegrationHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	integ, err := s.deps.Store.GetIntegration(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	status := "ok"
	result := "ok"
	if testErr := s.deps.Executor.Test(ctx, integ.Name); testErr != nil {
		status = "error"
		result = testErr.Error()
	}
	if err := s.deps.Store.UpdateIntegrationStatus(ctx, integ.ID, status, result, time.Now().UTC()); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": status,
		"result": result,
	})
}

// integrationEventsHandler handles GET /api/v1/integrations/:id/events.
func (s *Server) integrationEventsHandler(c *echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	events, err := s.deps.Store.ListIntegrationEvents(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, events)
}

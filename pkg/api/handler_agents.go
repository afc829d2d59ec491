package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.deps.Store.ListAgents(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}

	type row struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		OS        string `json:"os"`
		Version   string `json:"agent_version"`
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
		LastSeen  string `json:"last_seen"`
	}
	out := make([]row, 0, len(agents))
	for _, a := range agents {
		out = append(out, row{
			ID:        a.ID,
			Name:      a.Name,
			OS:        a.OS,
			Version:   a.AgentVersion,
			Status:    string(a.Status),
			Connected: s.deps.Dispatcher.Connected(a.ID),
			LastSeen:  a.LastSeen.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.deps.Store.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agent":     agent,
		"connected": s.deps.Dispatcher.Connected(agent.ID),
	})
}

// deleteAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) deleteAgentHandler(c *echo.Context) error {
	if err := s.deps.Store.DeleteAgent(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

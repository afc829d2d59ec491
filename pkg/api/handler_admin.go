package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

// listAccessGroupsHandler handles GET /api/v1/access-groups.
func (s *Server) listAccessGroupsHandler(c *echo.Context) error {
	groups, err := s.deps.Store.ListAccessGroups(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, groups)
}

// saveAccessGroupHandler handles POST /api/v1/access-groups. Posting an
// existing ID replaces the group.
func (s *Server) saveAccessGroupHandler(c *echo.Context) error {
	var group models.AccessGroup
	if err := c.Bind(&group); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if group.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}

	if err := s.deps.Store.SaveAccessGroup(c.Request().Context(), &group); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &group)
}

// deleteAccessGroupHandler handles DELETE /api/v1/access-groups/:id.
func (s *Server) deleteAccessGroupHandler(c *echo.Context) error {
	if err := s.deps.Store.DeleteAccessGroup(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type ssoConfigResponse struct {
	TenantID    string `json:"tenant_id"`
	ClientID    string `json:"client_id"`
	SecretIsSet bool   `json:"secret_is_set"`
	Enabled     bool   `json:"enabled"`
}

// getSSOConfigHandler handles GET /api/v1/settings/sso. The client secret is
// write-only.
func (s *Server) getSSOConfigHandler(c *echo.Context) error {
	cfg, err := s.deps.Store.GetSSOConfig(c.Request().Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusOK, ssoConfigResponse{})
		}
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, ssoConfigResponse{
		TenantID:    cfg.TenantID,
		ClientID:    cfg.ClientID,
		SecretIsSet: cfg.ClientSecret != "",
		Enabled:     cfg.Enabled,
	})
}

type ssoConfigRequest struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Enabled      bool   `json:"enabled"`
}

// setSSOConfigHandler handles PUT /api/v1/settings/sso. Omitting the secret
// keeps the stored one.
func (s *Server) setSSOConfigHandler(c *echo.Context) error {
	var req ssoConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Enabled && (req.TenantID == "" || req.ClientID == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and client_id are required to enable sso")
	}

	ctx := c.Request().Context()
	if req.ClientSecret == "" {
		if existing, err := s.deps.Store.GetSSOConfig(ctx); err == nil {
			req.ClientSecret = existing.ClientSecret
		}
	}
	err := s.deps.Store.SetSSOConfig(ctx, &store.SSOConfig{
		TenantID:     req.TenantID,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Enabled:      req.Enabled,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// listAuthorizedUsersHandler handles GET /api/v1/authorized-users.
func (s *Server) listAuthorizedUsersHandler(c *echo.Context) error {
	users, err := s.deps.Store.ListAuthorizedUsers(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, users)
}

type authorizedPrincipalRequest struct {
	UPN     string      `json:"upn,omitempty"`
	GroupID string      `json:"group_id,omitempty"`
	Role    models.Role `json:"role"`
}

// upsertAuthorizedUserHandler handles POST /api/v1/authorized-users.
func (s *Server) upsertAuthorizedUserHandler(c *echo.Context) error {
	var req authorizedPrincipalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.UPN == "" || req.Role.Level() == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "upn and a valid role are required")
	}
	if err := s.deps.Store.UpsertAuthorizedUser(c.Request().Context(), req.UPN, req.Role); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// removeAuthorizedUserHandler handles DELETE /api/v1/authorized-users/:upn.
func (s *Server) removeAuthorizedUserHandler(c *echo.Context) error {
	if err := s.deps.Store.RemoveAuthorizedUser(c.Request().Context(), c.Param("upn")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// upsertAuthorizedGroupHandler handles POST /api/v1/authorized-groups.
func (s *Server) upsertAuthorizedGroupHandler(c *echo.Context) error {
	var req authorizedPrincipalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.GroupID == "" || req.Role.Level() == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "group_id and a valid role are required")
	}
	if err := s.deps.Store.UpsertAuthorizedGroup(c.Request().Context(), req.GroupID, req.Role); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// removeAuthorizedGroupHandler handles DELETE /api/v1/authorized-groups/:id.
func (s *Server) removeAuthorizedGroupHandler(c *echo.Context) error {
	if err := s.deps.Store.RemoveAuthorizedGroup(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// getRolePermissionsHandler handles GET /api/v1/roles/:name.
func (s *Server) getRolePermissionsHandler(c *echo.Context) error {
	perms, err := s.deps.Store.GetRolePermissions(c.Request().Context(), c.Param("name"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"role":        c.Param("name"),
		"permissions": perms,
	})
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// setRolePermissionsHandler handles PUT /api/v1/roles/:name. Custom
// permission lists extend a role; they never lower the role hierarchy.
func (s *Server) setRolePermissionsHandler(c *echo.Context) error {
	var req rolePermissionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.deps.Store.SetRolePermissions(c.Request().Context(), c.Param("name"), req.Permissions); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type createAdminRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

// createAdminHandler handles POST /api/v1/admins. Once the first row exists
// the bootstrap credentials from the environment stop working.
func (s *Server) createAdminHandler(c *echo.Context) error {
	var req createAdminRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Username == "" || len(req.Password) < 12 {
		return echo.NewHTTPError(http.StatusBadRequest, "username and a password of at least 12 characters are required")
	}
	if req.Role.Level() == 0 {
		req.Role = models.RoleAdmin
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return mapStoreError(err)
	}
	err = s.deps.Store.CreateLocalAdmin(c.Request().Context(), &store.LocalAdmin{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"username": req.Username,
		"role":     string(req.Role),
	})
}

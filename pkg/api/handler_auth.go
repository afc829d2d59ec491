package api

import (
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginHandler handles POST /auth/login with local admin credentials.
func (s *Server) loginHandler(c *echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	token, err := s.deps.Sessions.Login(c.Request().Context(), req.Username, req.Password, sourceIP(c.Request()))
	if err != nil {
		return mapStoreError(err)
	}

	c.SetCookie(s.deps.Sessions.Cookie(token))
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// logoutHandler handles POST /auth/logout.
func (s *Server) logoutHandler(c *echo.Context) error {
	if cookie, err := c.Request().Cookie(s.deps.Sessions.Cookie("").Name); err == nil {
		s.deps.Sessions.Logout(cookie.Value)
	}
	c.SetCookie(s.deps.Sessions.Cookie(""))
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ssoLoginHandler handles GET /auth/sso/login: redirect to the identity
// provider.
func (s *Server) ssoLoginHandler(c *echo.Context) error {
	if !s.deps.SSO.Enabled(c.Request().Context()) {
		return echo.NewHTTPError(http.StatusNotFound, "sso is not configured")
	}
	authURL, err := s.deps.SSO.BeginLogin(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.Redirect(http.StatusFound, authURL)
}

// ssoCallbackHandler handles GET /auth/sso/callback: complete the code
// exchange, authorize the identity, and establish a session.
func (s *Server) ssoCallbackHandler(c *echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and code are required")
	}

	upn, role, err := s.deps.SSO.CompleteLogin(c.Request().Context(), state, code)
	if err != nil {
		return mapStoreError(err)
	}

	token, err := s.deps.Sessions.CreateSSOSession(upn, role)
	if err != nil {
		return mapStoreError(err)
	}
	c.SetCookie(s.deps.Sessions.Cookie(token))
	return c.Redirect(http.StatusFound, "/")
}

// sourceIP extracts the caller's IP for login rate limiting.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

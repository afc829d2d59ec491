package api

import (
	"net/http"
	"net/url"
	"time"

	echo "github.com/labstack/echo/v5"
)

// oauthMetadataHandler handles GET /.well-known/oauth-authorization-server.
func (s *Server) oauthMetadataHandler(c *echo.Context) error {
	base := s.cfg.HubURL
	if base == "" {
		base = "http://" + c.Request().Host
	}
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"registration_endpoint":                 base + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

type registerClientRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// oauthRegisterHandler handles POST /oauth/register (dynamic client
// registration).
func (s *Server) oauthRegisterHandler(c *echo.Context) error {
	var req registerClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	client, err := s.deps.Provider.RegisterClient(c.Request().Context(), req.ClientName, req.RedirectURIs)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"client_id":     client.ClientID,
		"client_name":   client.Name,
		"redirect_uris": client.RedirectURIs,
	})
}

// oauthAuthorizeHandler handles GET /oauth/authorize. The resource owner is
// the logged-in dashboard user; an unauthenticated browser is sent to the
// login page with the original request preserved.
func (s *Server) oauthAuthorizeHandler(c *echo.Context) error {
	if _, err := s.deps.Authn.Resolve(c.Request().Context(), c.Request()); err != nil {
		return c.Redirect(http.StatusFound, "/login?next="+url.QueryEscape(c.Request().URL.String()))
	}

	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	state := c.QueryParam("state")

	code, err := s.deps.Provider.Authorize(c.Request().Context(),
		clientID,
		redirectURI,
		c.QueryParam("scope"),
		c.QueryParam("code_challenge"),
		c.QueryParam("code_challenge_method"),
	)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "redirect uri is not a url")
	}
	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// oauthTokenHandler handles POST /oauth/token (form-encoded, public client
// with PKCE).
func (s *Server) oauthTokenHandler(c *echo.Context) error {
	if grant := c.FormValue("grant_type"); grant != "authorization_code" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unsupported_grant_type",
		})
	}

	raw, expiresAt, err := s.deps.Provider.ExchangeToken(c.Request().Context(),
		c.FormValue("client_id"),
		c.FormValue("redirect_uri"),
		c.FormValue("code"),
		c.FormValue("code_verifier"),
	)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid_grant",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(expiresAt).Seconds()),
		"scope":        c.FormValue("scope"),
	})
}

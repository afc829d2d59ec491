package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/store"
)

// mapStoreError maps persistence and auth errors to HTTP error responses.
// Internal errors never leak detail to the response body.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if errors.Is(err, auth.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed login attempts")
	}
	if errors.Is(err, auth.ErrNotAuthorized) {
		return echo.NewHTTPError(http.StatusForbidden, "user is not authorized for this hub")
	}

	slog.Error("Unexpected server error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/common/models"
)

// statusFor maps engine taxonomy errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsPermissionDenied(err):
		return http.StatusForbidden
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsCancelled(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the taxonomy-mapped error response. Internal errors
// hide the cause behind a generic message.
func respondError(c echo.Context, err error) error {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	return c.JSON(status, map[string]interface{}{
		"error": message,
	})
}

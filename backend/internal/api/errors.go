package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	apperrors "identity-hub/backend/pkg/errors"
	"go.uber.org/zap"
)

// statusOf maps an error's type to the HTTP status returned to clients
func statusOf(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrorTypeForbidden:
		return http.StatusForbidden
	case apperrors.ErrorTypeConflict, apperrors.ErrorTypeInconsistency:
		return http.StatusConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes {error: message}. Untyped and backend errors are
// logged and reported as "internal error" so store details never leak.
func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperrors.MessageOf(err)})
}

// bindError turns a request binding failure into a validation error naming
// the first offending field. Malformed JSON names the whole body.
func bindError(err error, fallback string) error {
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		name := fields[0].Field()
		return apperrors.NewValidation(strings.ToLower(name[:1]) + name[1:])
	}
	return apperrors.NewValidation(fallback)
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wingetdash/fleet/internal/server/bundle"
	"github.com/wingetdash/fleet/internal/server/store"
	"github.com/wingetdash/fleet/pkg/api"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrHostNotFound),
		errors.Is(err, store.ErrBundleNotFound),
		errors.Is(err, bundle.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrBundleExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, api.ErrInvalidPayload),
		errors.Is(err, bundle.ErrInvalidBundle):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and writes an ErrorResponse.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		c.Error(err)
		if status == http.StatusServiceUnavailable {
			msg = "store unavailable"
		} else {
			msg = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: msg})
}

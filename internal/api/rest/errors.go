package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/device"
	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/safety"
	"github.com/fleetcore-io/fleetcore/internal/types"
)

// respondError maps a domain error to its HTTP status and the shared
// error envelope. Unrecognized errors become 500s and are logged; the
// rest speak for themselves.
func (s *Server) respondError(c *gin.Context, err error) {
	var rateErr *safety.RateLimitError
	var limitErr *safety.LimitError

	switch {
	case errors.Is(err, safety.ErrEmergencyStopActive):
		c.JSON(http.StatusLocked,
			types.NewErrorResponse(types.CodeEmergencyStop, err.Error(), nil))

	case errors.As(err, &rateErr):
		c.JSON(http.StatusTooManyRequests,
			types.NewErrorResponse(types.CodeRateLimited, err.Error(), gin.H{
				"kind":  rateErr.Kind,
				"quota": rateErr.Quota,
			}))

	case errors.As(err, &limitErr):
		c.JSON(http.StatusBadRequest,
			types.NewErrorResponse(types.CodeValidation, err.Error(), gin.H{
				"parameter": limitErr.Parameter,
				"value":     limitErr.Value,
				"limit":     limitErr.Limit,
			}))

	case errors.Is(err, connection.ErrSessionNotFound),
		errors.Is(err, connection.ErrDeviceNotRegistered),
		errors.Is(err, device.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound,
			types.NewErrorResponse(types.CodeNotFound, err.Error(), nil))

	case errors.Is(err, connection.ErrAlreadyConnected),
		errors.Is(err, connection.ErrConnectInProgress):
		c.JSON(http.StatusConflict,
			types.NewErrorResponse(types.CodeConflict, err.Error(), nil))

	case errors.Is(err, device.ErrCapabilityUnsupported),
		errors.Is(err, driver.ErrUnsupportedDevice):
		c.JSON(http.StatusBadRequest,
			types.NewErrorResponse(types.CodeValidation, err.Error(), nil))

	case errors.Is(err, driver.ErrChannelUnavailable):
		c.JSON(http.StatusServiceUnavailable,
			types.NewErrorResponse(types.CodeUnavailable, err.Error(), nil))

	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			types.NewErrorResponse(types.CodeInternal, err.Error(), nil))
	}
}

// badRequest is the shortcut for malformed input.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeValidation, msg, nil))
}

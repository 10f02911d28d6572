package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"slotattend/internal/attendance"
)

// Client-facing marking messages.
const (
	msgNoActiveSession = "No active session"
	msgInvalidPin      = "Invalid PIN"
	msgInvalidQRToken  = "Invalid QR token"
	msgDeviceMismatch  = "Device fingerprint mismatch"
	msgAlreadyMarked   = "Already marked"
	msgRecorded        = "Attendance recorded"
)

// statusFor maps an error to the HTTP status and message clients see.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, attendance.ErrNoActiveSession):
		return http.StatusBadRequest, msgNoActiveSession
	case errors.Is(err, attendance.ErrInvalidPin):
		return http.StatusForbidden, msgInvalidPin
	case errors.Is(err, attendance.ErrInvalidQRToken):
		return http.StatusForbidden, msgInvalidQRToken
	case errors.Is(err, attendance.ErrDeviceMismatch):
		return http.StatusForbidden, msgDeviceMismatch
	case errors.Is(err, attendance.ErrAlreadyMarked):
		return http.StatusOK, msgAlreadyMarked
	case errors.Is(err, attendance.ErrValidation):
		return http.StatusBadRequest, clientMessage(err, attendance.ErrValidation)
	case errors.Is(err, attendance.ErrForbidden):
		return http.StatusForbidden, clientMessage(err, attendance.ErrForbidden)
	case errors.Is(err, attendance.ErrNotFound):
		return http.StatusNotFound, clientMessage(err, attendance.ErrNotFound)
	case errors.Is(err, attendance.ErrConflict):
		return http.StatusConflict, clientMessage(err, attendance.ErrConflict)
	}
	return http.StatusInternalServerError, "Internal server error"
}

// clientMessage drops the sentinel prefix from wrapped errors.
func clientMessage(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func writeError(c *gin.Context, log zerolog.Logger, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "msg": msg})
}

// bindError turns gin binding failures into validation errors.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, describeField(fe))
		}
		return fmt.Errorf("%w: %s", attendance.ErrValidation, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: malformed request", attendance.ErrValidation)
}

func describeField(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of " + fe.Param()
	case "gt", "min":
		return field + " must be greater than " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	}
	return field + " is invalid"
}

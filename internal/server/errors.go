package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mitsume/internal/camera"
	"mitsume/internal/capture"
	"mitsume/internal/settings"
	"mitsume/internal/state"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// classify はエラーをHTTPステータスとエラーコードに対応づける
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, camera.ErrControlRejected):
		return http.StatusUnprocessableEntity, "control_rejected"
	case errors.Is(err, camera.ErrAmbiguousOwner):
		return http.StatusConflict, "ambiguous_owner"
	case errors.Is(err, capture.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, capture.ErrNoFrame):
		return http.StatusServiceUnavailable, "no_frame"
	case errors.Is(err, camera.ErrCaptureUnavailable),
		errors.Is(err, capture.ErrStartTimeout),
		errors.Is(err, capture.ErrStopTimeout):
		return http.StatusServiceUnavailable, "capture_unavailable"
	case errors.Is(err, camera.ErrBackendUnavailable):
		return http.StatusBadGateway, "backend_unavailable"
	case errors.Is(err, settings.ErrPersistenceIO), errors.Is(err, settings.ErrCorruptFile):
		return http.StatusInternalServerError, "persistence_error"
	case errors.Is(err, state.ErrStoreStopped):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError はエラーを分類してJSONで返す
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	resp := ErrorResponse{
		Error:     code,
		Message:   camera.HumanizeError(err),
		Timestamp: time.Now(),
	}
	if resp.Message != err.Error() {
		resp.Details = err.Error()
	}

	var rejected *camera.ControlRejectedError
	if errors.As(err, &rejected) {
		resp.Message = rejected.Reason
	}
	c.JSON(status, resp)
}

// writeError は任意のステータスでエラーを返す
func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

// AcceptedResponse reports work that continues in the background
func AcceptedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusAccepted, data)
}

// ErrorResponse sends an error response with an explicit status
func ErrorResponse(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, APIResponse{
		Error:     &APIError{Code: code, Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// BadRequestResponse sends a 400 response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// UnauthorizedResponse sends a 401 response
func UnauthorizedResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// statusFor maps an application error type to its HTTP status
func statusFor(t errors.ErrorType) int {
	switch t {
	case errors.ErrorTypeValidation, errors.ErrorTypeEntityMissing:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeRateLimit:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AppErrorResponse renders err. Internal errors are logged through the gin
// context and never echo their message.
func AppErrorResponse(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		_ = c.Error(err)
		ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	status := statusFor(appErr.Type)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	message := appErr.Message
	if appErr.Type == errors.ErrorTypeInternal {
		message = "internal error"
	}

	c.AbortWithStatusJSON(status, APIResponse{
		Error: &APIError{
			Code:    appErr.Code,
			Message: message,
			Details: appErr.Details,
		},
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

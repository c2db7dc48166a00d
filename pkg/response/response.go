package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/otc-desk/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeDealExpired       = "DEAL_EXPIRED"
	ErrCodeGroupPaused       = "GROUP_PAUSED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Handle maps a service result onto the response envelope. Domain errors
// carry their own taxonomy: validation, conflict, not-found, expired and
// paused each get a distinct code so the routing layer can phrase the
// reply to the client instead of retrying blindly.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrDealNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case types.IsValidation(err):
		ValidationFailed(c, err.Error())
	case errors.Is(err, types.ErrDealExpired):
		errorWithStatus(c, http.StatusConflict, ErrCodeDealExpired, err.Error())
	case errors.Is(err, types.ErrDealTerminal):
		errorWithStatus(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, types.ErrGroupPaused):
		errorWithStatus(c, http.StatusConflict, ErrCodeGroupPaused, err.Error())
	case types.IsConflict(err), errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 400 response with the validation error code
func ValidationFailed(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	errorWithStatus(c, http.StatusConflict, ErrCodeConflict, message)
}

func errorWithStatus(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

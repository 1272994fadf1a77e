package models

import "errors"

// Application-wide standard errors.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrStoryNotFound = errors.New("story not found")
	ErrPageNotFound  = errors.New("page not found")
	ErrTaskNotFound  = errors.New("task not found")

	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")

	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input data")
	ErrStoryNotReadyYet   = errors.New("story text is not generated yet")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTooManyTasks       = errors.New("too many active tasks")
	ErrInternalServer     = errors.New("internal server error")
)

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest         = 40001
	ErrCodeValidation         = 40002
	ErrCodeTokenInvalid       = 40101
	ErrCodeTokenExpired       = 40102
	ErrCodeForbidden          = 40301
	ErrCodeNotFound           = 40401
	ErrCodeConflict           = 40901
	ErrCodeTooManyRequests    = 42901
	ErrCodeInternal           = 50001
	ErrCodeServiceUnavailable = 50301
)

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

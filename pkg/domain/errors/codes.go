package errors

import "net/http"

// Code represents an error code
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"               // Unknown error occurred
	CodeInternalError        Code = "INTERNAL_ERROR"        // Internal system error
	CodeValidationFailed     Code = "VALIDATION_FAILED"     // Input validation failed
	CodeInvalidParameter     Code = "INVALID_PARAMETER"     // Invalid parameter provided
	CodeMissingParameter     Code = "MISSING_PARAMETER"     // Required parameter missing
	CodeInvalidState         Code = "INVALID_STATE"         // Callback state could not be resolved
	CodeIoError              Code = "IO_ERROR"              // Input/output operation failed
	CodeFileNotFound         Code = "FILE_NOT_FOUND"        // File not found
	CodeNotFound             Code = "NOT_FOUND"             // Not found
	CodeAlreadyExists        Code = "ALREADY_EXISTS"        // Already exists
	CodeSessionExpired       Code = "SESSION_EXPIRED"       // Session has expired
	CodeUnauthorized         Code = "UNAUTHORIZED"          // Caller failed authorisation
	CodeRateLimited          Code = "RATE_LIMITED"          // Too many requests
	CodeNetworkError         Code = "NETWORK_ERROR"         // Network error
	CodeUpstreamError        Code = "UPSTREAM_ERROR"        // Identity provider returned an error
	CodeConfigurationInvalid Code = "CONFIGURATION_INVALID" // Configuration invalid
	CodeDockerfileSyntax     Code = "DOCKERFILE_SYNTAX"     // Dockerfile could not be parsed
	CodeRecipeInvalid        Code = "RECIPE_INVALID"        // Build recipe failed validation
)

// HTTPStatus maps a code to the status returned to HTTP callers.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationFailed, CodeInvalidParameter, CodeMissingParameter, CodeInvalidState:
		return http.StatusBadRequest
	case CodeNotFound, CodeSessionExpired, CodeFileNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNetworkError, CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import "fmt"

// apiError is a domain failure surfaced to the caller with a specific HTTP
// status and message, per spec.md §7's validation/auth/resource-conflict
// taxonomy.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return e.Message }

func badRequest(format string, args ...any) *apiError {
	return &apiError{Status: 400, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(message string) *apiError {
	return &apiError{Status: 401, Message: message}
}

func conflict(format string, args ...any) *apiError {
	return &apiError{Status: 409, Message: fmt.Sprintf(format, args...)}
}

package service

// Error is a service-level failure identified by a stable code.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface
func (e Error) Error() string {
	return e.Message
}

// Is matches any Error carrying the same code.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Code == e.Code
}

// NewError creates a new error
func NewError(code, message string) Error {
	return Error{Code: code, Message: message}
}

var (
	ErrCircuitBreakerOpen = NewError("circuit_breaker_open", "circuit breaker is open")
	ErrBudgetUnavailable  = NewError("budget_unavailable", "shared rate budget unavailable")
)

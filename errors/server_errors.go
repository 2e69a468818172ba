// errors/server_errors.go
package errors

import "errors"

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInternalServer  = errors.New("internal server error")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrAuditSinkFull   = errors.New("audit sink queue full")
	ErrAuditSinkClosed = errors.New("audit sink closed")
)

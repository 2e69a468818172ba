// errors/authz_errors.go
package errors

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid authorization request")
	ErrClassification = errors.New("classification failed")

	ErrCacheUnavailable = errors.New("shared cache unavailable")
	ErrInvalidTTLPolicy = errors.New("invalid ttl policy")

	ErrPolicyEvaluationTimeout   = errors.New("policy evaluation timed out")
	ErrPolicyEvaluationTransport = errors.New("policy evaluation transport failure")
	ErrPolicyEvaluationMalformed = errors.New("policy evaluation returned a malformed response")
	ErrPolicyReloadUnsupported   = errors.New("policy backend does not support reload")

	ErrInvalidationDelivery = errors.New("invalidation delivery failed")
	ErrInvalidScope         = errors.New("invalid invalidation scope")
	ErrBusClosed            = errors.New("invalidation bus closed")
	ErrMalformedEvent       = errors.New("malformed invalidation event")
)

// util/validation_util.go

package util

import (
	"fmt"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// ValidationUtil checks request shapes at the HTTP boundary. Per-request
// field checks live on model.AuthorizationRequest.Validate.
type ValidationUtil struct {
	maxBatchSize int
}

func NewValidationUtil(maxBatchSize int) *ValidationUtil {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &ValidationUtil{maxBatchSize: maxBatchSize}
}

func (v *ValidationUtil) MaxBatchSize() int {
	return v.maxBatchSize
}

func (v *ValidationUtil) ValidateBatch(reqs []model.AuthorizationRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("%w: batch must contain at least one request", authzErrors.ErrInvalidRequest)
	}
	if len(reqs) > v.maxBatchSize {
		return fmt.Errorf("%w: %d requests, limit %d", authzErrors.ErrBatchTooLarge, len(reqs), v.maxBatchSize)
	}
	return nil
}

func (v *ValidationUtil) ValidateScope(scope model.Scope) error {
	return scope.Validate()
}

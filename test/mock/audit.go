// test/mock/audit.go
package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
)

// MockAuditRepository is a mock implementation of audit.Repository
type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Write(ctx context.Context, rec audit.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

package coroot

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// MockBackend implements interfaces.TenantBackend for testing. Behavior is
// configured through the embedded testify mock.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) CreateOrFetch(ctx context.Context, id interfaces.TenantID) (*interfaces.Tenant, bool, error) {
	args := m.Called(ctx, id)
	tenant, _ := args.Get(0).(*interfaces.Tenant)
	return tenant, args.Bool(1), args.Error(2)
}

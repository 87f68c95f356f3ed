package registry

import (
	"context"

	"servicebus/internal/domain"
)

// servicesManager is the built-in resource remote callers use to learn the
// shape of other resources before addressing them.
type servicesManager struct {
	r *Registry
}

func (m *servicesManager) ResourceID() string { return ServicesManagerID }

// GetResourceScheme reports which members of the resource's type are callable.
func (m *servicesManager) GetResourceScheme(ctx context.Context, resourceID string) (domain.ResourceScheme, error) {
	return m.r.schemes.Scheme(ctx, resourceID)
}

// GetServiceNames lists the registered singleton services.
func (m *servicesManager) GetServiceNames() []string {
	return m.r.Services()
}

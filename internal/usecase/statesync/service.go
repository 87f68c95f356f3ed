package statesync

import (
	"context"
	"encoding/json"

	"servicebus/internal/domain"
)

// ServiceName is the resource id of the store's bus service.
const ServiceName = "StoreService"

// StoreService exposes a store on the bus. Mutations emits every mutation
// the store applies locally.
type StoreService struct {
	Mutations *domain.Stream `json:"mutations"`

	store *Store
}

// NewStoreService wraps store. The returned func stops feeding Mutations.
// bus may be nil, in which case Mutations never emits.
func NewStoreService(store *Store, bus domain.EventBus) (*StoreService, func()) {
	svc := &StoreService{
		Mutations: domain.NewStream(""),
		store:     store,
	}
	if bus == nil {
		return svc, func() {}
	}
	unsub := bus.Subscribe(domain.EventMutation, func(_ context.Context, ev domain.Event) {
		svc.Mutations.Emit(ev.Mutation)
	})
	return svc, unsub
}

func (svc *StoreService) ResourceID() string { return ServiceName }

// GetState returns a copy of the whole state tree.
func (svc *StoreService) GetState() map[string]any { return svc.store.State() }

// GetModule returns one module's state, or null when it does not exist.
func (svc *StoreService) GetModule(name string) any {
	v, _ := svc.store.Get(name)
	return v
}

// Commit applies a named mutation as if it were committed in this process.
func (svc *StoreService) Commit(ctx context.Context, mutationType string, payload json.RawMessage) error {
	return svc.store.Commit(ctx, domain.Mutation{Type: mutationType, Payload: payload}, domain.OriginLocal)
}

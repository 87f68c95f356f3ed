package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"servicebus/internal/domain"
)

// ServicesManagerID is the built-in resource that serves scheme introspection.
const ServicesManagerID = "ServicesManager"

// MethodUnsubscribe releases a subscription resource id.
const MethodUnsubscribe = "unsubscribe"

// promiseType is the type name of synthetic promise resource ids.
const promiseType = "Promise"

// HelperFactory creates a helper from the constructor arguments embedded in
// its resource id, e.g. Source["abc"] -> factory(ctx, [`"abc"`]).
type HelperFactory func(ctx context.Context, args []json.RawMessage) (domain.Resource, error)

// Caller is notified of every subscription a request creates, before any
// event for it can be published. The transport server implements it per
// connection so that no event races ahead of the subscription.
type Caller interface {
	Subscribed(resourceID string, emitter domain.Emitter)
}

// Deps holds the registry's collaborators.
type Deps struct {
	Bus    domain.EventBus
	Logger *slog.Logger
}

type streamState struct {
	stream *domain.Stream
	refs   int
	detach func()
}

// Registry maps resource ids to live objects and executes requests against
// them. It is the only writer of resource bindings.
type Registry struct {
	bus    domain.EventBus
	logger *slog.Logger

	mu        sync.RWMutex
	services  map[string]any
	helpers   map[string]any
	factories map[string]HelperFactory

	subsMu  sync.Mutex
	streams map[string]*streamState

	schemes *Introspector

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a registry with the built-in ServicesManager resource.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		bus:       deps.Bus,
		logger:    logger.With("component", "registry"),
		services:  make(map[string]any),
		helpers:   make(map[string]any),
		factories: make(map[string]HelperFactory),
		streams:   make(map[string]*streamState),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		closing:   make(chan struct{}),
	}
	r.schemes = newIntrospector(r.resolve)
	r.services[ServicesManagerID] = &servicesManager{r: r}
	return r
}

// Register binds a singleton service under name.
func (r *Registry) Register(name string, svc any) error {
	if name == "" || svc == nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "name and service are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.services[name] = svc
	r.logger.Debug("service registered", "resource", name)
	return nil
}

// RegisterHelper installs a factory for helper ids of the given type name.
func (r *Registry) RegisterHelper(typeName string, factory HelperFactory) {
	r.mu.Lock()
	r.factories[typeName] = factory
	r.mu.Unlock()
}

// Bind makes a helper addressable by its resource id.
func (r *Registry) Bind(h domain.Resource) string {
	id := h.ResourceID()
	r.mu.Lock()
	if _, isService := r.services[id]; !isService {
		r.helpers[id] = h
	}
	r.mu.Unlock()
	return id
}

// Forget drops a helper binding once its owner has removed the object.
func (r *Registry) Forget(resourceID string) {
	r.mu.Lock()
	delete(r.helpers, resourceID)
	r.mu.Unlock()
}

// Services lists the registered singleton service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Introspector returns the scheme introspector backed by this registry.
func (r *Registry) Introspector() *Introspector { return r.schemes }

// Bus returns the event source that carries service events and mutations.
func (r *Registry) Bus() domain.EventBus { return r.bus }

// Close stops pending promise watchers and detaches every stream.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
	r.subsMu.Lock()
	for id, st := range r.streams {
		st.detach()
		delete(r.streams, id)
	}
	r.subsMu.Unlock()
}

func (r *Registry) resolve(ctx context.Context, resourceID string) (any, error) {
	r.mu.RLock()
	if svc, ok := r.services[resourceID]; ok {
		r.mu.RUnlock()
		return svc, nil
	}
	if h, ok := r.helpers[resourceID]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	factory, ok := r.factories[domain.ResourceTypeName(resourceID)]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Registry.resolve", domain.ErrResourceNotFound, resourceID)
	}

	args, err := domain.ResourceArgs(resourceID)
	if err != nil {
		return nil, domain.NewDomainError("Registry.resolve", domain.ErrResourceNotFound, resourceID)
	}
	h, err := factory(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrResourceNotFound, resourceID, err)
	}
	if h == nil {
		return nil, domain.NewDomainError("Registry.resolve", domain.ErrResourceNotFound, resourceID)
	}
	r.mu.Lock()
	if existing, ok := r.helpers[resourceID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.helpers[resourceID] = h
	r.mu.Unlock()
	return h, nil
}

func (r *Registry) isService(resourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[resourceID]
	return ok
}

// Execute runs one request and tags its outcome. caller may be nil when the
// result's subscriptions need no per-connection routing.
func (r *Registry) Execute(ctx context.Context, caller Caller, req domain.Request) (domain.Result, error) {
	resourceID := req.Params.Resource
	if req.Method == MethodUnsubscribe && r.IsSubscription(resourceID) {
		r.Unsubscribe(resourceID)
		return domain.ValueResult{Data: json.RawMessage("true")}, nil
	}

	obj, err := r.resolve(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	value, err := r.invoke(ctx, obj, resourceID, req.Method, req.Params.Args)
	if err != nil {
		r.logger.Debug("request failed",
			"resource", resourceID,
			"method", req.Method,
			"code", string(domain.ErrorCodeOf(err)),
			"error", err,
		)
		return nil, err
	}
	return r.classify(caller, resourceID, req.Method, value)
}

// IsSubscription reports whether resourceID names a promise or an attached
// stream rather than a service or helper.
func (r *Registry) IsSubscription(resourceID string) bool {
	if domain.ResourceTypeName(resourceID) == promiseType {
		return true
	}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	_, ok := r.streams[resourceID]
	return ok
}

// classify turns a returned Go value into a result envelope.
func (r *Registry) classify(caller Caller, resourceID, member string, value any) (domain.Result, error) {
	switch v := value.(type) {
	case nil:
		return domain.ValueResult{Data: json.RawMessage("null")}, nil
	case *domain.Promise:
		id := r.newPromiseID()
		if caller != nil {
			caller.Subscribed(id, domain.EmitterPromise)
		}
		go r.watchPromise(id, v)
		return domain.SubscriptionResult{ResourceID: id, Emitter: domain.EmitterPromise}, nil
	case *domain.Stream:
		id := v.BindID(resourceID + "." + member)
		if caller != nil {
			caller.Subscribed(id, domain.EmitterStream)
		}
		r.retain(id, v)
		return domain.SubscriptionResult{ResourceID: id, Emitter: domain.EmitterStream}, nil
	case domain.Resource:
		id := r.Bind(v)
		scheme := r.schemes.schemeOf(domain.ResourceTypeName(id), v)
		if r.isService(id) {
			return domain.ServiceResult{ResourceID: id, Scheme: scheme}, nil
		}
		return domain.HelperResult{ResourceID: id, Scheme: scheme}, nil
	}

	if list, ok := r.resourceList(value); ok {
		data, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("%w: encode result: %w", domain.ErrMethodThrow, err)
		}
		return domain.ValueResult{Data: data}, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %w", domain.ErrMethodThrow, err)
	}
	return domain.ValueResult{Data: data}, nil
}

// resourceList encodes a slice that holds at least one helper, replacing each
// helper with its inline reference.
func (r *Registry) resourceList(value any) ([]json.RawMessage, bool) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	hasResource := false
	for i := 0; i < rv.Len(); i++ {
		if _, ok := rv.Index(i).Interface().(domain.Resource); ok {
			hasResource = true
			break
		}
	}
	if !hasResource {
		return nil, false
	}
	out := make([]json.RawMessage, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i).Interface()
		if res, ok := item.(domain.Resource); ok {
			out[i] = domain.HelperRef(r.Bind(res))
			continue
		}
		b, err := json.Marshal(item)
		if err != nil {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func (r *Registry) newPromiseID() string {
	r.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
	r.entropyMu.Unlock()
	return domain.NewResourceID(promiseType, id)
}

func (r *Registry) watchPromise(resourceID string, p *domain.Promise) {
	select {
	case <-p.Done():
	case <-r.closing:
		return
	}

	ev := domain.ServiceEvent{ResourceID: resourceID, Emitter: domain.EmitterPromise}
	v, err := p.Result()
	if err != nil {
		ev.IsRejected = true
		ev.Data, _ = json.Marshal(err.Error())
	} else if data, merr := json.Marshal(v); merr != nil {
		ev.IsRejected = true
		ev.Data, _ = json.Marshal(merr.Error())
	} else {
		ev.Data = data
	}
	r.publish(ev)
}

// retain takes one reference on a stream subscription, attaching the
// registry to the stream on the first one.
func (r *Registry) retain(resourceID string, s *domain.Stream) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if st, ok := r.streams[resourceID]; ok {
		st.refs++
		return
	}
	detach := s.Subscribe(func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			r.logger.Warn("stream value not serializable", "resource", resourceID, "error", err)
			return
		}
		r.publish(domain.ServiceEvent{ResourceID: resourceID, Emitter: domain.EmitterStream, Data: data})
	})
	r.streams[resourceID] = &streamState{stream: s, refs: 1, detach: detach}
	r.logger.Debug("stream attached", "resource", resourceID)
}

// Unsubscribe releases one reference on a subscription. The last release
// detaches the stream so no further events are produced for it.
func (r *Registry) Unsubscribe(resourceID string) {
	r.subsMu.Lock()
	st, ok := r.streams[resourceID]
	if !ok {
		r.subsMu.Unlock()
		return
	}
	st.refs--
	released := st.refs <= 0
	if released {
		st.detach()
		delete(r.streams, resourceID)
	}
	r.subsMu.Unlock()

	if released {
		r.logger.Debug("stream detached", "resource", resourceID)
		if r.bus != nil {
			r.bus.Publish(context.Background(), domain.Event{
				Type:      domain.EventSubscriptionReleased,
				Timestamp: time.Now(),
				Service:   domain.ServiceEvent{ResourceID: resourceID, Emitter: domain.EmitterStream},
			})
		}
	}
}

func (r *Registry) publish(ev domain.ServiceEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventServiceMessage,
		Timestamp: time.Now(),
		Service:   ev,
	})
}

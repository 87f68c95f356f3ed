package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"servicebus/internal/domain"
)

// Resource is a dispatch table for one remote resource, built from the
// scheme of its type. Members marked as functions are called; every other
// member is read.
type Resource struct {
	c      *Client
	id     string
	scheme domain.ResourceScheme
}

// Resource returns the dispatch table for resourceID.
func (c *Client) Resource(ctx context.Context, resourceID string) (*Resource, error) {
	scheme, err := c.Scheme(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return &Resource{c: c, id: resourceID, scheme: scheme}, nil
}

// Scheme returns the scheme of resourceID's type. It is fetched from the
// ServicesManager once per type name and cached for the life of the client.
func (c *Client) Scheme(ctx context.Context, resourceID string) (domain.ResourceScheme, error) {
	return c.scheme(resourceID, c.asyncFetch(ctx))
}

// SchemeRequests reports how many scheme lookups went to the server.
func (c *Client) SchemeRequests() int64 { return c.schemeCalls.Load() }

func (c *Client) scheme(resourceID string, fetch func(string) (domain.Result, error)) (domain.ResourceScheme, error) {
	typeName := domain.ResourceTypeName(resourceID)
	if s, ok := c.cachedScheme(typeName); ok {
		return s, nil
	}

	v, err, _ := c.schemeGroup.Do(typeName, func() (any, error) {
		if s, ok := c.cachedScheme(typeName); ok {
			return s, nil
		}
		c.schemeCalls.Add(1)
		res, err := fetch(resourceID)
		if err != nil {
			return nil, err
		}
		vr, ok := res.(domain.ValueResult)
		if !ok {
			return nil, domain.NewDomainError("Client.Scheme", domain.ErrMalformedMessage, fmt.Sprintf("unexpected %s result", res.Kind()))
		}
		var s domain.ResourceScheme
		if err := json.Unmarshal(vr.Data, &s); err != nil {
			return nil, domain.NewDomainError("Client.Scheme", domain.ErrMalformedMessage, err.Error())
		}
		if s == nil {
			s = domain.ResourceScheme{}
		}
		c.cacheScheme(typeName, s)
		s, _ = c.cachedScheme(typeName)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.ResourceScheme), nil
}

func (c *Client) cachedScheme(typeName string) (domain.ResourceScheme, bool) {
	c.schemeMu.Lock()
	defer c.schemeMu.Unlock()
	s, ok := c.schemes[typeName]
	return s, ok
}

// cacheScheme records a scheme unless one is already known for the type.
// Cached schemes are never replaced.
func (c *Client) cacheScheme(typeName string, s domain.ResourceScheme) {
	if s == nil {
		return
	}
	c.schemeMu.Lock()
	defer c.schemeMu.Unlock()
	if _, ok := c.schemes[typeName]; !ok {
		c.schemes[typeName] = s
	}
}

// ID returns the resource id.
func (r *Resource) ID() string { return r.id }

// Scheme returns the member table the resource dispatches on.
func (r *Resource) Scheme() domain.ResourceScheme { return r.scheme }

// Methods lists the callable members, sorted.
func (r *Resource) Methods() []string {
	var out []string
	for name, kind := range r.scheme {
		if kind == domain.MemberFunction {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Fields lists the readable members, sorted.
func (r *Resource) Fields() []string {
	var out []string
	for name, kind := range r.scheme {
		if kind != domain.MemberFunction {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Resource) member(name string, function bool) error {
	op := r.id + "." + name
	kind, ok := r.scheme[name]
	switch {
	case !ok:
		return domain.NewDomainError(op, domain.ErrMethodNotFound, "not in resource scheme")
	case function && kind != domain.MemberFunction:
		return domain.NewDomainError(op, domain.ErrInvalidInput, "member is a field; use Get")
	case !function && kind == domain.MemberFunction:
		return domain.NewDomainError(op, domain.ErrInvalidInput, "member is a method; use Call")
	}
	return nil
}

// Call invokes a method of the resource.
func (r *Resource) Call(ctx context.Context, method string, args ...any) (Value, error) {
	if err := r.member(method, true); err != nil {
		return Value{}, err
	}
	res, err := r.c.Request(ctx, r.id, method, args...)
	if err != nil {
		return Value{}, err
	}
	return r.c.wrap(res, r.c.asyncFetch(ctx))
}

// Get reads a field of the resource.
func (r *Resource) Get(ctx context.Context, field string) (Value, error) {
	if err := r.member(field, false); err != nil {
		return Value{}, err
	}
	res, err := r.c.Request(ctx, r.id, field)
	if err != nil {
		return Value{}, err
	}
	return r.c.wrap(res, r.c.asyncFetch(ctx))
}

// CallSync invokes a method through RequestSync. Nested resources are
// resolved through RequestSync as well.
func (r *Resource) CallSync(method string, args ...any) (Value, error) {
	if err := r.member(method, true); err != nil {
		return Value{}, err
	}
	res, err := r.c.RequestSync(r.id, method, args...)
	if err != nil {
		return Value{}, err
	}
	return r.c.wrap(res, r.c.syncFetch())
}

func (c *Client) asyncFetch(ctx context.Context) func(string) (domain.Result, error) {
	return func(id string) (domain.Result, error) {
		return c.Request(ctx, servicesManagerID, "getResourceScheme", id)
	}
}

func (c *Client) syncFetch() func(string) (domain.Result, error) {
	return func(id string) (domain.Result, error) {
		return c.RequestSync(servicesManagerID, "getResourceScheme", id)
	}
}

// ValueKind classifies a Value.
type ValueKind int

const (
	ValuePlain ValueKind = iota
	ValueResource
	ValueList
	ValueFuture
	ValueStream
)

func (k ValueKind) String() string {
	switch k {
	case ValueResource:
		return "resource"
	case ValueList:
		return "list"
	case ValueFuture:
		return "future"
	case ValueStream:
		return "stream"
	default:
		return "plain"
	}
}

// Value is a decoded result: plain data, a further resource, a list with
// resources inside, a promise future or a stream.
type Value struct {
	kind     ValueKind
	raw      json.RawMessage
	resource *Resource
	list     []Value
	future   *Future
	stream   *Multicast
}

func (v Value) Kind() ValueKind { return v.kind }

// Raw returns the JSON form of plain values and lists.
func (v Value) Raw() json.RawMessage { return v.raw }

func (v Value) Resource() *Resource { return v.resource }

func (v Value) List() []Value { return v.list }

func (v Value) Future() *Future { return v.future }

func (v Value) Stream() *Multicast { return v.stream }

// IsNull reports whether the value is a JSON null.
func (v Value) IsNull() bool {
	return v.kind == ValuePlain && (len(v.raw) == 0 || bytes.Equal(bytes.TrimSpace(v.raw), []byte("null")))
}

// Decode unmarshals a plain value or list into T.
func Decode[T any](v Value) (T, error) {
	var out T
	switch v.kind {
	case ValuePlain, ValueList:
	default:
		return out, domain.NewDomainError("busclient.Decode", domain.ErrInvalidInput, v.kind.String()+" value has no data")
	}
	if err := json.Unmarshal(v.raw, &out); err != nil {
		return out, fmt.Errorf("busclient.Decode: %w", err)
	}
	return out, nil
}

func (c *Client) wrap(res domain.Result, fetch func(string) (domain.Result, error)) (Value, error) {
	switch r := res.(type) {
	case domain.ValueResult:
		return c.wrapData(r.Data, fetch)
	case domain.HelperResult:
		return c.wrapResource(r.ResourceID, r.Scheme, fetch)
	case domain.ServiceResult:
		return c.wrapResource(r.ResourceID, r.Scheme, fetch)
	case domain.SubscriptionResult:
		if r.Emitter == domain.EmitterStream {
			m, err := c.Subscribe(r)
			if err != nil {
				return Value{}, err
			}
			return Value{kind: ValueStream, stream: m}, nil
		}
		f := c.Future(r.ResourceID)
		if f == nil {
			return Value{}, domain.NewDomainError("Client.wrap", domain.ErrNotFound, r.ResourceID)
		}
		return Value{kind: ValueFuture, future: f}, nil
	case domain.EventResult:
		return Value{kind: ValuePlain, raw: r.Data}, nil
	default:
		return Value{}, domain.NewDomainError("Client.wrap", domain.ErrMalformedMessage, fmt.Sprintf("unexpected result %T", res))
	}
}

func (c *Client) wrapResource(id string, scheme domain.ResourceScheme, fetch func(string) (domain.Result, error)) (Value, error) {
	c.cacheScheme(domain.ResourceTypeName(id), scheme)
	s, err := c.scheme(id, fetch)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: ValueResource, resource: &Resource{c: c, id: id, scheme: s}}, nil
}

// wrapData replaces helper references inside a list with resources.
func (c *Client) wrapData(data json.RawMessage, fetch func(string) (domain.Result, error)) (Value, error) {
	plain := Value{kind: ValuePlain, raw: data}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return plain, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return plain, nil
	}

	list := make([]Value, len(elems))
	hasResource := false
	for i, elem := range elems {
		res, err := domain.DecodeResult(elem)
		if err != nil {
			list[i] = Value{kind: ValuePlain, raw: elem}
			continue
		}
		switch r := res.(type) {
		case domain.HelperResult:
			v, err := c.wrapResource(r.ResourceID, r.Scheme, fetch)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
			hasResource = true
		case domain.ServiceResult:
			v, err := c.wrapResource(r.ResourceID, r.Scheme, fetch)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
			hasResource = true
		default:
			list[i] = Value{kind: ValuePlain, raw: elem}
		}
	}
	if !hasResource {
		return plain, nil
	}
	return Value{kind: ValueList, raw: data, list: list}, nil
}

// Package statesync keeps a mutable state tree consistent between the
// state-owning process (the Authority) and any number of Replicas.
//
// State only changes by committing named mutations. A commit made locally is
// stamped with this process's id and a sequence number, published on the
// event bus and forwarded to peers; a commit applied on behalf of a peer is
// never forwarded again.
package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"servicebus/internal/domain"
)

// BulkLoadState merges a snapshot into the state tree key by key. Its
// payload is {"state": {...}}.
const BulkLoadState = "BULK_LOAD_STATE"

// SetModuleState replaces the state of one module. Its payload is
// {"module": name, "state": value}.
const SetModuleState = "SET_MODULE_STATE"

// Mutator applies one mutation payload to the state tree. It works on a
// copy: if it returns an error none of its writes are kept.
type Mutator func(state map[string]any, payload json.RawMessage) error

// StoreDeps holds the store's collaborators.
type StoreDeps struct {
	Bus    domain.EventBus
	Logger *slog.Logger
	// Source identifies this process in mutation stamps. A random ULID is
	// used when empty.
	Source string
}

// Store is a module state tree mutated only through registered mutators.
type Store struct {
	bus    domain.EventBus
	logger *slog.Logger
	source string

	// commitMu serializes commits, so local commits are published in the
	// order they were applied.
	commitMu sync.Mutex

	mu       sync.RWMutex
	state    map[string]any
	mutators map[string]Mutator
	seq      uint64
	applied  map[string]uint64
}

// NewStore creates an empty store.
func NewStore(deps StoreDeps) *Store {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := deps.Source
	if source == "" {
		source = NewProcessID()
	}
	s := &Store{
		bus:      deps.Bus,
		logger:   logger.With("component", "statesync", "source", source),
		source:   source,
		state:    make(map[string]any),
		mutators: make(map[string]Mutator),
		applied:  make(map[string]uint64),
	}
	s.mutators[BulkLoadState] = bulkLoad
	s.mutators[SetModuleState] = setModule
	return s
}

// NewProcessID returns a fresh process id for mutation stamps.
func NewProcessID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Source returns the process id stamped on local commits.
func (s *Store) Source() string { return s.source }

// RegisterMutation installs a named mutator.
func (s *Store) RegisterMutation(name string, fn Mutator) error {
	if name == "" || fn == nil {
		return domain.NewDomainError("Store.RegisterMutation", domain.ErrInvalidInput, "name and mutator are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mutators[name]; exists {
		return domain.NewDomainError("Store.RegisterMutation", domain.ErrDuplicate, name)
	}
	s.mutators[name] = fn
	return nil
}

// RegisterModule seeds the state of a module unless a snapshot already
// provided it. initial is normalized through JSON so that it has the same
// shape a snapshot would give it.
func (s *Store) RegisterModule(name string, initial any) error {
	v, err := normalize(initial)
	if err != nil {
		return domain.NewDomainError("Store.RegisterModule", domain.ErrInvalidInput, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state[name]; !exists {
		s.state[name] = v
	}
	return nil
}

// Commit applies m. Local commits are stamped, published as EventMutation
// and therefore forwarded to peers. Remote commits are applied only: a
// (Source, Seq) pair already applied is dropped, and nothing is published.
func (s *Store) Commit(ctx context.Context, m domain.Mutation, origin domain.Origin) error {
	return s.commit(ctx, m, origin, nil)
}

// commit applies m and, if it was applied, calls applied before any other
// commit can start.
func (s *Store) commit(ctx context.Context, m domain.Mutation, origin domain.Origin, applied func(domain.Mutation)) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	fn, ok := s.mutators[m.Type]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError("Store.Commit", domain.ErrMutationUnknown, m.Type)
	}

	if origin == domain.OriginRemote {
		if m.Source == s.source {
			s.mu.Unlock()
			s.logger.Debug("dropping own mutation echoed back", "type", m.Type, "seq", m.Seq)
			return nil
		}
		if m.Source != "" && m.Seq != 0 && m.Seq <= s.applied[m.Source] {
			s.mu.Unlock()
			s.logger.Debug("dropping replayed mutation", "type", m.Type, "from", m.Source, "seq", m.Seq)
			return nil
		}
	}

	next := cloneTree(s.state)
	if err := fn(next, m.Payload); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, m.Type, err)
	}
	s.state = next

	if origin == domain.OriginRemote {
		if m.Source != "" && m.Seq > s.applied[m.Source] {
			s.applied[m.Source] = m.Seq
		}
		s.mu.Unlock()
		if applied != nil {
			applied(m)
		}
		return nil
	}

	s.seq++
	m.Source = s.source
	m.Seq = s.seq
	s.mu.Unlock()

	if applied != nil {
		applied(m)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, domain.Event{
			Type:      domain.EventMutation,
			Timestamp: time.Now(),
			Mutation:  m,
		})
	}
	return nil
}

// withCommitsPaused runs fn while no commit can be applied or published.
func (s *Store) withCommitsPaused(fn func() error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return fn()
}

// Snapshot returns the JSON encoding of the whole state tree.
func (s *Store) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := json.Marshal(s.state)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return b, nil
}

// State returns a deep copy of the state tree.
func (s *Store) State() map[string]any {
	raw, err := s.Snapshot()
	if err != nil {
		s.logger.Warn("state not serializable", "error", err)
		return map[string]any{}
	}
	out := make(map[string]any)
	_ = json.Unmarshal(raw, &out)
	return out
}

// Get returns a deep copy of one top-level key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	if !ok {
		return nil, false
	}
	c, err := normalize(v)
	if err != nil {
		return nil, false
	}
	return c, true
}

// BulkLoadMutation builds the mutation that merges snapshot into a store.
func BulkLoadMutation(snapshot json.RawMessage) (domain.Mutation, error) {
	payload, err := json.Marshal(struct {
		State json.RawMessage `json:"state"`
	}{State: snapshot})
	if err != nil {
		return domain.Mutation{}, err
	}
	return domain.Mutation{Type: BulkLoadState, Payload: payload}, nil
}

func bulkLoad(state map[string]any, payload json.RawMessage) error {
	var data struct {
		State map[string]any `json:"state"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return err
	}
	for key, value := range data.State {
		state[key] = value
	}
	return nil
}

func setModule(state map[string]any, payload json.RawMessage) error {
	var data struct {
		Module string `json:"module"`
		State  any    `json:"state"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return err
	}
	if data.Module == "" {
		return fmt.Errorf("module name is required")
	}
	state[data.Module] = data.State
	return nil
}

// cloneTree copies the maps and slices of a state tree. Leaf values are
// shared; they are immutable once decoded from JSON.
func cloneTree(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package guardrails

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Persister durably stores the policy.
type Persister interface {
	Load() (*Policy, error)
	Save(Policy) error
}

// ChangeFunc is called after a new policy is published.
type ChangeFunc func(old, next Policy, source string)

// Store publishes the current policy. Readers get an immutable snapshot;
// writers are serialized and every accepted change is persisted on a best
// effort basis.
type Store struct {
	current   atomic.Pointer[Policy]
	persister Persister
	logger    *slog.Logger

	mu        sync.Mutex
	listeners []ChangeFunc
}

// NewStore creates a store holding initial. persister may be nil.
func NewStore(initial Policy, persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: persister,
		logger:    logger.With("component", "guardrails"),
	}
	p := initial.Normalize()
	s.current.Store(&p)
	return s
}

// LoadStore initializes a store from persister, falling back to defaults
// when nothing has been persisted yet.
func LoadStore(persister Persister, logger *slog.Logger) (*Store, error) {
	initial := DefaultPolicy()
	if persister != nil {
		loaded, err := persister.Load()
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		if loaded != nil {
			if err := loaded.Validate(); err != nil {
				return nil, fmt.Errorf("persisted policy is invalid: %w", err)
			}
			initial = *loaded
		}
	}
	return NewStore(initial, persister, logger), nil
}

// OnChange registers fn to run after every published change.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a copy of the current policy.
func (s *Store) Snapshot() Policy {
	return s.current.Load().Clone()
}

// view returns the published policy without copying. Callers must not
// modify it.
func (s *Store) view() *Policy {
	return s.current.Load()
}

// Replace validates p, publishes it, and persists it.
func (s *Store) Replace(p Policy) (Policy, error) {
	return s.update(func(Policy) Policy { return p }, "replace", true)
}

// Merge applies patch to the current policy, then publishes and persists
// the result.
func (s *Store) Merge(patch Patch) (Policy, error) {
	return s.update(patch.Apply, "merge", true)
}

// reload publishes p without persisting it. Used when the policy file
// changed on disk.
func (s *Store) reload(p Policy) (Policy, error) {
	return s.update(func(Policy) Policy { return p }, "reload", false)
}

func (s *Store) update(fn func(Policy) Policy, source string, persist bool) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load().Clone()
	next := fn(old.Clone()).Normalize()
	if err := next.Validate(); err != nil {
		return old, fmt.Errorf("invalid policy: %w", err)
	}

	published := next.Clone()
	s.current.Store(&published)

	if persist && s.persister != nil {
		if err := s.persister.Save(next); err != nil {
			s.logger.Warn("failed to persist policy", "source", source, "error", err)
		}
	}

	s.logger.Info("policy updated", "source", source, "enabled", next.Enabled)
	for _, fn := range s.listeners {
		fn(old, next.Clone(), source)
	}
	return next, nil
}

// OriginLimit implements admission.LimitSource against the current policy.
func (s *Store) OriginLimit(origin string) int {
	return s.view().OriginLimit(origin)
}

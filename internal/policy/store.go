package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ConfigUnavailableError means the backing store was unreachable or a
// document failed validation. It is fatal to the call that needed the
// snapshot; the router never retries it.
type ConfigUnavailableError struct {
	Reason string
	Err    error
}

func (e *ConfigUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing config unavailable: %s: %v", e.Reason, e.Err)
	}
	return "routing config unavailable: " + e.Reason
}

func (e *ConfigUnavailableError) Unwrap() error { return e.Err }

// Source fetches the raw policy documents from wherever they live.
type Source interface {
	FetchCatalog(ctx context.Context) ([]byte, error)
	FetchRuleSet(ctx context.Context) ([]byte, error)
	Describe() string
}

// Snapshot pairs one catalog version with one ruleset version. The two
// documents always travel together so a routing cycle never mixes versions.
type Snapshot struct {
	Catalog  *ModelCatalog
	Rules    *RoutingRuleSet
	LoadedAt time.Time
}

func (s *Snapshot) Version() string {
	return s.Catalog.Version + "+" + s.Rules.Version
}

// Store loads policy documents from a Source and publishes them as an
// atomically swapped snapshot. Readers always see a complete snapshot,
// either the previous one or the new one. A failed reload keeps the
// previous snapshot in place.
type Store struct {
	source Source
	logger *slog.Logger

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group

	mu     sync.Mutex
	onSwap []func(*Snapshot)
}

func NewStore(source Source, logger *slog.Logger) *Store {
	return &Store{
		source: source,
		logger: logger.With("component", "policy_store"),
	}
}

// OnSwap registers a callback invoked after each successful snapshot swap.
func (s *Store) OnSwap(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwap = append(s.onSwap, fn)
}

// Load fetches, parses, and validates both documents, then swaps the
// published snapshot. Any failure leaves the current snapshot untouched and
// returns ConfigUnavailable.
func (s *Store) Load(ctx context.Context) error {
	catalogRaw, err := s.source.FetchCatalog(ctx)
	if err != nil {
		return &ConfigUnavailableError{Reason: "fetch model catalog from " + s.source.Describe(), Err: err}
	}
	rulesRaw, err := s.source.FetchRuleSet(ctx)
	if err != nil {
		return &ConfigUnavailableError{Reason: "fetch routing rules from " + s.source.Describe(), Err: err}
	}

	catalog, err := ParseCatalog(catalogRaw)
	if err != nil {
		return &ConfigUnavailableError{Reason: "invalid model catalog", Err: err}
	}
	rules, err := ParseRuleSet(rulesRaw)
	if err != nil {
		return &ConfigUnavailableError{Reason: "invalid routing rules", Err: err}
	}

	snap := &Snapshot{
		Catalog:  catalog,
		Rules:    rules,
		LoadedAt: time.Now(),
	}
	s.snap.Store(snap)

	s.mu.Lock()
	callbacks := make([]func(*Snapshot), len(s.onSwap))
	copy(callbacks, s.onSwap)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(snap)
	}

	s.logger.Info("policy snapshot loaded",
		"version", snap.Version(),
		"models", catalog.Len(),
		"rules", len(rules.Rules))
	return nil
}

// Refresh reloads the documents, deduping concurrent refresh requests so a
// burst of change events causes one fetch.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("reload", func() (any, error) {
		return nil, s.Load(ctx)
	})
	return err
}

// Snapshot returns the current snapshot, or ConfigUnavailable when nothing
// has been loaded yet.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, &ConfigUnavailableError{Reason: "no policy snapshot loaded"}
	}
	return snap, nil
}

// LoadModelCatalog returns the catalog half of the current snapshot.
func (s *Store) LoadModelCatalog() (*ModelCatalog, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Catalog, nil
}

// LoadRoutingRuleSet returns the ruleset half of the current snapshot.
func (s *Store) LoadRoutingRuleSet() (*RoutingRuleSet, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Rules, nil
}

// Watch hooks source change notifications to snapshot refresh, for sources
// that support it.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.source.(watchableSource)
	if !ok {
		return fmt.Errorf("source %s does not support watching", s.source.Describe())
	}
	return w.Watch(func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("policy refresh after change failed, keeping previous snapshot", "error", err)
		}
	})
}

// StartRefresh reloads the documents on an interval until ctx is done, for
// sources without change notification.
func (s *Store) StartRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					s.logger.Error("periodic policy refresh failed, keeping previous snapshot", "error", err)
				}
			}
		}
	}()
}

type watchableSource interface {
	Watch(onChange func()) error
}

// Package registry manages the set of registered targets and maintains an
// immutable wake-phrase index that the router reads lock-free on the hot path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/echonet/internal/config"
	"github.com/MrWong99/echonet/internal/store"
)

// ErrNotFound is returned when the named target is not registered.
var ErrNotFound = errors.New("registry: target not found")

// Entry is one wake phrase bound to a target.
type Entry struct {
	Phrase string
	Target string
}

// PhraseIndex is an immutable snapshot of all wake phrases. Entries are
// ordered longest phrase first so containment scans prefer the most specific
// match; equal lengths keep registration order.
type PhraseIndex struct {
	Entries []Entry
	targets map[string]store.Target // keyed by lowercase name
}

// Target resolves a target by name from the snapshot.
func (idx *PhraseIndex) Target(name string) (store.Target, bool) {
	t, ok := idx.targets[strings.ToLower(name)]
	return t, ok
}

// Registry validates and persists targets and publishes phrase-index
// snapshots. All exported methods are safe for concurrent use.
type Registry struct {
	store *store.Store

	mu    sync.Mutex // serialises mutations and index rebuilds
	index atomic.Pointer[PhraseIndex]
}

// New loads existing targets from st and builds the initial index.
func New(ctx context.Context, st *store.Store) (*Registry, error) {
	r := &Registry{store: st}
	if err := r.rebuild(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Upsert validates and stores a target, then atomically publishes a new
// phrase index. Names are lowercased; phrases are normalised and deduplicated.
func (r *Registry) Upsert(ctx context.Context, t store.Target) (store.Target, error) {
	name := strings.ToLower(strings.TrimSpace(t.Name))
	if name == "" {
		return store.Target{}, errors.New("registry: target name is required")
	}
	if err := config.ValidateBaseURL(t.BaseURL); err != nil {
		return store.Target{}, fmt.Errorf("registry: %w", err)
	}

	seen := make(map[string]struct{})
	phrases := make([]string, 0, len(t.Phrases))
	for _, p := range t.Phrases {
		p = Normalize(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		phrases = append(phrases, p)
	}
	if len(phrases) == 0 {
		return store.Target{}, errors.New("registry: at least one non-empty phrase is required")
	}

	clean := store.Target{Name: name, BaseURL: t.BaseURL, Phrases: phrases}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.PutTarget(ctx, clean); err != nil {
		return store.Target{}, err
	}
	if err := r.rebuildLocked(ctx); err != nil {
		return store.Target{}, err
	}
	return clean, nil
}

// Get returns a registered target by name, case-insensitively.
func (r *Registry) Get(name string) (store.Target, error) {
	t, ok := r.index.Load().Target(name)
	if !ok {
		return store.Target{}, fmt.Errorf("registry: %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// List returns all registered targets sorted by name.
func (r *Registry) List() []store.Target {
	idx := r.index.Load()
	out := make([]store.Target, 0, len(idx.targets))
	for _, t := range idx.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a target and republishes the index. Returns ErrNotFound when
// the target does not exist.
func (r *Registry) Delete(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeleteTarget(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("registry: %q: %w", name, ErrNotFound)
		}
		return err
	}
	return r.rebuildLocked(ctx)
}

// PhraseMap returns the current immutable phrase index. The router holds the
// returned pointer for the duration of one decision; concurrent upserts
// publish a fresh snapshot without disturbing readers.
func (r *Registry) PhraseMap() *PhraseIndex {
	return r.index.Load()
}

func (r *Registry) rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked(ctx)
}

func (r *Registry) rebuildLocked(ctx context.Context) error {
	targets, err := r.store.Targets(ctx)
	if err != nil {
		return fmt.Errorf("registry: load targets: %w", err)
	}

	idx := &PhraseIndex{targets: make(map[string]store.Target, len(targets))}
	for _, t := range targets {
		t.Name = strings.ToLower(t.Name)
		idx.targets[t.Name] = t
		for _, p := range t.Phrases {
			idx.Entries = append(idx.Entries, Entry{Phrase: p, Target: t.Name})
		}
	}
	sort.SliceStable(idx.Entries, func(i, j int) bool {
		return len(idx.Entries[i].Phrase) > len(idx.Entries[j].Phrase)
	})

	r.index.Store(idx)
	return nil
}

// Normalize lowercases s, strips punctuation, and collapses whitespace. The
// router applies the same transform to transcripts so phrase containment is
// comparable on both sides.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'', r > 127:
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

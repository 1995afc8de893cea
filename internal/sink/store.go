// Package sink holds completed episodes. It is the only object the
// collection workers share, and it only ever grows.
package sink

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventEpisodeAppended EventType = iota
)

// Event is emitted to subscribers after an episode is appended.
type Event struct {
	Type    EventType
	Key     Key
	Episode model.EpisodeRecord
}

// Key orders episodes in the assembled dataset: by scenario index, then by
// variant (0 for the collected episode, 1.. for augmented copies).
type Key struct {
	Scenario int
	Variant  int
}

func (k Key) less(o Key) bool {
	if k.Scenario != o.Scenario {
		return k.Scenario < o.Scenario
	}
	return k.Variant < o.Variant
}

type entry struct {
	key Key
	rec model.EpisodeRecord
}

// Store is an in-memory, thread-safe, append-only episode sink.
type Store struct {
	mu sync.RWMutex

	entries []entry
	ids     map[string]struct{}

	subs map[int]func(Event)
	next int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		ids:  make(map[string]struct{}),
		subs: make(map[int]func(Event)),
	}
}

// Append stores a deep copy of rec. Only closed episodes are accepted and
// episode ids must be unique.
func (s *Store) Append(key Key, rec model.EpisodeRecord) error {
	if rec.Lifecycle != model.LifecycleClosed {
		return fmt.Errorf("episode %q is %s, want %s", rec.ID, rec.Lifecycle, model.LifecycleClosed)
	}
	stored := rec.Clone()

	s.mu.Lock()
	if _, exists := s.ids[rec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("episode with ID %q already exists", rec.ID)
	}
	s.ids[rec.ID] = struct{}{}
	s.entries = append(s.entries, entry{key: key, rec: stored})
	subs := make([]func(Event), 0, len(s.subs))
	for _, id := range s.subscriberIDs() {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(Event{Type: EventEpisodeAppended, Key: key, Episode: stored.Clone()})
	}
	return nil
}

func (s *Store) subscriberIDs() []int {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of stored episodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the episode with the given ID.
func (s *Store) Get(id string) (model.EpisodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.rec.ID == id {
			return e.rec.Clone(), true
		}
	}
	return model.EpisodeRecord{}, false
}

// Episodes returns copies of all episodes ordered by key, then episode ID.
func (s *Store) Episodes() []model.EpisodeRecord {
	s.mu.RLock()
	sorted := append([]entry(nil), s.entries...)
	s.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].key != sorted[j].key {
			return sorted[i].key.less(sorted[j].key)
		}
		return sorted[i].rec.ID < sorted[j].rec.ID
	})
	out := make([]model.EpisodeRecord, len(sorted))
	for i, e := range sorted {
		out[i] = e.rec.Clone()
	}
	return out
}

// Dataset assembles the ordered episodes into a dataset.
func (s *Store) Dataset(mode model.CollectionMode, seed int64, generatedAt time.Time) model.Dataset {
	return model.NewDataset(mode, seed, generatedAt, s.Episodes())
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

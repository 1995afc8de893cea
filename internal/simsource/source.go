// Package simsource provides simulation snapshot sources: a scripted double
// for tests and a synthetic SGP4-backed Walker engine.
package simsource

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Source yields the raw scene of one running scenario. Calls may block; they
// must return promptly once ctx is done.
type Source interface {
	Snapshot(ctx context.Context) (model.Snapshot, error)
	Advance(ctx context.Context) error
	Terminated() bool
}

// ActionApplier is implemented by sources whose evolution depends on the
// actions taken. The collection loop applies each action before advancing.
type ActionApplier interface {
	Apply(ctx context.Context, action model.ActionSpec) error
}

// Engine opens one Source per scenario.
type Engine interface {
	Open(ctx context.Context, cfg model.ScenarioConfig) (Source, error)
}

// ErrTerminated is returned by Advance once a source has ended.
var ErrTerminated = errors.New("simsource: source terminated")

// ScriptedOption customizes a Scripted source.
type ScriptedOption func(*Scripted)

// WithBlockingSnapshot makes the Snapshot call at step block until its
// context is done.
func WithBlockingSnapshot(step int) ScriptedOption {
	return func(s *Scripted) { s.blockSnapshot = step }
}

// WithBlockingAdvance makes the Advance call leaving step block until its
// context is done.
func WithBlockingAdvance(step int) ScriptedOption {
	return func(s *Scripted) { s.blockAdvance = step }
}

// WithSnapshotError makes the Snapshot call at step fail with err.
func WithSnapshotError(step int, err error) ScriptedOption {
	return func(s *Scripted) { s.failStep, s.failErr = step, err }
}

// Scripted replays a fixed snapshot sequence. It terminates on the last
// snapshot.
type Scripted struct {
	mu        sync.Mutex
	snapshots []model.Snapshot
	pos       int
	applied   []model.ActionSpec

	blockSnapshot int
	blockAdvance  int
	failStep      int
	failErr       error
}

// NewScripted returns a source positioned on the first snapshot.
func NewScripted(snapshots []model.Snapshot, opts ...ScriptedOption) *Scripted {
	s := &Scripted{blockSnapshot: -1, blockAdvance: -1, failStep: -1}
	s.snapshots = make([]model.Snapshot, len(snapshots))
	for i, snap := range snapshots {
		s.snapshots[i] = snap.Clone()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current snapshot.
func (s *Scripted) Snapshot(ctx context.Context) (model.Snapshot, error) {
	s.mu.Lock()
	pos := s.pos
	s.mu.Unlock()

	if pos == s.blockSnapshot {
		<-ctx.Done()
		return model.Snapshot{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	if pos == s.failStep {
		return model.Snapshot{}, s.failErr
	}
	if len(s.snapshots) == 0 {
		return model.Snapshot{}, ErrTerminated
	}
	return s.snapshots[pos].Clone(), nil
}

// Advance moves to the next snapshot.
func (s *Scripted) Advance(ctx context.Context) error {
	s.mu.Lock()
	pos := s.pos
	s.mu.Unlock()

	if pos == s.blockAdvance {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.snapshots)-1 {
		return ErrTerminated
	}
	s.pos++
	return nil
}

// Terminated reports whether the last snapshot has been reached.
func (s *Scripted) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos >= len(s.snapshots)-1
}

// Apply records the action.
func (s *Scripted) Apply(_ context.Context, action model.ActionSpec) error {
	s.mu.Lock()
	s.applied = append(s.applied, action.Clone())
	s.mu.Unlock()
	return nil
}

// Applied returns the actions applied so far.
func (s *Scripted) Applied() []model.ActionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ActionSpec(nil), s.applied...)
}

// ScriptFunc produces the snapshot sequence for a scenario.
type ScriptFunc func(cfg model.ScenarioConfig) []model.Snapshot

// ScriptedEngine opens Scripted sources from a ScriptFunc. Per-scenario
// options select blocking or failing steps by scenario id.
type ScriptedEngine struct {
	script ScriptFunc

	mu      sync.Mutex
	opts    map[string][]ScriptedOption
	opened  []string
	sources map[string]*Scripted
}

// NewScriptedEngine returns an engine replaying script.
func NewScriptedEngine(script ScriptFunc) *ScriptedEngine {
	return &ScriptedEngine{
		script:  script,
		opts:    make(map[string][]ScriptedOption),
		sources: make(map[string]*Scripted),
	}
}

// For attaches options to the sources opened for scenario id.
func (e *ScriptedEngine) For(scenarioID string, opts ...ScriptedOption) *ScriptedEngine {
	e.mu.Lock()
	e.opts[scenarioID] = append(e.opts[scenarioID], opts...)
	e.mu.Unlock()
	return e
}

// Open builds the scripted source for cfg.
func (e *ScriptedEngine) Open(ctx context.Context, cfg model.ScenarioConfig) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	opts := e.opts[cfg.ID]
	e.opened = append(e.opened, cfg.ID)
	e.mu.Unlock()

	src := NewScripted(e.script(cfg), opts...)
	e.mu.Lock()
	e.sources[cfg.ID] = src
	e.mu.Unlock()
	return src, nil
}

// Opened lists the scenario ids opened so far, in call order.
func (e *ScriptedEngine) Opened() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opened...)
}

// Source returns the most recent source opened for scenario id.
func (e *ScriptedEngine) Source(scenarioID string) (*Scripted, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sources[scenarioID]
	return s, ok
}

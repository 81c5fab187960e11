// Package scheduler drives instance triggers.
//
// Every tick the scheduler resolves timed-out notifications, collects the
// instances that are due (or were kicked), orders them so that a data
// source runs before its dependents, and executes each level of that order
// on a bounded worker pool. A fault in one instance never delays another:
// faults are recorded on the instance and the cycle moves on.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentserver/agentserver/internal/instance"
)

var tracer = otel.Tracer("agentserver-scheduler")

// Options tune the scheduler.
type Options struct {
	// Tick is the interval between cycles.
	Tick time.Duration
	// Workers bounds concurrent executions within one level.
	Workers int
}

// Scheduler coordinates trigger execution for every instance.
type Scheduler struct {
	m    *instance.Manager
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	running  bool
	paused   bool
	inCycle  bool
	kicked   map[string]bool // key: user:name
	cancel   context.CancelFunc
	loopDone chan struct{}
	wake     chan struct{}

	cycleMu sync.Mutex // one cycle at a time
}

// New creates a stopped scheduler and registers it as the manager's
// kicker.
func New(m *instance.Manager, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Millisecond
	}
	if opts.Workers < 1 {
		opts.Workers = 8
	}
	s := &Scheduler{
		m:      m,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		kicked: make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
	m.SetKicker(s.Kick)
	return s
}

// SetClock replaces the time source used to decide what is due (tests).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// ── Lifecycle ────────────────────────────────────────────────

// Start begins the scheduling loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.loopDone)
	log.Info().Dur("tick", s.opts.Tick).Int("workers", s.opts.Workers).Msg("Scheduler started")
}

// Shutdown stops the loop and waits for the running cycle to finish.
// Executions in flight are never interrupted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.loopDone
	s.mu.Unlock()

	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Pause stops new cycles from starting; the loop keeps running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Info().Msg("Scheduler paused")
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
	log.Info().Msg("Scheduler resumed")
}

// State describes the scheduler for the admin surface.
type State struct {
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
	Kicked  int  `json:"kicked"`
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Running: s.running, Paused: s.paused, Kicked: len(s.kicked)}
}

// Kick asks for the given instances to run on the next cycle regardless of
// their interval. It never blocks.
func (s *Scheduler) Kick(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		s.kicked[k] = true
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WaitUntilDone blocks until no cycle is running and no kicked work is
// queued, or the timeout elapses.
func (s *Scheduler) WaitUntilDone(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	poll := s.opts.Tick
	if poll > 5*time.Millisecond {
		poll = 5 * time.Millisecond
	}
	for {
		s.mu.Lock()
		idle := !s.inCycle && (len(s.kicked) == 0 || s.paused || !s.running)
		s.mu.Unlock()
		if idle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("scheduler still busy after %s", timeout)
		}
		time.Sleep(poll)
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}
		s.RunOnce(ctx)
	}
}

// ── Cycle ────────────────────────────────────────────────────

// RunOnce runs one full cycle synchronously. It reports how many
// instances were triggered.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.mu.Lock()
	s.inCycle = true
	kicked := s.kicked
	s.kicked = make(map[string]bool)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inCycle = false
		s.mu.Unlock()
	}()

	if n := s.m.CheckTimeouts(ctx); n > 0 {
		log.Debug().Int("resolved", n).Msg("Notification timeouts resolved")
	}

	now := s.now()
	var due []*instance.Instance
	for _, inst := range s.m.Instances() {
		if kicked[inst.Key()] && inst.Enabled() && !inst.Suspended() {
			due = append(due, inst)
			continue
		}
		if s.m.Due(inst, now) {
			due = append(due, inst)
		}
	}
	if len(due) == 0 {
		return 0
	}

	for _, level := range levels(due) {
		s.runLevel(ctx, level)
	}
	return len(due)
}

// levels orders due instances so that every due data source lands in an
// earlier level than its dependents. Instances without due sources share
// level zero. A dependency cycle is broken arbitrarily.
func levels(due []*instance.Instance) [][]*instance.Instance {
	byKey := make(map[string]*instance.Instance, len(due))
	for _, inst := range due {
		byKey[inst.Key()] = inst
	}
	depth := make(map[string]int, len(due))
	visiting := make(map[string]bool)
	var visit func(inst *instance.Instance) int
	visit = func(inst *instance.Instance) int {
		k := inst.Key()
		if d, ok := depth[k]; ok {
			return d
		}
		if visiting[k] {
			return 0
		}
		visiting[k] = true
		d := 0
		for _, ref := range inst.Sources() {
			if src, ok := byKey[ref.User+":"+ref.Name]; ok {
				if sd := visit(src) + 1; sd > d {
					d = sd
				}
			}
		}
		visiting[k] = false
		depth[k] = d
		return d
	}
	maxDepth := 0
	for _, inst := range due {
		if d := visit(inst); d > maxDepth {
			maxDepth = d
		}
	}
	out := make([][]*instance.Instance, maxDepth+1)
	for _, inst := range due {
		d := depth[inst.Key()]
		out[d] = append(out[d], inst)
	}
	for _, level := range out {
		sort.Slice(level, func(i, j int) bool { return level[i].Key() < level[j].Key() })
	}
	return out
}

// runLevel executes one level on the worker pool and waits for all of it.
func (s *Scheduler) runLevel(ctx context.Context, level []*instance.Instance) {
	sem := semaphore.NewWeighted(int64(s.opts.Workers))
	var g errgroup.Group
	for _, inst := range level {
		inst := inst
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			s.trigger(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) trigger(ctx context.Context, inst *instance.Instance) {
	ctx, span := tracer.Start(ctx, "scheduler.trigger",
		trace.WithAttributes(
			attribute.String("agentserver.user", inst.User()),
			attribute.String("agentserver.instance", inst.Name()),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			log.Error().Interface("panic", r).Str("user", inst.User()).Str("instance", inst.Name()).Msg("Instance trigger panicked")
		}
	}()

	changed, err := s.m.Trigger(ctx, inst)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug().Err(err).Str("instance", inst.Name()).Msg("Trigger skipped")
		return
	}
	span.SetAttributes(attribute.Bool("agentserver.outputs_changed", changed))
}

package instance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// ── Scheduling ───────────────────────────────────────────────

// Due reports whether inst should run at now: enabled, not suspended, and
// its trigger interval has elapsed since the last trigger. An instance
// that is executing right now is never due.
func (m *Manager) Due(inst *Instance, now time.Time) bool {
	if !inst.Enabled() {
		return false
	}
	if !inst.mu.TryLock() {
		return false
	}
	defer inst.mu.Unlock()
	if _, suspended := inst.book.Suspending(inst.compiled.Notifications); suspended {
		return false
	}
	if inst.triggered.IsZero() {
		return true
	}
	return now.Sub(inst.triggered) >= m.interval(inst, now)
}

// interval evaluates the trigger interval, falling back to the default
// when the expression fails. Callers hold mu.
func (m *Manager) interval(inst *Instance, now time.Time) time.Duration {
	x := m.newExecution(inst, now)
	var ms int64
	err := guarded(func() (err error) {
		ms, err = x.millis(inst.trigger, x.env("trigger_interval", inst.name))
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("instance", inst.name).Msg("Trigger interval failed, using default")
		return m.opts.DefaultInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// Trigger runs one trigger of inst and persists the result. Faults become
// the instance's exception; the returned error only reports an instance
// that cannot run at all.
func (m *Manager) Trigger(ctx context.Context, inst *Instance) (bool, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.isDeleted() {
		return false, models.Statef("agent instance %q has been deleted", inst.name)
	}
	if !inst.enabled.Load() {
		return false, nil
	}
	if _, suspended := inst.book.Suspending(inst.compiled.Notifications); suspended {
		return false, nil
	}

	x := m.newExecution(inst, m.now())
	err := guarded(func() error {
		if err := x.bindInputs(); err != nil {
			return err
		}
		return x.runTrigger()
	})
	x.fail(err)
	changed := x.commit(true)
	if err := m.persist(ctx, inst); err != nil {
		log.Error().Err(err).Str("user", inst.user).Str("instance", inst.name).Msg("Failed to persist instance")
	}
	log.Debug().Str("user", inst.user).Str("instance", inst.name).Int64("steps", x.budget.Steps()).
		Bool("outputs_changed", changed).Bool("suspended", x.suspended).Msg("Instance triggered")
	if changed {
		m.kickDependents(inst.Key())
	}
	return changed, nil
}

// kickDependents wakes every instance reading from key.
func (m *Manager) kickDependents(key string) {
	var keys []string
	m.mu.RLock()
	for k, other := range m.instances {
		if other.readsFrom(key) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	if len(keys) > 0 {
		m.kick(keys...)
	}
}

// ── Out-of-schedule operations ───────────────────────────────

// RunScript calls one public function of the instance with positional
// arguments. Argument errors fail synchronously and change nothing;
// runtime faults also become the instance's exception.
func (m *Manager) RunScript(ctx context.Context, user, name, fn string, args []any) (value.Value, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return value.NullValue, err
	}
	defer inst.mu.Unlock()
	f, ok := inst.compiled.Funcs[fn]
	if !ok || !f.Public {
		return value.NullValue, &models.NotFoundError{Entity: "public script", Key: inst.Key() + ":" + fn}
	}
	vals := make([]value.Value, len(args))
	for i, a := range args {
		vals[i] = value.FromNative(a)
	}

	x := m.newExecution(inst, m.now())
	var ret value.Value
	err = guarded(func() (err error) {
		ret, err = f.Call(x.env("run_script", fn), vals)
		return err
	})
	var se *script.SemanticError
	if errors.As(err, &se) {
		return value.NullValue, err
	}
	x.fail(err)
	changed := x.commit(false)
	if perr := m.persist(ctx, inst); perr != nil {
		return value.NullValue, perr
	}
	if changed {
		m.kickDependents(inst.Key())
	}
	if err != nil && !errors.Is(err, script.ErrSuspend) {
		return value.NullValue, err
	}
	return ret, nil
}

// DismissException clears the exception without re-running anything.
func (m *Manager) DismissException(ctx context.Context, user, name string) error {
	inst, err := m.locked(user, name)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	if inst.exception == "" {
		return nil
	}
	inst.lastDismissed = inst.exception
	inst.exception = ""
	inst.updated = m.now()
	return m.persist(ctx, inst)
}

// Reload re-binds the instance to the current version of its definition.
// Values of surviving fields are kept; new fields start at their defaults.
func (m *Manager) Reload(ctx context.Context, user, name string) error {
	inst, err := m.locked(user, name)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	c, err := m.registry.Get(user, inst.compiled.Def.Name)
	if err != nil {
		return err
	}

	prev := inst.compiled
	inst.compiled = c
	if err := inst.compileIntervals(); err != nil {
		inst.compiled = prev
		_ = inst.compileIntervals()
		return err
	}
	old := inst.sourceMap()
	sources, _, err := m.resolveInputs(ctx, user, c, old)
	if err != nil {
		inst.compiled = prev
		_ = inst.compileIntervals()
		return err
	}

	inst.params = align(c.Parameters, inst.params)
	inst.outputs = align(c.Outputs, inst.outputs)
	inst.memory = align(c.Memory, inst.memory)
	inst.scratchpad = align(c.Scratchpad, inst.scratchpad)
	inst.book.Sync(c.Notifications)
	for t := range inst.timersFired {
		if !hasTimer(c, t) {
			delete(inst.timersFired, t)
		}
	}
	inst.setSources(sources)
	var dropped []models.SourceRef
	for in, ref := range old {
		if ref.Anonymous && sources[in] != ref {
			dropped = append(dropped, ref)
		}
	}
	m.dropAnonymous(ctx, dropped)

	x := m.newExecution(inst, m.now())
	if x.commit(false) {
		m.kickDependents(inst.Key())
	}
	log.Info().Str("user", user).Str("instance", name).Msg("Agent instance reloaded")
	return m.persist(ctx, inst)
}

func hasTimer(c *registry.Compiled, name string) bool {
	for _, t := range c.Timers {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ── Notifications ────────────────────────────────────────────

// Respond resolves a pending notification and runs the matching response
// script, if the notification declares one.
func (m *Manager) Respond(ctx context.Context, user, name, notification string, resp models.NotificationResponse) error {
	inst, err := m.locked(user, name)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	d, ok := inst.compiled.Notification(notification)
	if !ok {
		return &models.NotFoundError{Entity: "notification", Key: inst.Key() + ":" + notification}
	}
	x := m.newExecution(inst, m.now())
	if err := inst.book.Respond(d, resp, x.now); err != nil {
		return err
	}
	m.resolved(ctx, x, d, resp.Response)
	log.Info().Str("user", user).Str("instance", name).Str("notification", notification).
		Str("response", resp.Response).Msg("Notification answered")
	return nil
}

// resolved runs the response script of a just-resolved notification, then
// commits and wakes the instance.
func (m *Manager) resolved(ctx context.Context, x *execution, d *registry.Notification, response string) {
	if f, ok := d.Responses[response]; ok {
		x.fail(guarded(func() error {
			_, err := f.Call(x.env("response", d.Spec.Name, x.notificationScope(d)), nil)
			return err
		}))
	}
	changed := x.commit(false)
	if err := m.persist(ctx, x.inst); err != nil {
		log.Error().Err(err).Str("instance", x.inst.name).Msg("Failed to persist instance")
	}
	if changed {
		m.kickDependents(x.inst.Key())
	}
	m.kick(x.inst.Key())
}

// CheckTimeouts resolves every pending notification whose deadline has
// passed with the "timeout" response. It returns how many it resolved.
func (m *Manager) CheckTimeouts(ctx context.Context) int {
	n := 0
	for _, inst := range m.Instances() {
		// Busy instances are picked up on the next tick.
		if !inst.mu.TryLock() {
			continue
		}
		if inst.isDeleted() {
			inst.mu.Unlock()
			continue
		}
		now := m.now()
		for _, name := range inst.book.Due(now) {
			d, ok := inst.compiled.Notification(name)
			if !ok || !inst.book.Expire(name, now) {
				continue
			}
			n++
			log.Info().Str("user", inst.user).Str("instance", inst.name).Str("notification", name).Msg("Notification timed out")
			m.resolved(ctx, m.newExecution(inst, now), d, "timeout")
		}
		inst.mu.Unlock()
	}
	return n
}

// ArchiveHistory moves notification history records beyond keep per
// instance to sink. Records stay in place when the sink fails.
func (m *Manager) ArchiveHistory(ctx context.Context, keep int, sink func(ctx context.Context, user, name string, recs []models.NotificationHistoryRecord) error) (int, error) {
	moved := 0
	var firstErr error
	for _, inst := range m.Instances() {
		inst.mu.Lock()
		hist := inst.book.History()
		if len(hist) <= keep || inst.isDeleted() {
			inst.mu.Unlock()
			continue
		}
		old := hist[:len(hist)-keep]
		if err := sink(ctx, inst.user, inst.name, old); err != nil {
			inst.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		inst.book.Trim(keep)
		moved += len(old)
		if err := m.persist(ctx, inst); err != nil && firstErr == nil {
			firstErr = err
		}
		inst.mu.Unlock()
	}
	return moved, firstErr
}

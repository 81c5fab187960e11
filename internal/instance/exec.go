package instance

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// execution is one pass over an instance: a trigger, a run_script call, a
// notification response or a timeout. It is the scripts' Host, and all
// scripts it runs share one budget. The instance lock is held throughout.
type execution struct {
	m      *Manager
	inst   *Instance
	now    time.Time
	budget *script.Budget

	inputsChanged bool
	suspended     bool
}

func (m *Manager) newExecution(inst *Instance, now time.Time) *execution {
	return &execution{m: m, inst: inst, now: now, budget: script.NewBudget(m.opts.Level)}
}

// env binds the instance's state for one script. Scopes are searched in
// order: pseudo-objects, extra (notification details), parameters, inputs,
// memory, scratchpad, outputs.
func (x *execution) env(kind, name string, extra ...script.Scope) *script.Env {
	inst, c := x.inst, x.inst.compiled
	params := &fieldSet{kind: "parameter", fields: c.Parameters, vals: inst.params, readOnly: true}
	inputs := &inputSet{vals: inst.inputs}
	memory := &fieldSet{kind: "memory", fields: c.Memory, vals: inst.memory}
	scratch := &fieldSet{kind: "scratchpad", fields: c.Scratchpad, vals: inst.scratchpad}
	outputs := &fieldSet{kind: "output", fields: c.Outputs, vals: inst.outputs}
	pseudo := pseudoScope{
		"outputs":       value.NewObject(outputs),
		"memory":        value.NewObject(memory),
		"scratchpad":    value.NewObject(scratch),
		"parameters":    value.NewObject(params),
		"inputs":        value.NewObject(inputs),
		"notifications": value.NewObject(&notificationSet{book: inst.book, decls: c.Notifications}),
		"event":         event(kind, name, x.now),
	}
	scopes := make([]script.Scope, 0, 6+len(extra))
	scopes = append(scopes, pseudo)
	scopes = append(scopes, extra...)
	scopes = append(scopes, params, inputs, memory, scratch, outputs)
	return &script.Env{Scopes: scopes, Funcs: c.Funcs, Host: x, Budget: x.budget}
}

func (x *execution) notificationScope(d *registry.Notification) script.Scope {
	return &notificationObject{book: x.inst.book, decl: d}
}

// ── Host ─────────────────────────────────────────────────────

func (x *execution) Now() time.Time { return x.now }

// Notify raises a notification. Disabled notifications are ignored.
func (x *execution) Notify(name string) error {
	d, ok := x.inst.compiled.Notification(name)
	if !ok {
		return fmt.Errorf("no notification named %q", name)
	}
	if !d.Spec.IsEnabled() {
		return nil
	}
	var timeout int64
	if d.Timeout != nil {
		v, err := d.Timeout.Eval(x.env("notification", name, x.notificationScope(d)))
		if err != nil {
			return err
		}
		if timeout, err = v.Int(); err != nil {
			return fmt.Errorf("notification %s timeout: %w", name, err)
		}
	}
	if x.inst.book.Notify(d, timeout, x.now) {
		x.suspended = true
		return script.ErrSuspend
	}
	return nil
}

func (x *execution) AccessAllowed(kind, target string) bool {
	if x.m.access == nil {
		return true
	}
	return x.m.access.Allowed(x.inst.user, models.AccessKind(kind), target)
}

// ── Trigger ──────────────────────────────────────────────────

// bindInputs reads every data source's published outputs. A source that
// vanished or stopped publishing to other users is a fault of this
// instance.
func (x *execution) bindInputs() error {
	inst := x.inst
	refs := inst.sourceMap()
	next := make(map[string]value.Value, len(refs))
	for _, in := range inst.compiled.Def.Inputs {
		ref, ok := refs[in.Name]
		if !ok {
			return &script.RuntimeError{Msg: fmt.Sprintf("input %s is not bound to a data source", in.Name)}
		}
		src, err := x.m.Get(ref.User, ref.Name)
		if err != nil {
			return &script.RuntimeError{Msg: fmt.Sprintf("data source %s of input %s no longer exists", ref.Name, in.Name)}
		}
		if ref.User != inst.user && !src.publicOutput.Load() {
			return &script.RuntimeError{Msg: fmt.Sprintf("data source %s of input %s does not publish its outputs", ref.Name, in.Name)}
		}
		outs := src.PublishedOutputs()
		keys := make([]string, 0, len(outs))
		for k := range outs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		md := value.NewMapData()
		for _, k := range keys {
			md.Set(k, value.Copy(outs[k]))
		}
		next[in.Name] = value.NewMap(md)
	}
	if !valuesEqual(next, inst.inputs) {
		inst.inputs = next
		inst.inputsChanged = x.now
		x.inputsChanged = true
	}
	return nil
}

// runTrigger executes the trigger steps in order. Suspension ends the
// trigger early without being a fault.
func (x *execution) runTrigger() error {
	inst, c := x.inst, x.inst.compiled

	if !inst.started {
		inst.started = true
		if f, ok := c.Funcs[registry.ScriptInit]; ok {
			if err := x.callHook(f, "init"); err != nil {
				return err
			}
		}
	}

	for _, t := range c.Timers {
		ms, err := x.millis(t.Interval, x.env("timer", t.Name))
		if err != nil {
			return fmt.Errorf("timer %s interval: %w", t.Name, err)
		}
		last, ok := inst.timersFired[t.Name]
		if !ok {
			last = inst.instantiated
		}
		if x.now.Sub(last) < time.Duration(ms)*time.Millisecond {
			continue
		}
		inst.timersFired[t.Name] = x.now
		if _, err := t.Script.Run(x.env("timer", t.Name)); err != nil {
			return err
		}
	}

	if x.inputsChanged {
		if f, ok := c.Funcs[registry.ScriptInputsChanged]; ok {
			if err := x.callHook(f, "inputs_changed"); err != nil {
				return err
			}
		}
	}

	for _, cd := range c.Conditions {
		v, err := cd.Expr.Eval(x.env("condition", cd.Name))
		if err != nil {
			return err
		}
		if !v.Truthy() {
			continue
		}
		if _, err := cd.Script.Run(x.env("condition", cd.Name)); err != nil {
			return err
		}
	}

	for _, f := range c.Outputs {
		if f.Compute == nil {
			continue
		}
		v, err := f.Compute.Eval(x.env("compute", f.Name))
		if err != nil {
			return err
		}
		cv, err := f.Coerce(v)
		if err != nil {
			return &script.RuntimeError{Msg: err.Error(), Err: err}
		}
		inst.outputs[f.Name] = cv
	}

	for _, d := range c.Notifications {
		if d.Spec.Manual || !d.Spec.IsEnabled() || d.Condition == nil {
			continue
		}
		if n, ok := inst.book.Get(d.Spec.Name); ok && n.Pending {
			continue
		}
		v, err := d.Condition.Eval(x.env("notification", d.Spec.Name, x.notificationScope(d)))
		if err != nil {
			return err
		}
		if !v.Truthy() {
			continue
		}
		if err := x.Notify(d.Spec.Name); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) callHook(f *script.Function, kind string) error {
	if len(f.Params) > 0 {
		return &script.RuntimeError{Msg: fmt.Sprintf("script %s cannot take parameters", f.Name)}
	}
	_, err := f.Call(x.env(kind, f.Name), nil)
	return err
}

// millis evaluates an interval expression to milliseconds.
func (x *execution) millis(e *script.Expression, env *script.Env) (int64, error) {
	v, err := e.Eval(env)
	if err != nil {
		return 0, err
	}
	ms, err := v.Int()
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		ms = 0
	}
	return ms, nil
}

// guarded runs fn and turns a panic into a RuntimeError, so a fault
// below the interpreter lands on the instance like any other.
func guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &script.RuntimeError{Msg: fmt.Sprintf("internal fault: %v", r)}
		}
	}()
	return fn()
}

// fail records a fault as the instance's exception. Suspension is not a
// fault.
func (x *execution) fail(err error) {
	if err == nil || errors.Is(err, script.ErrSuspend) {
		return
	}
	x.inst.exception = err.Error()
	log.Warn().Err(err).Str("user", x.inst.user).Str("instance", x.inst.name).Msg("Instance raised an exception")
}

// commit appends an output record when any output value differs from the
// last commit and, for triggers, a state snapshot. It reports whether the
// outputs changed.
func (x *execution) commit(trigger bool) bool {
	inst := x.inst
	changed := !valuesEqual(inst.outputs, inst.committed)
	if changed {
		inst.committed = copyValues(inst.outputs)
		inst.outputHist.Push(models.OutputRecord{Time: x.now, Outputs: copyValues(inst.outputs)})
		inst.outputsChanged = x.now
		inst.publish()
	}
	if trigger {
		inst.triggered = x.now
		inst.states.Push(inst.snapshot(x.now))
	}
	inst.updated = x.now
	return changed
}

func (inst *Instance) snapshot(now time.Time) models.StateSnapshot {
	return models.StateSnapshot{
		Time:                   now,
		Inputs:                 copyValues(inst.inputs),
		Parameters:             copyValues(inst.params),
		Outputs:                copyValues(inst.outputs),
		Memory:                 copyValues(inst.memory),
		Notifications:          inst.book.Live(),
		NotificationHistorySeq: inst.book.Seq(),
		Exception:              inst.exception,
		LastDismissedException: inst.lastDismissed,
	}
}

// Package instance is the runtime state of agent instances: parameter,
// output, memory and scratchpad values, bound inputs, notification state and
// the bounded state and output histories. It executes one trigger at a time
// per instance; the scheduler decides when.
package instance

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentserver/agentserver/internal/notify"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// Instance is one running agent. All mutable state is guarded by mu, which
// also serializes executions.
type Instance struct {
	user string
	name string

	mu sync.Mutex

	description string
	compiled    *registry.Compiled
	params      map[string]value.Value

	// Instance-level overrides; "" means the definition's expression.
	triggerSrc   string
	reportingSrc string
	trigger      *script.Expression

	// Read lock-free by dependents, counters and the scheduler.
	publicOutput atomic.Bool
	enabled      atomic.Bool
	limit        int

	started       bool
	exception     string
	lastDismissed string

	instantiated   time.Time
	updated        time.Time
	inputsChanged  time.Time
	triggered      time.Time
	outputsChanged time.Time

	srcMu   sync.RWMutex
	sources map[string]models.SourceRef
	inputs  map[string]value.Value

	outputs    map[string]value.Value
	memory     map[string]value.Value
	scratchpad map[string]value.Value
	// committed is a deep copy of the outputs at the last commit.
	committed   map[string]value.Value
	timersFired map[string]time.Time

	book       *notify.Book
	states     *Ring[models.StateSnapshot]
	outputHist *Ring[models.OutputRecord]

	// published is the output map dependents read, replaced on commit.
	published atomic.Pointer[map[string]value.Value]

	persistMu sync.Mutex
	deleted   bool
}

// Key returns the composite user:name key.
func (inst *Instance) Key() string { return instKey(inst.user, inst.name) }

func (inst *Instance) User() string { return inst.user }
func (inst *Instance) Name() string { return inst.name }

func instKey(user, name string) string { return user + ":" + name }

// status derives the externally visible status. An unacknowledged exception
// wins over suspension.
func (inst *Instance) status() string {
	if inst.exception != "" {
		return models.StatusException + inst.exception
	}
	if name, ok := inst.book.Suspending(inst.compiled.Notifications); ok {
		return models.StatusSuspended + name
	}
	if !inst.started {
		return models.StatusStarting
	}
	return models.StatusActive
}

// Suspended reports whether a suspending notification is pending. An
// instance that is executing right now is reported as not suspended.
func (inst *Instance) Suspended() bool {
	if !inst.mu.TryLock() {
		return false
	}
	defer inst.mu.Unlock()
	_, ok := inst.book.Suspending(inst.compiled.Notifications)
	return ok
}

// Enabled reports whether the instance takes part in scheduling.
func (inst *Instance) Enabled() bool {
	return inst.enabled.Load() && !inst.isDeleted()
}

func (inst *Instance) isDeleted() bool {
	inst.persistMu.Lock()
	defer inst.persistMu.Unlock()
	return inst.deleted
}

// PublishedOutputs returns the outputs as of the last commit. Safe to call
// without holding the instance lock.
func (inst *Instance) PublishedOutputs() map[string]value.Value {
	p := inst.published.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (inst *Instance) publish() {
	cp := copyValues(inst.outputs)
	inst.published.Store(&cp)
}

// Sources lists the data sources this instance reads from.
func (inst *Instance) Sources() []models.SourceRef {
	inst.srcMu.RLock()
	defer inst.srcMu.RUnlock()
	names := make([]string, 0, len(inst.sources))
	for name := range inst.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]models.SourceRef, 0, len(names))
	for _, name := range names {
		out = append(out, inst.sources[name])
	}
	return out
}

func (inst *Instance) sourceMap() map[string]models.SourceRef {
	inst.srcMu.RLock()
	defer inst.srcMu.RUnlock()
	return copySources(inst.sources)
}

func (inst *Instance) setSources(m map[string]models.SourceRef) {
	inst.srcMu.Lock()
	inst.sources = m
	inst.srcMu.Unlock()
}

// readsFrom reports whether any input is bound to key.
func (inst *Instance) readsFrom(key string) bool {
	inst.srcMu.RLock()
	defer inst.srcMu.RUnlock()
	for _, ref := range inst.sources {
		if instKey(ref.User, ref.Name) == key {
			return true
		}
	}
	return false
}

// ── Records ──────────────────────────────────────────────────

// record builds the persisted form. Callers hold mu.
func (inst *Instance) record() *models.InstanceRecord {
	return &models.InstanceRecord{
		User:                      inst.user,
		Name:                      inst.name,
		Description:               inst.description,
		Definition:                inst.compiled.Def,
		ParameterValues:           copyValues(inst.params),
		TriggerInterval:           inst.triggerSrc,
		ReportingInterval:         inst.reportingSrc,
		PublicOutput:              inst.publicOutput.Load(),
		LimitInstanceStatesStored: inst.limit,
		Enabled:                   inst.enabled.Load(),
		Status:                    inst.status(),
		Started:                   inst.started,
		Instantiated:              inst.instantiated,
		Updated:                   inst.updated,
		InputsChanged:             inst.inputsChanged,
		Triggered:                 inst.triggered,
		OutputsChanged:            inst.outputsChanged,
		Inputs:                    copyValues(inst.inputs),
		InputSources:              inst.sourceMap(),
		Outputs:                   copyValues(inst.outputs),
		Memory:                    copyValues(inst.memory),
		Scratchpad:                copyValues(inst.scratchpad),
		TimersFired:               copyTimes(inst.timersFired),
		Exception:                 inst.exception,
		LastDismissedException:    inst.lastDismissed,
		States:                    inst.states.Items(),
		OutputHistory:             inst.outputHist.Items(),
		Notifications:             inst.book.Live(),
		NotificationHistory:       inst.book.History(),
		NotificationSeq:           inst.book.Seq(),
	}
}

// restore rebuilds an instance from its record and the compiled form of
// its frozen definition snapshot.
func restore(rec models.InstanceRecord, c *registry.Compiled) (*Instance, error) {
	inst := &Instance{
		user:           rec.User,
		name:           rec.Name,
		description:    rec.Description,
		compiled:       c,
		triggerSrc:     rec.TriggerInterval,
		reportingSrc:   rec.ReportingInterval,
		limit:          rec.LimitInstanceStatesStored,
		started:        rec.Started,
		exception:      rec.Exception,
		lastDismissed:  rec.LastDismissedException,
		instantiated:   rec.Instantiated,
		updated:        rec.Updated,
		inputsChanged:  rec.InputsChanged,
		triggered:      rec.Triggered,
		outputsChanged: rec.OutputsChanged,
		sources:        copySources(rec.InputSources),
		inputs:         orEmpty(rec.Inputs),
		timersFired:    copyTimes(rec.TimersFired),
	}
	inst.publicOutput.Store(rec.PublicOutput)
	inst.enabled.Store(rec.Enabled)
	if inst.limit < 1 {
		inst.limit = models.DefaultStateLimit
	}
	if err := inst.compileIntervals(); err != nil {
		return nil, err
	}
	inst.params = align(c.Parameters, rec.ParameterValues)
	inst.outputs = align(c.Outputs, rec.Outputs)
	inst.memory = align(c.Memory, rec.Memory)
	inst.scratchpad = align(c.Scratchpad, rec.Scratchpad)
	inst.book = notify.Restore(c.Notifications, rec.Notifications, rec.NotificationHistory, rec.NotificationSeq)
	inst.states = NewRing[models.StateSnapshot](inst.limit)
	for _, s := range rec.States {
		inst.states.Push(s)
	}
	inst.outputHist = NewRing[models.OutputRecord](inst.limit)
	for _, o := range rec.OutputHistory {
		inst.outputHist.Push(o)
	}
	inst.committed = copyValues(inst.outputs)
	inst.publish()
	return inst, nil
}

// compileIntervals compiles the instance-level trigger interval override
// against the bound definition. The reporting interval is only checked; it
// is kept and shown but never evaluated.
func (inst *Instance) compileIntervals() error {
	sym := inst.compiled.Symbols()
	inst.trigger = inst.compiled.TriggerInterval
	if inst.triggerSrc != "" {
		e, err := registry.CompileExpression(registry.CtxTriggerInterval, inst.triggerSrc, sym)
		if err != nil {
			return err
		}
		inst.trigger = e
	}
	if inst.reportingSrc != "" {
		if _, err := registry.CompileExpression(registry.CtxReportingInterval, inst.reportingSrc, sym); err != nil {
			return err
		}
	}
	return nil
}

// ── Views ────────────────────────────────────────────────────

// statusView renders the status view. Callers hold mu.
func (inst *Instance) statusView(withState bool) models.InstanceStatus {
	trigger := inst.triggerSrc
	if trigger == "" {
		trigger = inst.compiled.Def.TriggerInterval
	}
	reporting := inst.reportingSrc
	if reporting == "" {
		reporting = inst.compiled.Def.ReportingInterval
	}
	v := models.InstanceStatus{
		Name:                      inst.name,
		Definition:                inst.compiled.Def.Name,
		Description:               inst.description,
		Status:                    inst.status(),
		Instantiated:              inst.instantiated,
		Updated:                   inst.updated,
		TriggerInterval:           trigger,
		ReportingInterval:         reporting,
		PublicOutput:              inst.publicOutput.Load(),
		LimitInstanceStatesStored: inst.limit,
		Enabled:                   inst.enabled.Load(),
		ParameterValues:           models.Natives(inst.params),
		InputsChanged:             timePtr(inst.inputsChanged),
		Triggered:                 timePtr(inst.triggered),
		OutputsChanged:            timePtr(inst.outputsChanged),
	}
	if withState {
		v.State = []models.StateView{}
		for _, s := range inst.states.Items() {
			v.State = append(v.State, s.View())
		}
	}
	return v
}

// OutputsView is the current outputs plus the output history.
type OutputsView struct {
	Outputs map[string]any      `json:"outputs"`
	History []models.OutputView `json:"history"`
}

func (inst *Instance) outputsView() OutputsView {
	v := OutputsView{Outputs: models.Natives(inst.outputs), History: []models.OutputView{}}
	for _, r := range inst.outputHist.Items() {
		v.History = append(v.History, models.OutputView{Time: r.Time, Outputs: models.Natives(r.Outputs)})
	}
	return v
}

// ── Helpers ──────────────────────────────────────────────────

func copyValues(m map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = value.Copy(v)
	}
	return out
}

func copySources(m map[string]models.SourceRef) map[string]models.SourceRef {
	out := make(map[string]models.SourceRef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orEmpty(m map[string]value.Value) map[string]value.Value {
	if m == nil {
		return make(map[string]value.Value)
	}
	return m
}

// align keeps the values of fields that still exist (coerced to their
// current type) and fills new fields with defaults.
func align(fields registry.Fields, vals map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(fields))
	for _, f := range fields {
		v, ok := vals[f.Name]
		if ok {
			if cv, err := f.Coerce(v); err == nil {
				out[f.Name] = cv
				continue
			}
		}
		out[f.Name] = value.Copy(f.Default)
	}
	return out
}

func valuesEqual(a, b map[string]value.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !value.Equal(av, bv) {
			return false
		}
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

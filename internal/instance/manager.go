package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/notify"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// AccessChecker answers the web/mail access questions scripts ask.
type AccessChecker interface {
	Allowed(user string, kind models.AccessKind, target string) bool
}

// Options tune the runtime.
type Options struct {
	// Level is the execution budget of one trigger or call.
	Level script.Level
	// StateLimit is the default limit_instance_states_stored.
	StateLimit int
	// DefaultInterval applies when a trigger interval cannot be evaluated.
	DefaultInterval time.Duration
}

// Manager owns every instance. Lock order: an instance's mu, then the
// manager's mu, then an instance's srcMu. The manager never takes an
// instance's mu while holding its own.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance // key: user:name

	registry *registry.Registry
	store    store.InstanceStore
	access   AccessChecker
	opts     Options
	now      func() time.Time
	kick     func(keys ...string)
}

// NewManager creates an empty runtime.
func NewManager(reg *registry.Registry, st store.InstanceStore, access AccessChecker, opts Options) *Manager {
	if opts.Level == "" {
		opts.Level = script.LevelStandard
	}
	if opts.StateLimit < 1 {
		opts.StateLimit = models.DefaultStateLimit
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 50 * time.Millisecond
	}
	return &Manager{
		instances: make(map[string]*Instance),
		registry:  reg,
		store:     st,
		access:    access,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		kick:      func(...string) {},
	}
}

// SetClock replaces the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetKicker installs the hook used to wake instances early (after a
// response, or when a data source's outputs changed). It must not block.
func (m *Manager) SetKicker(kick func(keys ...string)) { m.kick = kick }

// ── Lookup ───────────────────────────────────────────────────

// Get returns a live instance.
func (m *Manager) Get(user, name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instKey(user, name)]
	if !ok {
		return nil, models.NotFound("agent instance", user, name)
	}
	return inst, nil
}

// Instances returns every instance ordered by key.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *Manager) userInstances(user string) []*Instance {
	var out []*Instance
	for _, inst := range m.Instances() {
		if inst.user == user {
			out = append(out, inst)
		}
	}
	return out
}

// locked fetches an instance and locks it, failing on deleted instances.
func (m *Manager) locked(user, name string) (*Instance, error) {
	inst, err := m.Get(user, name)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	if inst.isDeleted() {
		inst.mu.Unlock()
		return nil, models.Statef("agent instance %q has been deleted", name)
	}
	return inst, nil
}

// ── Create / Update / Delete ─────────────────────────────────

// Instantiate creates an instance of one of the user's definitions.
// Inputs naming a definition get an anonymous data source of their own.
func (m *Manager) Instantiate(ctx context.Context, user string, spec models.InstanceSpec) (*Instance, error) {
	if spec.Name == "" {
		return nil, models.Configf("agent instance name is required")
	}
	if spec.Definition == "" {
		return nil, models.Configf("agent instance %q: definition is required", spec.Name)
	}
	if _, err := m.Get(user, spec.Name); err == nil {
		return nil, models.Configf("agent instance %q already exists", spec.Name)
	}
	c, err := m.registry.Get(user, spec.Definition)
	if err != nil {
		return nil, err
	}

	now := m.now()
	inst := &Instance{
		user:         user,
		name:         spec.Name,
		compiled:     c,
		limit:        m.opts.StateLimit,
		instantiated: now,
		updated:      now,
		inputs:       make(map[string]value.Value),
		timersFired:  make(map[string]time.Time),
	}
	inst.enabled.Store(true)
	if spec.Description != nil {
		inst.description = *spec.Description
	}
	if spec.TriggerInterval != nil {
		inst.triggerSrc = *spec.TriggerInterval
	}
	if spec.ReportingInterval != nil {
		inst.reportingSrc = *spec.ReportingInterval
	}
	if spec.PublicOutput != nil {
		inst.publicOutput.Store(*spec.PublicOutput)
	}
	if spec.Enabled != nil {
		inst.enabled.Store(*spec.Enabled)
	}
	if spec.LimitInstanceStatesStored != nil {
		if *spec.LimitInstanceStatesStored < 1 {
			return nil, models.Configf("limit_instance_states_stored must be at least 1")
		}
		inst.limit = *spec.LimitInstanceStatesStored
	}
	if err := inst.compileIntervals(); err != nil {
		return nil, err
	}
	if inst.params, err = overrideParams(c.Parameters, c.Parameters.Defaults(), spec.ParameterValues); err != nil {
		return nil, err
	}
	inst.outputs = c.Outputs.Defaults()
	inst.memory = c.Memory.Defaults()
	inst.scratchpad = c.Scratchpad.Defaults()
	inst.book = notify.NewBook(c.Notifications)
	inst.states = NewRing[models.StateSnapshot](inst.limit)
	inst.outputHist = NewRing[models.OutputRecord](inst.limit)
	inst.outputHist.Push(models.OutputRecord{Time: now, Outputs: copyValues(inst.outputs)})
	inst.committed = copyValues(inst.outputs)
	inst.publish()

	sources, created, err := m.resolveInputs(ctx, user, c, nil)
	if err != nil {
		return nil, err
	}
	inst.sources = sources

	m.mu.Lock()
	if _, exists := m.instances[inst.Key()]; exists {
		m.mu.Unlock()
		m.dropAnonymous(ctx, created)
		return nil, models.Configf("agent instance %q already exists", spec.Name)
	}
	m.instances[inst.Key()] = inst
	m.mu.Unlock()

	inst.mu.Lock()
	err = m.persist(ctx, inst)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Info().Str("user", user).Str("instance", spec.Name).Str("definition", spec.Definition).Msg("Agent instance created")
	m.kick(inst.Key())
	return inst, nil
}

// resolveInputs binds every input of c to a data source, keeping bindings
// in existing that still match. It returns the anonymous sources it
// created so callers can roll them back.
func (m *Manager) resolveInputs(ctx context.Context, user string, c *registry.Compiled, existing map[string]models.SourceRef) (map[string]models.SourceRef, []models.SourceRef, error) {
	out := make(map[string]models.SourceRef, len(c.Def.Inputs))
	var created []models.SourceRef
	for _, in := range c.Def.Inputs {
		if old, ok := existing[in.Name]; ok && bindingMatches(user, in, old) {
			out[in.Name] = old
			continue
		}
		if in.DataSource != "" {
			owner := in.User
			if owner == "" {
				owner = user
			}
			src, err := m.Get(owner, in.DataSource)
			if err != nil {
				m.dropAnonymous(ctx, created)
				return nil, nil, models.Configf("input %s: data source %q does not exist", in.Name, in.DataSource)
			}
			if owner != user && !src.publicOutput.Load() {
				m.dropAnonymous(ctx, created)
				return nil, nil, models.Configf("input %s: data source %q of user %s does not publish its outputs", in.Name, in.DataSource, owner)
			}
			out[in.Name] = models.SourceRef{User: owner, Name: in.DataSource}
			continue
		}
		name := in.Definition + "-" + uuid.NewString()
		if _, err := m.Instantiate(ctx, user, models.InstanceSpec{
			Name:            name,
			Definition:      in.Definition,
			ParameterValues: in.ParameterValues,
		}); err != nil {
			m.dropAnonymous(ctx, created)
			return nil, nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		ref := models.SourceRef{User: user, Name: name, Anonymous: true}
		created = append(created, ref)
		out[in.Name] = ref
	}
	return out, created, nil
}

func bindingMatches(user string, in models.InputSpec, ref models.SourceRef) bool {
	if in.DataSource != "" {
		owner := in.User
		if owner == "" {
			owner = user
		}
		return !ref.Anonymous && ref.User == owner && ref.Name == in.DataSource
	}
	return ref.Anonymous && strings.HasPrefix(ref.Name, in.Definition+"-")
}

func (m *Manager) dropAnonymous(ctx context.Context, refs []models.SourceRef) {
	for _, ref := range refs {
		if err := m.Delete(ctx, ref.User, ref.Name); err != nil {
			log.Warn().Err(err).Str("user", ref.User).Str("instance", ref.Name).Msg("Failed to remove anonymous data source")
		}
	}
}

// overrideParams type-checks overrides against the declared parameters and
// applies them onto base.
func overrideParams(fields registry.Fields, base map[string]value.Value, overrides map[string]any) (map[string]value.Value, error) {
	out := copyValues(base)
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		f, ok := fields.Lookup(k)
		if !ok {
			return nil, models.Configf("unknown parameter %q", k)
		}
		v, err := value.Construct(f.Type, overrides[k])
		if err != nil {
			return nil, models.Configf("parameter %s: %v", k, err)
		}
		if v, err = f.Coerce(v); err != nil {
			return nil, models.Configf("%v", err)
		}
		out[k] = v
	}
	return out, nil
}

// Update applies the fields present in spec. It reports whether anything
// changed; an update that changes nothing leaves the timestamps alone. A
// failed update changes nothing.
func (m *Manager) Update(ctx context.Context, user, name string, spec models.InstanceSpec) (bool, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return false, err
	}
	defer inst.mu.Unlock()
	if spec.Name != "" && spec.Name != name {
		return false, models.Configf("agent instance %q cannot be renamed", name)
	}
	if spec.Definition != "" && spec.Definition != inst.compiled.Def.Name {
		return false, models.Configf("agent instance %q cannot change its definition; create a new instance", name)
	}

	changed := false
	description := inst.description
	if spec.Description != nil && *spec.Description != description {
		description, changed = *spec.Description, true
	}
	params, err := overrideParams(inst.compiled.Parameters, inst.params, spec.ParameterValues)
	if err != nil {
		return false, err
	}
	if !valuesEqual(params, inst.params) {
		changed = true
	}
	triggerSrc, reportingSrc := inst.triggerSrc, inst.reportingSrc
	if spec.TriggerInterval != nil && *spec.TriggerInterval != triggerSrc {
		triggerSrc, changed = *spec.TriggerInterval, true
	}
	if spec.ReportingInterval != nil && *spec.ReportingInterval != reportingSrc {
		reportingSrc, changed = *spec.ReportingInterval, true
	}
	limit := inst.limit
	if spec.LimitInstanceStatesStored != nil {
		if *spec.LimitInstanceStatesStored < 1 {
			return false, models.Configf("limit_instance_states_stored must be at least 1")
		}
		if *spec.LimitInstanceStatesStored != limit {
			limit, changed = *spec.LimitInstanceStatesStored, true
		}
	}
	public, enabled := inst.publicOutput.Load(), inst.enabled.Load()
	if spec.PublicOutput != nil && *spec.PublicOutput != public {
		public, changed = *spec.PublicOutput, true
	}
	if spec.Enabled != nil && *spec.Enabled != enabled {
		enabled, changed = *spec.Enabled, true
	}
	if !changed {
		return false, nil
	}

	sym := inst.compiled.Symbols()
	trigger := inst.compiled.TriggerInterval
	if triggerSrc != "" {
		if trigger, err = registry.CompileExpression(registry.CtxTriggerInterval, triggerSrc, sym); err != nil {
			return false, err
		}
	}
	if reportingSrc != "" {
		if _, err = registry.CompileExpression(registry.CtxReportingInterval, reportingSrc, sym); err != nil {
			return false, err
		}
	}

	inst.description = description
	inst.params = params
	inst.triggerSrc, inst.trigger = triggerSrc, trigger
	inst.reportingSrc = reportingSrc
	if limit != inst.limit {
		inst.limit = limit
		inst.states.Resize(limit)
		inst.outputHist.Resize(limit)
	}
	inst.publicOutput.Store(public)
	inst.enabled.Store(enabled)
	inst.updated = m.now()
	if err := m.persist(ctx, inst); err != nil {
		return true, err
	}
	log.Info().Str("user", user).Str("instance", name).Msg("Agent instance updated")
	if enabled {
		m.kick(inst.Key())
	}
	return true, nil
}

// Delete removes an instance and the anonymous data sources created for
// it. An execution already in flight finishes but is not persisted.
func (m *Manager) Delete(ctx context.Context, user, name string) error {
	m.mu.Lock()
	k := instKey(user, name)
	inst, ok := m.instances[k]
	if !ok {
		m.mu.Unlock()
		return models.NotFound("agent instance", user, name)
	}
	delete(m.instances, k)
	m.mu.Unlock()

	inst.persistMu.Lock()
	inst.deleted = true
	err := m.store.DeleteInstance(ctx, user, name)
	inst.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	for _, ref := range inst.sourceMap() {
		if ref.Anonymous {
			if err := m.Delete(ctx, ref.User, ref.Name); err != nil && !isNotFound(err) {
				log.Warn().Err(err).Str("instance", ref.Name).Msg("Failed to remove anonymous data source")
			}
		}
	}
	log.Info().Str("user", user).Str("instance", name).Msg("Agent instance deleted")
	return nil
}

func isNotFound(err error) bool {
	var nf *models.NotFoundError
	return errors.As(err, &nf)
}

// persist writes the instance through to the store. Callers hold mu.
func (m *Manager) persist(ctx context.Context, inst *Instance) error {
	rec := inst.record()
	inst.persistMu.Lock()
	defer inst.persistMu.Unlock()
	if inst.deleted {
		return nil
	}
	if err := m.store.PutInstance(ctx, rec); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	return nil
}

// ── Queries ──────────────────────────────────────────────────

// Status renders the status view, optionally with the state history.
func (m *Manager) Status(user, name string, withState bool) (models.InstanceStatus, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return models.InstanceStatus{}, err
	}
	defer inst.mu.Unlock()
	return inst.statusView(withState), nil
}

// List renders the status of every instance of user.
func (m *Manager) List(user string) []models.InstanceStatus {
	out := []models.InstanceStatus{}
	for _, inst := range m.userInstances(user) {
		inst.mu.Lock()
		out = append(out, inst.statusView(false))
		inst.mu.Unlock()
	}
	return out
}

// Outputs returns the current outputs and the output history.
func (m *Manager) Outputs(user, name string) (OutputsView, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return OutputsView{}, err
	}
	defer inst.mu.Unlock()
	return inst.outputsView(), nil
}

// NotificationsView is the live state and history of an instance's
// notifications.
type NotificationsView struct {
	Notifications []models.NotificationView        `json:"notifications"`
	History       []models.NotificationHistoryView `json:"history"`
}

// Notifications renders every notification of an instance.
func (m *Manager) Notifications(user, name string) (NotificationsView, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return NotificationsView{}, err
	}
	defer inst.mu.Unlock()
	v := NotificationsView{Notifications: []models.NotificationView{}, History: []models.NotificationHistoryView{}}
	for _, n := range inst.book.Live() {
		v.Notifications = append(v.Notifications, n.View())
	}
	for _, h := range inst.book.History() {
		v.History = append(v.History, models.NotificationHistoryView{Seq: h.Seq, Time: h.Time, Notification: h.Notification.View()})
	}
	return v, nil
}

// Notification renders one notification of an instance.
func (m *Manager) Notification(user, name, notification string) (models.NotificationView, error) {
	inst, err := m.locked(user, name)
	if err != nil {
		return models.NotificationView{}, err
	}
	defer inst.mu.Unlock()
	n, ok := inst.book.Get(notification)
	if !ok {
		return models.NotificationView{}, &models.NotFoundError{Entity: "notification", Key: inst.Key() + ":" + notification}
	}
	return n.View(), nil
}

// PendingNotifications lists every pending notification of user's
// instances.
func (m *Manager) PendingNotifications(user string) []models.PendingNotification {
	out := []models.PendingNotification{}
	for _, inst := range m.userInstances(user) {
		inst.mu.Lock()
		for _, n := range inst.book.Pending(inst.compiled.Notifications) {
			d, _ := inst.compiled.Notification(n.Name)
			p := models.PendingNotification{
				Agent:   inst.name,
				Name:    n.Name,
				Type:    n.Type,
				Timeout: n.Timeout,
				Details: models.Natives(n.Details),
			}
			if d != nil {
				p.Description = d.Spec.Description
			}
			if n.TimeNotified != nil {
				p.Time = *n.TimeNotified
			}
			out = append(out, p)
		}
		inst.mu.Unlock()
	}
	return out
}

// Counters reports live platform counters.
func (m *Manager) Counters() models.Counters {
	users := m.registry.Users()
	active := map[string]bool{}
	c := models.Counters{RegisteredDefinitions: m.registry.Count()}
	for _, inst := range m.Instances() {
		users[inst.user] = true
		if inst.Enabled() {
			active[inst.user] = true
			c.ActiveInstances++
		}
	}
	c.RegisteredUsers = len(users)
	c.ActiveUsers = len(active)
	return c
}

// ── Restore ──────────────────────────────────────────────────

// Restore loads persisted instances. Each is compiled against its own
// definition snapshot, so later definition edits do not reach it until a
// reload.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		c, err := registry.Compile(rec.Definition)
		if err != nil {
			log.Warn().Err(err).Str("user", rec.User).Str("instance", rec.Name).Msg("Skipping instance whose definition no longer compiles")
			continue
		}
		inst, err := restore(rec, c)
		if err != nil {
			log.Warn().Err(err).Str("user", rec.User).Str("instance", rec.Name).Msg("Skipping instance that cannot be restored")
			continue
		}
		m.instances[inst.Key()] = inst
	}
	log.Info().Int("instances", len(m.instances)).Msg("Instances restored")
	return nil
}

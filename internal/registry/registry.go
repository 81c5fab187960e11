// Package registry holds the agent definitions of every user.
//
// A definition is compiled when it is created or updated: every embedded
// expression and script is parsed and checked up front, and any failure
// rejects the whole operation, leaving the stored definition untouched.
// Readers get immutable *Compiled values, so lookups never wait on a
// compile in progress.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentserver/agentserver/internal/keylock"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry is the concurrency-safe definition registry. Writers to one
// definition serialize on its key and do their compile and store I/O
// without holding mu, which only guards the map swap.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Compiled // key: user:name
	writes keylock.Map
	store store.DefinitionStore
	now   func() time.Time

	triggerInterval   string
	reportingInterval string
}

// New creates an empty registry writing through to s.
func New(s store.DefinitionStore) *Registry {
	return &Registry{
		defs:  make(map[string]*Compiled),
		store: s,
		now:   func() time.Time { return time.Now().UTC() },

		triggerInterval:   models.DefaultTriggerInterval,
		reportingInterval: models.DefaultReportingInterval,
	}
}

// SetDefaultIntervals sets the interval expressions given to definitions
// that do not declare their own. Empty arguments keep the current value.
func (r *Registry) SetDefaultIntervals(trigger, reporting string) {
	if trigger != "" {
		r.triggerInterval = trigger
	}
	if reporting != "" {
		r.reportingInterval = reporting
	}
}

// SetClock replaces the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func defKey(user, name string) string { return user + ":" + name }

// Create validates, compiles and stores a new definition.
func (r *Registry) Create(ctx context.Context, user string, spec models.DefinitionSpec) (*Compiled, error) {
	if spec.Name == "" {
		return nil, models.Configf("agent definition name is required")
	}
	def := models.AgentDefinition{
		User:              user,
		Name:              spec.Name,
		TriggerInterval:   r.triggerInterval,
		ReportingInterval: r.reportingInterval,
		Enabled:           true,
	}.Merge(spec)
	normalize(&def)

	compiled, err := Compile(def)
	if err != nil {
		return nil, err
	}

	k := defKey(user, spec.Name)
	unlock := r.writes.Lock(k)
	defer unlock()
	if _, err := r.Get(user, spec.Name); err == nil {
		return nil, models.Configf("agent definition %q already exists", spec.Name)
	}
	now := r.now()
	compiled.Def.Created = now
	compiled.Def.Modified = now
	if err := r.store.PutDefinition(ctx, &compiled.Def); err != nil {
		return nil, fmt.Errorf("persist definition: %w", err)
	}
	r.swap(k, compiled)
	log.Info().Str("user", user).Str("definition", spec.Name).Msg("Agent definition created")
	return compiled, nil
}

// swap installs c under k, or removes k when c is nil.
func (r *Registry) swap(k string, c *Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		delete(r.defs, k)
		return
	}
	r.defs[k] = c
}

// Get returns the current compiled definition.
func (r *Registry) Get(user, name string) (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.defs[defKey(user, name)]
	if !ok {
		return nil, models.NotFound("agent definition", user, name)
	}
	return c, nil
}

// Update merges the fields present in spec. It reports whether anything
// changed; an update that changes nothing leaves the timestamps alone.
func (r *Registry) Update(ctx context.Context, user, name string, spec models.DefinitionSpec) (*Compiled, bool, error) {
	k := defKey(user, name)
	unlock := r.writes.Lock(k)
	defer unlock()
	cur, err := r.Get(user, name)
	if err != nil {
		return nil, false, err
	}
	if spec.Name != "" && spec.Name != name {
		return nil, false, models.Configf("agent definition %q cannot be renamed", name)
	}
	merged := cur.Def.Merge(spec)
	normalize(&merged)
	if sameJSON(merged, cur.Def) {
		return cur, false, nil
	}
	compiled, err := Compile(merged)
	if err != nil {
		return nil, false, err
	}
	compiled.Def.Modified = r.now()
	if err := r.store.PutDefinition(ctx, &compiled.Def); err != nil {
		return nil, false, fmt.Errorf("persist definition: %w", err)
	}
	r.swap(k, compiled)
	log.Info().Str("user", user).Str("definition", name).Msg("Agent definition updated")
	return compiled, true, nil
}

// Delete removes a definition. Instances already bound to it keep running
// on their own snapshot.
func (r *Registry) Delete(ctx context.Context, user, name string) error {
	k := defKey(user, name)
	unlock := r.writes.Lock(k)
	defer unlock()
	if _, err := r.Get(user, name); err != nil {
		return err
	}
	if err := r.store.DeleteDefinition(ctx, user, name); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	r.swap(k, nil)
	log.Info().Str("user", user).Str("definition", name).Msg("Agent definition deleted")
	return nil
}

// List returns one user's definitions sorted by name.
func (r *Registry) List(user string) []models.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.AgentDefinition
	for _, c := range r.defs {
		if c.Def.User == user {
			out = append(out, c.Def)
		}
	}
	sortDefs(out)
	return out
}

// ListAll returns every user's definitions (administrators only).
func (r *Registry) ListAll() []models.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentDefinition, 0, len(r.defs))
	for _, c := range r.defs {
		out = append(out, c.Def)
	}
	sortDefs(out)
	return out
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Users returns the set of users owning at least one definition.
func (r *Registry) Users() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for _, c := range r.defs {
		out[c.Def.User] = true
	}
	return out
}

// Restore loads persisted definitions, keeping their timestamps. A
// definition that no longer compiles is skipped and logged.
func (r *Registry) Restore(ctx context.Context) error {
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		c, err := Compile(d)
		if err != nil {
			log.Warn().Err(err).Str("user", d.User).Str("definition", d.Name).Msg("Skipping definition that no longer compiles")
			continue
		}
		r.defs[defKey(d.User, d.Name)] = c
	}
	log.Info().Int("definitions", len(r.defs)).Msg("Definitions restored")
	return nil
}

func sortDefs(defs []models.AgentDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].User != defs[j].User {
			return defs[i].User < defs[j].User
		}
		return defs[i].Name < defs[j].Name
	})
}

// normalize replaces absent lists with empty ones so stored definitions
// render consistently and compare equal after a round trip.
func normalize(d *models.AgentDefinition) {
	if d.Parameters == nil {
		d.Parameters = []models.FieldSpec{}
	}
	if d.Inputs == nil {
		d.Inputs = []models.InputSpec{}
	}
	if d.Timers == nil {
		d.Timers = []models.TimerSpec{}
	}
	if d.Conditions == nil {
		d.Conditions = []models.ConditionSpec{}
	}
	if d.Notifications == nil {
		d.Notifications = []models.NotificationSpec{}
	}
	if d.Scripts == nil {
		d.Scripts = []models.ScriptSpec{}
	}
	if d.Scratchpad == nil {
		d.Scratchpad = []models.FieldSpec{}
	}
	if d.Memory == nil {
		d.Memory = []models.FieldSpec{}
	}
	if d.Outputs == nil {
		d.Outputs = []models.FieldSpec{}
	}
	if d.Goals == nil {
		d.Goals = []models.GoalSpec{}
	}
}

func sameJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

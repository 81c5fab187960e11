package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/agentserver/internal/instance"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg   *registry.Registry
	m     *instance.Manager
	s     *Scheduler
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.New(st)
	reg.SetClock(c.Now)
	m := instance.NewManager(reg, st, nil, instance.Options{})
	m.SetClock(c.Now)
	s := New(m, Options{Tick: time.Millisecond, Workers: 2})
	s.SetClock(c.Now)
	return &fixture{reg: reg, m: m, s: s, clock: c}
}

func (f *fixture) define(t *testing.T, spec models.DefinitionSpec) {
	t.Helper()
	_, err := f.reg.Create(context.Background(), "alice", spec)
	require.NoError(t, err)
}

func (f *fixture) instantiate(t *testing.T, spec models.InstanceSpec) {
	t.Helper()
	_, err := f.m.Instantiate(context.Background(), "alice", spec)
	require.NoError(t, err)
}

func (f *fixture) output(t *testing.T, name, field string) any {
	t.Helper()
	out, err := f.m.Outputs("alice", name)
	require.NoError(t, err)
	return out.Outputs[field]
}

func pipelineSpecs() (models.DefinitionSpec, models.DefinitionSpec) {
	src := models.DefinitionSpec{
		Name:    "src",
		Outputs: []models.FieldSpec{{Name: "v", Type: "int", Default: 7}},
		Scripts: []models.ScriptSpec{{Name: "init", Code: "v = 21;"}},
	}
	sink := models.DefinitionSpec{
		Name:    "sink",
		Inputs:  []models.InputSpec{{Name: "s", DataSource: "a-src"}},
		Outputs: []models.FieldSpec{{Name: "w", Type: "int", Compute: "inputs.s.v * 2"}},
	}
	return src, sink
}

func TestRunOnce_SourceRunsBeforeDependent(t *testing.T) {
	f := newFixture(t)
	src, sink := pipelineSpecs()
	f.define(t, src)
	f.define(t, sink)
	// The dependent sorts first by name, so only dependency order can
	// put the source ahead of it.
	f.instantiate(t, models.InstanceSpec{Name: "a-src", Definition: "src"})
	f.instantiate(t, models.InstanceSpec{Name: "0-sink", Definition: "sink"})

	assert.Equal(t, 2, f.s.RunOnce(context.Background()))
	assert.Equal(t, int64(21), f.output(t, "a-src", "v"))
	assert.Equal(t, int64(42), f.output(t, "0-sink", "w"), "dependent sees this cycle's source outputs")
}

func TestRunOnce_IntervalAndKick(t *testing.T) {
	f := newFixture(t)
	src, _ := pipelineSpecs()
	f.define(t, src)
	f.instantiate(t, models.InstanceSpec{Name: "a-src", Definition: "src", TriggerInterval: strPtr("seconds(10)")})
	ctx := context.Background()

	assert.Equal(t, 1, f.s.RunOnce(ctx))
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.s.RunOnce(ctx), "interval has not elapsed")

	f.s.Kick("alice:a-src")
	assert.Equal(t, 1, f.s.RunOnce(ctx), "a kick runs the instance early")
	assert.Equal(t, 0, f.s.RunOnce(ctx))

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, f.s.RunOnce(ctx))
}

func TestRunOnce_DisabledAndSuspendedAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.define(t, models.DefinitionSpec{
		Name:    "asker",
		Outputs: []models.FieldSpec{{Name: "o", Type: "int"}},
		Notifications: []models.NotificationSpec{
			{Name: "confirm", Type: models.NotificationYesNo, Condition: "true"},
		},
	})
	f.instantiate(t, models.InstanceSpec{Name: "q", Definition: "asker"})
	f.instantiate(t, models.InstanceSpec{Name: "off", Definition: "asker", Enabled: boolPtr(false)})
	ctx := context.Background()

	assert.Equal(t, 1, f.s.RunOnce(ctx))
	st, err := f.m.Status("alice", "q", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended+"confirm", st.Status)

	f.s.Kick("alice:q", "alice:off")
	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.s.RunOnce(ctx))
}

func TestRunOnce_FaultIsolation(t *testing.T) {
	f := newFixture(t)
	f.define(t, models.DefinitionSpec{
		Name:    "broken",
		Outputs: []models.FieldSpec{{Name: "o", Type: "int"}},
		Scripts: []models.ScriptSpec{{Name: "init", Code: "int z = 0; o = 10 / z;"}},
	})
	src, _ := pipelineSpecs()
	f.define(t, src)
	f.instantiate(t, models.InstanceSpec{Name: "bad", Definition: "broken"})
	f.instantiate(t, models.InstanceSpec{Name: "a-src", Definition: "src"})

	assert.Equal(t, 2, f.s.RunOnce(context.Background()))
	st, err := f.m.Status("alice", "bad", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.Status, models.StatusException), st.Status)
	assert.Equal(t, int64(21), f.output(t, "a-src", "v"))
}

func TestRunOnce_SurvivesOverflowingScripts(t *testing.T) {
	f := newFixture(t)
	f.define(t, models.DefinitionSpec{
		Name:    "huge",
		Outputs: []models.FieldSpec{{Name: "m", Type: "money"}},
		Scripts: []models.ScriptSpec{{Name: "init", Code: "m = pow(10.0, 400);"}},
	})
	src, _ := pipelineSpecs()
	f.define(t, src)
	f.instantiate(t, models.InstanceSpec{Name: "h", Definition: "huge"})
	f.instantiate(t, models.InstanceSpec{Name: "a-src", Definition: "src", TriggerInterval: strPtr("random(0, 9223372036854775807)")})
	ctx := context.Background()

	assert.NotPanics(t, func() { assert.Equal(t, 2, f.s.RunOnce(ctx)) })
	st, err := f.m.Status("alice", "h", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.Status, models.StatusException), st.Status)

	assert.NotPanics(t, func() { assert.Equal(t, 0, f.s.RunOnce(ctx)) })
	f.clock.Advance(time.Second)
	assert.Equal(t, 2, f.s.RunOnce(ctx), "a failing interval falls back to the default")
}

func TestRunOnce_ResolvesTimeouts(t *testing.T) {
	f := newFixture(t)
	f.define(t, models.DefinitionSpec{
		Name:    "waiter",
		Outputs: []models.FieldSpec{{Name: "state", Type: "string"}},
		Notifications: []models.NotificationSpec{{
			Name:    "deadline",
			Manual:  true,
			Timeout: "seconds(1)",
			Scripts: []models.ScriptSpec{{Name: "timeout", Code: "state = 'timed out';"}},
		}},
		Scripts: []models.ScriptSpec{{Name: "ask", Public: true, Code: "notify('deadline');"}},
	})
	f.instantiate(t, models.InstanceSpec{Name: "w", Definition: "waiter"})
	ctx := context.Background()

	_, err := f.m.RunScript(ctx, "alice", "w", "ask", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.s.RunOnce(ctx), "suspended instance does not run")

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.s.RunOnce(ctx))
	assert.Equal(t, "timed out", f.output(t, "w", "state"))
	st, err := f.m.Status("alice", "w", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, st.Status)
}

func TestLevels_GroupsByDependency(t *testing.T) {
	f := newFixture(t)
	src, sink := pipelineSpecs()
	f.define(t, src)
	f.define(t, sink)
	f.instantiate(t, models.InstanceSpec{Name: "a-src", Definition: "src"})
	f.instantiate(t, models.InstanceSpec{Name: "s1", Definition: "sink"})
	f.instantiate(t, models.InstanceSpec{Name: "s2", Definition: "sink"})

	lv := levels(f.m.Instances())
	require.Len(t, lv, 2)
	require.Len(t, lv[0], 1)
	assert.Equal(t, "a-src", lv[0][0].Name())
	assert.Len(t, lv[1], 2)
}

func TestLifecycle(t *testing.T) {
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st)
	m := instance.NewManager(reg, st, nil, instance.Options{})
	s := New(m, Options{Tick: 2 * time.Millisecond})
	ctx := context.Background()

	src, _ := pipelineSpecs()
	_, err := reg.Create(ctx, "alice", src)
	require.NoError(t, err)

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.State().Running)

	_, err = m.Instantiate(ctx, "alice", models.InstanceSpec{Name: "a-src", Definition: "src"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := m.Outputs("alice", "a-src")
		return err == nil && out.Outputs["v"] == int64(21)
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WaitUntilDone(time.Second))

	s.Pause()
	assert.True(t, s.State().Paused)
	s.Resume()

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(sctx))
	assert.False(t, s.State().Running)
	require.NoError(t, s.Shutdown(sctx))
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

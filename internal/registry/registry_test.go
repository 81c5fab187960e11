package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

func strPtr(s string) *string { return &s }

func valueOf(t *testing.T, typ, raw string) value.Value {
	t.Helper()
	tt, err := value.ParseType(typ)
	require.NoError(t, err)
	v, err := value.Construct(tt, raw)
	require.NoError(t, err)
	return v
}

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	r := New(st)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	return r, &now
}

func basicSpec() models.DefinitionSpec {
	return models.DefinitionSpec{
		Name:        "greeter",
		Description: strPtr("says hello"),
		Parameters:  []models.FieldSpec{{Name: "p1", Type: "int", Default: 123}},
		Outputs:     []models.FieldSpec{{Name: "field1", Type: "string", Default: "Hello World"}},
		Scripts: []models.ScriptSpec{
			{Name: "init", Code: "field1 = field1 + '!';"},
			{Name: "double", Params: []models.ParamSpec{{Name: "x", Type: "int"}}, ReturnType: "int", Public: true, Code: "return x * 2;"},
		},
		Timers:     []models.TimerSpec{{Name: "tick", Interval: "seconds(1)", Script: "field1 = 'n=' + double(p1);"}},
		Conditions: []models.ConditionSpec{{Name: "big", Condition: "p1 > 1000", Script: "field1 = 'big';"}},
		Notifications: []models.NotificationSpec{{
			Name:      "confirm",
			Type:      models.NotificationYesNo,
			Condition: "p1 > 500",
			Timeout:   "minutes(5)",
			Details:   []models.FieldSpec{{Name: "amount", Type: "money", Default: "1.00"}},
			Scripts:   []models.ScriptSpec{{Name: "accept", Code: "field1 = 'accepted ' + amount;"}},
		}},
	}
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	c, err := r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)
	assert.Equal(t, "says hello", c.Def.Description)
	assert.Equal(t, models.DefaultTriggerInterval, c.Def.TriggerInterval)
	assert.True(t, c.Def.Enabled)
	assert.Equal(t, c.Def.Created, c.Def.Modified)
	require.Len(t, c.Parameters, 1)
	assert.Equal(t, "123", c.Parameters[0].Default.String())
	assert.True(t, c.Funcs["double"].Public)

	got, err := r.Get("alice", "greeter")
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = r.Get("bob", "greeter")
	var nf *models.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCreate_Rejects(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", models.DefinitionSpec{})
	var ce *models.ConfigError
	assert.True(t, errors.As(err, &ce), "missing name: %v", err)

	_, err = r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)
	_, err = r.Create(ctx, "alice", basicSpec())
	assert.True(t, errors.As(err, &ce), "duplicate name: %v", err)

	// The same name is free for another user.
	_, err = r.Create(ctx, "bob", basicSpec())
	assert.NoError(t, err)
}

func TestCreate_ParseErrorsAreContextTagged(t *testing.T) {
	bad := "1 +"
	cases := map[string]func(*models.DefinitionSpec){
		CtxTimerInterval:         func(s *models.DefinitionSpec) { s.Timers[0].Interval = bad },
		CtxTimerScript:           func(s *models.DefinitionSpec) { s.Timers[0].Script = bad },
		CtxScript:                func(s *models.DefinitionSpec) { s.Scripts[0].Code = bad },
		CtxNotificationScript:    func(s *models.DefinitionSpec) { s.Notifications[0].Scripts[0].Code = bad },
		CtxNotificationTimeout:   func(s *models.DefinitionSpec) { s.Notifications[0].Timeout = bad },
		CtxNotificationCondition: func(s *models.DefinitionSpec) { s.Notifications[0].Condition = bad },
		CtxTriggerInterval:       func(s *models.DefinitionSpec) { s.TriggerInterval = strPtr(bad) },
		CtxReportingInterval:     func(s *models.DefinitionSpec) { s.ReportingInterval = strPtr(bad) },
	}
	for tag, mutate := range cases {
		t.Run(tag, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			spec := basicSpec()
			mutate(&spec)
			_, err := r.Create(context.Background(), "alice", spec)
			var pe *script.ParseError
			require.True(t, errors.As(err, &pe), "error = %v", err)
			assert.Equal(t, tag, pe.Context)
			assert.Equal(t, 0, r.Count(), "nothing is stored on failure")
		})
	}
}

func TestCreate_SemanticErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	spec := basicSpec()
	spec.Timers[0].Script = "nosuch = 1;"
	_, err := r.Create(context.Background(), "alice", spec)
	var se *script.SemanticError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "no definition for symbol 'nosuch' in any scope")

	spec = basicSpec()
	spec.Scripts[0].Code = "double(1, 2);"
	_, err = r.Create(context.Background(), "alice", spec)
	require.True(t, errors.As(err, &se))
}

func TestCreate_BadDefault(t *testing.T) {
	r, _ := newTestRegistry(t)
	spec := basicSpec()
	spec.Parameters[0].Default = "not a number"
	_, err := r.Create(context.Background(), "alice", spec)
	var ce *models.ConfigError
	assert.True(t, errors.As(err, &ce), "error = %v", err)
}

func TestUpdate_EmptyIsNoOp(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()
	orig, err := r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	c, changed, err := r.Update(ctx, "alice", "greeter", models.DefinitionSpec{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, orig, c)
	assert.Equal(t, orig.Def.Modified, c.Def.Modified)

	// Re-sending identical values is a no-op as well.
	_, changed, err = r.Update(ctx, "alice", "greeter", models.DefinitionSpec{Description: strPtr("says hello")})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdate_Partial(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()
	orig, err := r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	c, changed, err := r.Update(ctx, "alice", "greeter", models.DefinitionSpec{Description: strPtr("new")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "new", c.Def.Description)
	assert.Equal(t, orig.Def.Created, c.Def.Created)
	assert.True(t, c.Def.Modified.After(orig.Def.Modified))
	assert.Equal(t, orig.Def.Parameters, c.Def.Parameters)
	assert.Len(t, c.Def.Timers, len(orig.Def.Timers))
	assert.Equal(t, orig.Def.TriggerInterval, c.Def.TriggerInterval)
}

func TestUpdate_AllOrNothing(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	orig, err := r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)

	_, _, err = r.Update(ctx, "alice", "greeter", models.DefinitionSpec{
		Description:     strPtr("changed"),
		TriggerInterval: strPtr("(("),
	})
	var pe *script.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CtxTriggerInterval, pe.Context)

	cur, err := r.Get("alice", "greeter")
	require.NoError(t, err)
	assert.Same(t, orig, cur)
	assert.Equal(t, "says hello", cur.Def.Description)
}

func TestDeleteAndList(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		_, err := r.Create(ctx, u, basicSpec())
		require.NoError(t, err)
	}
	spec := basicSpec()
	spec.Name = "another"
	_, err := r.Create(ctx, "alice", spec)
	require.NoError(t, err)

	assert.Len(t, r.List("alice"), 2)
	assert.Equal(t, "another", r.List("alice")[0].Name)
	assert.Len(t, r.ListAll(), 3)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, r.Users())

	require.NoError(t, r.Delete(ctx, "alice", "greeter"))
	var nf *models.NotFoundError
	assert.True(t, errors.As(r.Delete(ctx, "alice", "greeter"), &nf))
	assert.Equal(t, 2, r.Count())
}

func TestRestore(t *testing.T) {
	st := store.NewMemoryStore("")
	defer st.Close()
	ctx := context.Background()
	r := New(st)
	orig, err := r.Create(ctx, "alice", basicSpec())
	require.NoError(t, err)

	r2 := New(st)
	require.NoError(t, r2.Restore(ctx))
	got, err := r2.Get("alice", "greeter")
	require.NoError(t, err)
	assert.True(t, orig.Def.Created.Equal(got.Def.Created))
	assert.Equal(t, orig.Def.Description, got.Def.Description)
	assert.Len(t, got.Timers, 1)
}

func TestFieldCoerceBounds(t *testing.T) {
	fs, err := compileFields("detail", []models.FieldSpec{
		{Name: "n", Type: "int", MinValue: 1, MaxValue: 10},
		{Name: "c", Type: "choice", Choices: []string{"red", "green"}},
	})
	require.NoError(t, err)
	n, _ := fs.Lookup("n")
	_, err = n.Coerce(valueOf(t, "int", "11"))
	assert.Error(t, err)
	v, err := n.Coerce(valueOf(t, "int", "5"))
	require.NoError(t, err)
	assert.Equal(t, "5", v.String())

	c, _ := fs.Lookup("c")
	_, err = c.Coerce(valueOf(t, "string", "blue"))
	assert.Error(t, err)
}

func TestSetDefaultIntervals(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetDefaultIntervals("seconds(2)", "")
	c, err := r.Create(context.Background(), "alice", basicSpec())
	require.NoError(t, err)
	assert.Equal(t, "seconds(2)", c.Def.TriggerInterval)
	assert.Equal(t, models.DefaultReportingInterval, c.Def.ReportingInterval)
}

// stallingStore parks every PutDefinition until release is closed.
type stallingStore struct {
	store.DefinitionStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) PutDefinition(ctx context.Context, def *models.AgentDefinition) error {
	s.entered <- struct{}{}
	<-s.release
	return s.DefinitionStore.PutDefinition(ctx, def)
}

func TestCreate_StoreWriteDoesNotBlockReaders(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	r := New(mem)
	ctx := context.Background()
	_, err := r.Create(ctx, "bob", basicSpec())
	require.NoError(t, err)

	st := &stallingStore{DefinitionStore: mem, entered: make(chan struct{}, 2), release: make(chan struct{})}
	r.store = st
	created := make(chan error, 1)
	go func() {
		_, err := r.Create(ctx, "alice", basicSpec())
		created <- err
	}()
	<-st.entered

	read := make(chan struct{})
	go func() {
		_, err := r.Get("bob", "greeter")
		assert.NoError(t, err)
		assert.Len(t, r.List("bob"), 1)
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatal("readers waited on a store write")
	}

	_, err = r.Get("alice", "greeter")
	assert.Error(t, err, "not visible until persisted")
	close(st.release)
	require.NoError(t, <-created)
	_, err = r.Get("alice", "greeter")
	assert.NoError(t, err)
}

func TestCreate_ConcurrentDuplicatesConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := r.Create(ctx, "alice", basicSpec())
			errs <- err
		}()
	}
	ok := 0
	for i := 0; i < 8; i++ {
		if err := <-errs; err == nil {
			ok++
		} else {
			var ce *models.ConfigError
			assert.True(t, errors.As(err, &ce), "%v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, r.Count())
}

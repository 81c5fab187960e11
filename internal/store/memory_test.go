package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// backends returns a fresh instance of every back end that can run here.
// PostgreSQL joins when AGENTSERVER_TEST_DATABASE_URL is set.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	out := map[string]store.Store{}

	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	out["memory"] = mem

	if !raceEnabled {
		b, err := store.NewBoltStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewBoltStore() error = %v", err)
		}
		t.Cleanup(func() { b.Close() })
		out["bolt"] = b
	}

	if url := os.Getenv("AGENTSERVER_TEST_DATABASE_URL"); url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(ctx, url, 2)
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func sampleRecord(user, name string) *models.InstanceRecord {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	md := value.NewMapData()
	md.Set("k", value.NewList(value.NewInt(1), value.NewString("two")))
	return &models.InstanceRecord{
		User:       user,
		Name:       name,
		Definition: models.AgentDefinition{User: user, Name: "def", Enabled: true},
		ParameterValues: map[string]value.Value{
			"p1": value.NewInt(123),
		},
		Outputs: map[string]value.Value{
			"price": value.NewMoney(decimal.RequireFromString("12.50")),
			"data":  value.NewMap(md),
		},
		LimitInstanceStatesStored: 25,
		Enabled:                   true,
		Instantiated:              ts,
		Updated:                   ts,
		OutputHistory: []models.OutputRecord{
			{Time: ts, Outputs: map[string]value.Value{"price": value.NewMoney(decimal.RequireFromString("12.50"))}},
		},
		NotificationHistory: []models.NotificationHistoryRecord{
			{Seq: 1, Time: ts, Notification: models.NotificationInstance{Name: "confirm", Pending: true}},
		},
		NotificationSeq: 1,
	}
}

// ─── Definitions ────────────────────────────────────────────

func TestDefinitionCRUD(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			def := &models.AgentDefinition{
				User:            "alice",
				Name:            "greeter",
				TriggerInterval: "50",
				Outputs:         []models.FieldSpec{{Name: "field1", Type: "string", Default: "Hello World"}},
			}
			if err := s.PutDefinition(ctx, def); err != nil {
				t.Fatalf("PutDefinition() error = %v", err)
			}
			def.Description = "updated"
			if err := s.PutDefinition(ctx, def); err != nil {
				t.Fatalf("PutDefinition() second call error = %v", err)
			}
			if err := s.PutDefinition(ctx, &models.AgentDefinition{User: "bob", Name: "greeter"}); err != nil {
				t.Fatalf("PutDefinition() error = %v", err)
			}

			defs, err := s.ListDefinitions(ctx)
			if err != nil {
				t.Fatalf("ListDefinitions() error = %v", err)
			}
			if len(defs) != 2 {
				t.Fatalf("ListDefinitions() returned %d, want 2 (put is an upsert)", len(defs))
			}
			if defs[0].User != "alice" || defs[0].Description != "updated" {
				t.Errorf("ListDefinitions()[0] = %s/%q, want alice/%q", defs[0].User, defs[0].Description, "updated")
			}
			if len(defs[0].Outputs) != 1 || defs[0].Outputs[0].Name != "field1" {
				t.Errorf("ListDefinitions()[0].Outputs = %+v, want field1", defs[0].Outputs)
			}

			if err := s.DeleteDefinition(ctx, "alice", "greeter"); err != nil {
				t.Fatalf("DeleteDefinition() error = %v", err)
			}
			defs, _ = s.ListDefinitions(ctx)
			if len(defs) != 1 || defs[0].User != "bob" {
				t.Errorf("after delete, ListDefinitions() = %+v, want only bob's", defs)
			}
		})
	}
}

// ─── Instances ──────────────────────────────────────────────

func TestInstanceRoundTrip(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			if err := s.PutInstance(ctx, sampleRecord("alice", "g")); err != nil {
				t.Fatalf("PutInstance() error = %v", err)
			}
			recs, err := s.ListInstances(ctx)
			if err != nil {
				t.Fatalf("ListInstances() error = %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("ListInstances() returned %d, want 1", len(recs))
			}
			got := recs[0]
			if !value.Equal(got.ParameterValues["p1"], value.NewInt(123)) {
				t.Errorf("ParameterValues[p1] = %v, want 123", got.ParameterValues["p1"])
			}
			if got.Outputs["price"].Type() != value.Money {
				t.Errorf("Outputs[price] type = %v, want money", got.Outputs["price"].Type())
			}
			if !value.Equal(got.Outputs["data"], sampleRecord("alice", "g").Outputs["data"]) {
				t.Errorf("Outputs[data] = %v, want nested map preserved", got.Outputs["data"])
			}
			if got.NotificationSeq != 1 || len(got.NotificationHistory) != 1 {
				t.Errorf("notification log = seq %d len %d, want 1/1", got.NotificationSeq, len(got.NotificationHistory))
			}
			if !got.Instantiated.Equal(sampleRecord("alice", "g").Instantiated) {
				t.Errorf("Instantiated = %v", got.Instantiated)
			}

			if err := s.DeleteInstance(ctx, "alice", "g"); err != nil {
				t.Fatalf("DeleteInstance() error = %v", err)
			}
			recs, _ = s.ListInstances(ctx)
			if len(recs) != 0 {
				t.Errorf("after delete, ListInstances() returned %d, want 0", len(recs))
			}
		})
	}
}

// ─── Access tables ──────────────────────────────────────────

func TestAccessTableCRUD(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			tbl := &models.AccessTable{
				User:  "alice",
				Kind:  models.AccessWeb,
				Rules: []models.AccessRule{{Pattern: "https://intranet", Allow: false}, {Pattern: "*", Allow: true}},
			}
			if err := s.PutAccessTable(ctx, tbl); err != nil {
				t.Fatalf("PutAccessTable() error = %v", err)
			}
			tbl.Rules[0].Allow = true
			tables, err := s.ListAccessTables(ctx)
			if err != nil {
				t.Fatalf("ListAccessTables() error = %v", err)
			}
			if len(tables) != 1 || len(tables[0].Rules) != 2 {
				t.Fatalf("ListAccessTables() = %+v, want one table with two rules", tables)
			}
			if tables[0].Rules[0].Allow {
				t.Errorf("stored rule changed with the caller's slice")
			}
			if err := s.DeleteAccessTable(ctx, "alice", models.AccessWeb); err != nil {
				t.Fatalf("DeleteAccessTable() error = %v", err)
			}
			tables, _ = s.ListAccessTables(ctx)
			if len(tables) != 0 {
				t.Errorf("after delete, ListAccessTables() returned %d, want 0", len(tables))
			}
		})
	}
}

// ─── Close / Snapshot ───────────────────────────────────────

func TestCloseFlush(t *testing.T) {
	dir := t.TempDir()
	s := store.NewMemoryStore(dir)
	ctx := context.Background()
	if err := s.PutInstance(ctx, sampleRecord("alice", "persist-me")); err != nil {
		t.Fatalf("PutInstance() error = %v", err)
	}

	// Close should flush to disk
	s.Close()

	s2 := store.NewMemoryStore(dir)
	defer s2.Close()
	recs, err := s2.ListInstances(ctx)
	if err != nil {
		t.Fatalf("After reopen, ListInstances() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "persist-me" {
		t.Fatalf("After reopen, ListInstances() = %+v, want persist-me", recs)
	}
	if recs[0].Outputs["price"].String() != "12.50" {
		t.Errorf("After reopen, price = %q, want %q", recs[0].Outputs["price"].String(), "12.50")
	}
}

func TestBoltReopen(t *testing.T) {
	if raceEnabled {
		t.Skip("bolt store is not checkptr-clean under -race")
	}
	dir := t.TempDir()
	ctx := context.Background()
	s, err := store.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	if err := s.PutDefinition(ctx, &models.AgentDefinition{User: "alice", Name: "d"}); err != nil {
		t.Fatalf("PutDefinition() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := store.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() reopen error = %v", err)
	}
	defer s2.Close()
	if err := s2.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	defs, err := s2.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListDefinitions() error = %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "d" {
		t.Errorf("After reopen, ListDefinitions() = %+v, want d", defs)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	if _, err := store.Open(ctx, "postgres", "", "", 0); err == nil {
		t.Errorf("Open(postgres) without URL: want error")
	}
	if _, err := store.Open(ctx, "cassandra", "", "", 0); err == nil {
		t.Errorf("Open(cassandra): want error")
	}
	s, err := store.Open(ctx, "", "", "", 0)
	if err != nil {
		t.Fatalf("Open(default) error = %v", err)
	}
	s.Close()
}

// Package access holds the per-user web and mail access tables consulted by
// the web_access_allowed and mail_access_allowed built-ins.
//
// A table is an ordered rule list. The first rule whose pattern is a prefix
// of the target (or "*") decides; a target no rule matches is allowed.
package access

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/keylock"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/pkg/models"
)

// Tables is the concurrency-safe set of access tables. Store I/O runs
// under the table's key lock, never under mu.
type Tables struct {
	mu     sync.RWMutex
	tables map[string]models.AccessTable // key: user:kind
	writes keylock.Map
	store  store.AccessStore
	now    func() time.Time
}

func New(s store.AccessStore) *Tables {
	return &Tables{
		tables: make(map[string]models.AccessTable),
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func tableKey(user string, kind models.AccessKind) string { return user + ":" + string(kind) }

// ParseKind validates an access kind name.
func ParseKind(s string) (models.AccessKind, error) {
	switch k := models.AccessKind(strings.ToLower(s)); k {
	case models.AccessWeb, models.AccessMail:
		return k, nil
	}
	return "", models.Configf("unknown access kind %q (want web or mail)", s)
}

// ── Decision ─────────────────────────────────────────────────

// Allowed reports whether user may reach target. Mail addresses match
// case-insensitively.
func (t *Tables) Allowed(user string, kind models.AccessKind, target string) bool {
	t.mu.RLock()
	tbl, ok := t.tables[tableKey(user, kind)]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	allowed, rule := decide(tbl.Rules, kind, target)
	if !allowed {
		log.Debug().Str("user", user).Str("kind", string(kind)).Str("target", target).
			Str("pattern", rule).Msg("Access denied")
	}
	return allowed
}

// decide returns the decision and the pattern that made it.
func decide(rules []models.AccessRule, kind models.AccessKind, target string) (bool, string) {
	if kind == models.AccessMail {
		target = strings.ToLower(target)
	}
	for _, r := range rules {
		p := r.Pattern
		if kind == models.AccessMail {
			p = strings.ToLower(p)
		}
		if p == "*" || strings.HasPrefix(target, p) {
			return r.Allow, r.Pattern
		}
	}
	return true, ""
}

// ── Management ───────────────────────────────────────────────

// Get returns the user's table for kind. A missing table is empty.
func (t *Tables) Get(user string, kind models.AccessKind) models.AccessTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tbl, ok := t.tables[tableKey(user, kind)]
	if !ok {
		return models.AccessTable{User: user, Kind: kind, Rules: []models.AccessRule{}}
	}
	tbl.Rules = append([]models.AccessRule(nil), tbl.Rules...)
	return tbl
}

// List returns every table of user, ordered by kind.
func (t *Tables) List(user string) []models.AccessTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []models.AccessTable{}
	for _, tbl := range t.tables {
		if tbl.User == user {
			tbl.Rules = append([]models.AccessRule(nil), tbl.Rules...)
			out = append(out, tbl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Set replaces the user's table for kind. Patterns must be non-empty.
func (t *Tables) Set(ctx context.Context, user string, kind models.AccessKind, rules []models.AccessRule) (models.AccessTable, error) {
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return models.AccessTable{}, models.Configf("access rule %d has an empty pattern", i)
		}
	}
	tbl := models.AccessTable{
		User:    user,
		Kind:    kind,
		Rules:   append([]models.AccessRule{}, rules...),
		Updated: t.now(),
	}
	k := tableKey(user, kind)
	unlock := t.writes.Lock(k)
	defer unlock()
	if err := t.store.PutAccessTable(ctx, &tbl); err != nil {
		return models.AccessTable{}, fmt.Errorf("persist access table: %w", err)
	}
	t.mu.Lock()
	t.tables[k] = tbl
	t.mu.Unlock()
	log.Info().Str("user", user).Str("kind", string(kind)).Int("rules", len(rules)).Msg("Access table updated")
	return tbl, nil
}

// Delete drops the user's table for kind; everything is allowed again.
func (t *Tables) Delete(ctx context.Context, user string, kind models.AccessKind) error {
	k := tableKey(user, kind)
	unlock := t.writes.Lock(k)
	defer unlock()
	t.mu.RLock()
	_, ok := t.tables[k]
	t.mu.RUnlock()
	if !ok {
		return &models.NotFoundError{Entity: "access table", Key: k}
	}
	if err := t.store.DeleteAccessTable(ctx, user, kind); err != nil {
		return fmt.Errorf("delete access table: %w", err)
	}
	t.mu.Lock()
	delete(t.tables, k)
	t.mu.Unlock()
	return nil
}

// Restore loads every stored table.
func (t *Tables) Restore(ctx context.Context) error {
	tables, err := t.store.ListAccessTables(ctx)
	if err != nil {
		return fmt.Errorf("load access tables: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tbl := range tables {
		t.tables[tableKey(tbl.User, tbl.Kind)] = tbl
	}
	log.Info().Int("tables", len(tables)).Msg("Access tables restored")
	return nil
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentserver/agentserver/internal/access"
	"github.com/agentserver/agentserver/internal/api/handlers"
	"github.com/agentserver/agentserver/internal/config"
	"github.com/agentserver/agentserver/internal/instance"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/scheduler"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/pkg/models"
)

func newTestRouter(t *testing.T, auth config.AuthConfig) http.Handler {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st)
	tables := access.New(st)
	m := instance.NewManager(reg, st, tables, instance.Options{})
	sched := scheduler.New(m, scheduler.Options{})
	cfg := &config.Config{Version: "test", Auth: auth}
	return NewRouter(cfg, handlers.New(reg, m, tables, sched, cfg.Version))
}

type call struct {
	method, path, user, key string
	body                    any
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		if err := json.NewEncoder(&body).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User", c.user)
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
}

func approvalDefinition() models.DefinitionSpec {
	return models.DefinitionSpec{
		Name:       "approval",
		Parameters: []models.FieldSpec{{Name: "limit", Type: "int", Default: 10}},
		Outputs:    []models.FieldSpec{{Name: "verdict", Type: "string"}},
		Notifications: []models.NotificationSpec{{
			Name:        "confirm",
			Description: "approve the purchase",
			Type:        models.NotificationYesNo,
			Manual:      true,
			Scripts:     []models.ScriptSpec{{Name: "accept", Code: "verdict = 'approved';"}},
		}},
		Scripts: []models.ScriptSpec{
			{Name: "double", Params: []models.ParamSpec{{Name: "x", Type: "int"}}, ReturnType: "int", Public: true, Code: "return x * 2;"},
			{Name: "ask", Public: true, Code: "notify('confirm');"},
			{Name: "boom", Public: true, ReturnType: "int", Code: "int z = 0; return limit / z;"},
		},
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{APIKeys: []string{"k"}})

	var health map[string]string
	expect(t, do(t, h, call{method: http.MethodGet, path: "/health"}), http.StatusOK, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
	var version map[string]string
	expect(t, do(t, h, call{method: http.MethodGet, path: "/version"}), http.StatusOK, &version)
	if version["version"] != "test" {
		t.Errorf("version = %v, want test", version)
	}
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/status"}), http.StatusUnauthorized, nil)
}

func TestDefinitionRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{})

	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", body: approvalDefinition()}), http.StatusBadRequest, nil)

	var def models.AgentDefinition
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", user: "alice", body: approvalDefinition()}), http.StatusCreated, &def)
	if def.Name != "approval" || def.User != "alice" {
		t.Fatalf("created = %s/%s, want alice/approval", def.User, def.Name)
	}

	bad := models.DefinitionSpec{Name: "broken", Scripts: []models.ScriptSpec{{Name: "init", Code: "x = ;"}}}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", user: "alice", body: bad}), http.StatusBadRequest, nil)
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", user: "alice", body: "{"}), http.StatusBadRequest, nil)

	desc := "approves things"
	var upd handlers.UpdateResponse
	expect(t, do(t, h, call{method: http.MethodPut, path: "/api/v1/definitions/approval", user: "alice", body: models.DefinitionSpec{Description: &desc}}), http.StatusOK, &upd)
	if !upd.Changed {
		t.Errorf("UpdateDefinition changed = false, want true")
	}

	var defs []models.AgentDefinition
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions", user: "alice"}), http.StatusOK, &defs)
	if len(defs) != 1 || defs[0].Description != desc {
		t.Fatalf("ListDefinitions() = %+v", defs)
	}
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions", user: "bob"}), http.StatusOK, &defs)
	if len(defs) != 0 {
		t.Errorf("bob sees %d definitions, want 0", len(defs))
	}

	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions/nope", user: "alice"}), http.StatusNotFound, nil)
	expect(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/definitions/approval", user: "alice"}), http.StatusOK, nil)
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions/approval", user: "alice"}), http.StatusNotFound, nil)
}

func TestInstanceRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{})
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", user: "alice", body: approvalDefinition()}), http.StatusCreated, nil)

	var st models.InstanceStatus
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances", user: "alice",
		body: models.InstanceSpec{Name: "a1", Definition: "approval", ParameterValues: map[string]any{"limit": 7}}}), http.StatusCreated, &st)
	if st.Status != models.StatusStarting {
		t.Errorf("Status = %q, want %q", st.Status, models.StatusStarting)
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances", user: "alice",
		body: models.InstanceSpec{Name: "a2", Definition: "missing"}}), http.StatusNotFound, nil)

	var res models.RunScriptResult
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/run_script/double", user: "alice", body: "[21]"}), http.StatusOK, &res)
	if res.ReturnValue != float64(42) {
		t.Errorf("double(21) = %v, want 42", res.ReturnValue)
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/run_script/double", user: "alice", body: `{"args": [1, 2]}`}), http.StatusBadRequest, nil)
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/run_script/nosuch", user: "alice"}), http.StatusNotFound, nil)

	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/run_script/boom", user: "alice"}), http.StatusUnprocessableEntity, nil)
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1", user: "alice"}), http.StatusOK, &st)
	if !strings.HasPrefix(st.Status, models.StatusException) {
		t.Fatalf("Status = %q, want an exception", st.Status)
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/dismiss_exception", user: "alice"}), http.StatusOK, &st)
	if strings.HasPrefix(st.Status, models.StatusException) {
		t.Errorf("Status after dismiss = %q", st.Status)
	}

	var out instance.OutputsView
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1/output", user: "alice"}), http.StatusOK, &out)
	if _, ok := out.Outputs["verdict"]; !ok {
		t.Errorf("Outputs = %v, want a verdict field", out.Outputs)
	}

	var upd handlers.UpdateResponse
	expect(t, do(t, h, call{method: http.MethodPut, path: "/api/v1/instances/a1", user: "alice",
		body: map[string]any{"enabled": false}}), http.StatusOK, &upd)
	if !upd.Changed {
		t.Errorf("UpdateInstance changed = false, want true")
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/reload", user: "alice"}), http.StatusOK, nil)

	var list []models.InstanceStatus
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances", user: "alice"}), http.StatusOK, &list)
	if len(list) != 1 {
		t.Fatalf("ListInstances() = %d entries, want 1", len(list))
	}
	expect(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/instances/a1", user: "alice"}), http.StatusOK, nil)
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1", user: "alice"}), http.StatusNotFound, nil)
}

func TestNotificationRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{})
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/definitions", user: "alice", body: approvalDefinition()}), http.StatusCreated, nil)
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances", user: "alice",
		body: models.InstanceSpec{Name: "a1", Definition: "approval"}}), http.StatusCreated, nil)
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/run_script/ask", user: "alice"}), http.StatusOK, nil)

	var pending []models.PendingNotification
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/notifications", user: "alice"}), http.StatusOK, &pending)
	if len(pending) != 1 || pending[0].Name != "confirm" {
		t.Fatalf("PendingNotifications() = %+v", pending)
	}

	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1/notifications/confirm?response=maybe", user: "alice"}), http.StatusBadRequest, nil)

	var nv models.NotificationView
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1/notifications/confirm?response=accept&comment=ok", user: "alice"}), http.StatusOK, &nv)
	if nv.Pending || nv.Response != "accept" || nv.Comment != "ok" {
		t.Fatalf("Notification = %+v, want resolved with accept", nv)
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/instances/a1/notifications/confirm", user: "alice",
		body: models.NotificationResponse{Response: "accept"}}), http.StatusConflict, nil)

	var out instance.OutputsView
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1/output", user: "alice"}), http.StatusOK, &out)
	if out.Outputs["verdict"] != "approved" {
		t.Errorf("verdict = %v, want approved", out.Outputs["verdict"])
	}

	var all instance.NotificationsView
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/instances/a1/notifications", user: "alice"}), http.StatusOK, &all)
	if len(all.History) != 2 {
		t.Errorf("history = %d records, want 2", len(all.History))
	}
}

func TestAccessRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{})

	rules := handlers.AccessTableRequest{Rules: []models.AccessRule{{Pattern: "https://intranet", Allow: false}}}
	var table models.AccessTable
	expect(t, do(t, h, call{method: http.MethodPut, path: "/api/v1/access/web", user: "alice", body: rules}), http.StatusOK, &table)
	if len(table.Rules) != 1 || table.Kind != models.AccessWeb {
		t.Fatalf("SetAccessTable() = %+v", table)
	}
	expect(t, do(t, h, call{method: http.MethodPut, path: "/api/v1/access/fax", user: "alice", body: rules}), http.StatusBadRequest, nil)

	var tables []models.AccessTable
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/access", user: "alice"}), http.StatusOK, &tables)
	if len(tables) != 1 {
		t.Errorf("ListAccessTables() = %d, want 1", len(tables))
	}
	expect(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/access/web", user: "alice"}), http.StatusOK, nil)
	expect(t, do(t, h, call{method: http.MethodDelete, path: "/api/v1/access/web", user: "alice"}), http.StatusNotFound, nil)
}

func TestAdminRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{APIKeys: []string{"user-key"}, AdminKeys: []string{"root-key"}})

	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/admin/scheduler/pause", key: "user-key"}), http.StatusForbidden, nil)
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions?all=yes", key: "user-key"}), http.StatusForbidden, nil)
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/definitions?all=yes", key: "root-key"}), http.StatusOK, nil)

	var state scheduler.State
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/admin/scheduler/pause", key: "root-key"}), http.StatusOK, &state)
	if !state.Paused {
		t.Errorf("Paused = false after pause")
	}
	expect(t, do(t, h, call{method: http.MethodPost, path: "/api/v1/admin/scheduler/resume", key: "root-key"}), http.StatusOK, &state)
	if state.Paused {
		t.Errorf("Paused = true after resume")
	}

	var status handlers.StatusResponse
	expect(t, do(t, h, call{method: http.MethodGet, path: "/api/v1/status", key: "user-key"}), http.StatusOK, &status)
	if status.Version != "test" {
		t.Errorf("Version = %q, want test", status.Version)
	}
}

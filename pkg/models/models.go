package models

import (
	"time"

	"github.com/agentserver/agentserver/internal/value"
)

// ── Defaults ─────────────────────────────────────────────────

const (
	DefaultTriggerInterval   = "50"
	DefaultReportingInterval = "1000"
	DefaultStateLimit        = 25
)

// ── Field declarations ───────────────────────────────────────

// FieldSpec declares a typed field: a parameter, an output, a memory or
// scratchpad slot, or a notification detail.
type FieldSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any      `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	MinValue    any      `json:"min_value,omitempty" yaml:"min_value,omitempty"`
	MaxValue    any      `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	Choices     []string `json:"choices,omitempty" yaml:"choices,omitempty"`
	// Compute is an expression recomputed on every trigger (outputs only).
	Compute string `json:"compute,omitempty" yaml:"compute,omitempty"`
}

// InputSpec binds another instance's outputs under Name. Exactly one of
// DataSource (an existing instance) or Definition (auto-instantiated
// anonymous data source) is set.
type InputSpec struct {
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	DataSource      string         `json:"data_source,omitempty" yaml:"data_source,omitempty"`
	Definition      string         `json:"definition,omitempty" yaml:"definition,omitempty"`
	User            string         `json:"user,omitempty" yaml:"user,omitempty"`
	ParameterValues map[string]any `json:"parameter_values,omitempty" yaml:"parameter_values,omitempty"`
}

type TimerSpec struct {
	Name     string `json:"name" yaml:"name"`
	Interval string `json:"interval" yaml:"interval"`
	Script   string `json:"script" yaml:"script"`
}

type ConditionSpec struct {
	Name      string `json:"name" yaml:"name"`
	Condition string `json:"condition" yaml:"condition"`
	Script    string `json:"script" yaml:"script"`
}

type ParamSpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// ScriptSpec is a named script. Scripts named "init" and "inputs_changed"
// run as part of a trigger; the rest are functions callable from other
// scripts, and from outside when Public is set.
type ScriptSpec struct {
	Name       string      `json:"name" yaml:"name"`
	Params     []ParamSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ReturnType string      `json:"return_type,omitempty" yaml:"return_type,omitempty"`
	Public     bool        `json:"public,omitempty" yaml:"public,omitempty"`
	Code       string      `json:"code" yaml:"code"`
}

// ── Notifications ────────────────────────────────────────────

type NotificationType string

const (
	NotificationNotifyOnly NotificationType = "notify_only"
	NotificationYesNo      NotificationType = "yes_no"
)

// NotificationSpec declares a notification. Suspend defaults to true for
// every type except notify_only.
type NotificationSpec struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Type        NotificationType `json:"type,omitempty" yaml:"type,omitempty"`
	Condition   string           `json:"condition,omitempty" yaml:"condition,omitempty"`
	Timeout     string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Suspend     *bool            `json:"suspend,omitempty" yaml:"suspend,omitempty"`
	Manual      bool             `json:"manual,omitempty" yaml:"manual,omitempty"`
	Enabled     *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Details     []FieldSpec      `json:"details,omitempty" yaml:"details,omitempty"`
	// Scripts are response handlers keyed by response keyword.
	Scripts []ScriptSpec `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

// Suspends reports the effective suspend flag.
func (n NotificationSpec) Suspends() bool {
	if n.Type == NotificationNotifyOnly {
		return false
	}
	if n.Suspend != nil {
		return *n.Suspend
	}
	return true
}

// IsEnabled reports the effective enabled flag (default true).
func (n NotificationSpec) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

type GoalSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ── Agent Definition ─────────────────────────────────────────

// DefinitionSpec is the create/update payload of a definition. Nil fields
// are absent: an update only touches the fields that are present.
type DefinitionSpec struct {
	Name              string             `json:"name,omitempty" yaml:"name"`
	Description       *string            `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters        []FieldSpec        `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Inputs            []InputSpec        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Timers            []TimerSpec        `json:"timers,omitempty" yaml:"timers,omitempty"`
	Conditions        []ConditionSpec    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Notifications     []NotificationSpec `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Scripts           []ScriptSpec       `json:"scripts,omitempty" yaml:"scripts,omitempty"`
	Scratchpad        []FieldSpec        `json:"scratchpad,omitempty" yaml:"scratchpad,omitempty"`
	Memory            []FieldSpec        `json:"memory,omitempty" yaml:"memory,omitempty"`
	Outputs           []FieldSpec        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Goals             []GoalSpec         `json:"goals,omitempty" yaml:"goals,omitempty"`
	TriggerInterval   *string            `json:"trigger_interval,omitempty" yaml:"trigger_interval,omitempty"`
	ReportingInterval *string            `json:"reporting_interval,omitempty" yaml:"reporting_interval,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// AgentDefinition is a stored definition, keyed by (User, Name).
type AgentDefinition struct {
	User              string             `json:"user"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	Parameters        []FieldSpec        `json:"parameters"`
	Inputs            []InputSpec        `json:"inputs"`
	Timers            []TimerSpec        `json:"timers"`
	Conditions        []ConditionSpec    `json:"conditions"`
	Notifications     []NotificationSpec `json:"notifications"`
	Scripts           []ScriptSpec       `json:"scripts"`
	Scratchpad        []FieldSpec        `json:"scratchpad"`
	Memory            []FieldSpec        `json:"memory"`
	Outputs           []FieldSpec        `json:"outputs"`
	Goals             []GoalSpec         `json:"goals"`
	TriggerInterval   string             `json:"trigger_interval"`
	ReportingInterval string             `json:"reporting_interval"`
	Enabled           bool               `json:"enabled"`
	Created           time.Time          `json:"created"`
	Modified          time.Time          `json:"modified"`
}

// Merge returns d with every field present in spec applied. Name, owner
// and timestamps are left alone.
func (d AgentDefinition) Merge(spec DefinitionSpec) AgentDefinition {
	if spec.Description != nil {
		d.Description = *spec.Description
	}
	if spec.Parameters != nil {
		d.Parameters = spec.Parameters
	}
	if spec.Inputs != nil {
		d.Inputs = spec.Inputs
	}
	if spec.Timers != nil {
		d.Timers = spec.Timers
	}
	if spec.Conditions != nil {
		d.Conditions = spec.Conditions
	}
	if spec.Notifications != nil {
		d.Notifications = spec.Notifications
	}
	if spec.Scripts != nil {
		d.Scripts = spec.Scripts
	}
	if spec.Scratchpad != nil {
		d.Scratchpad = spec.Scratchpad
	}
	if spec.Memory != nil {
		d.Memory = spec.Memory
	}
	if spec.Outputs != nil {
		d.Outputs = spec.Outputs
	}
	if spec.Goals != nil {
		d.Goals = spec.Goals
	}
	if spec.TriggerInterval != nil {
		d.TriggerInterval = *spec.TriggerInterval
	}
	if spec.ReportingInterval != nil {
		d.ReportingInterval = *spec.ReportingInterval
	}
	if spec.Enabled != nil {
		d.Enabled = *spec.Enabled
	}
	return d
}

// ── Agent Instance ───────────────────────────────────────────

// InstanceSpec is the create/update payload of an instance.
type InstanceSpec struct {
	Name                      string         `json:"name,omitempty" yaml:"name"`
	Description               *string        `json:"description,omitempty" yaml:"description,omitempty"`
	Definition                string         `json:"definition,omitempty" yaml:"definition,omitempty"`
	ParameterValues           map[string]any `json:"parameter_values,omitempty" yaml:"parameter_values,omitempty"`
	TriggerInterval           *string        `json:"trigger_interval,omitempty" yaml:"trigger_interval,omitempty"`
	ReportingInterval         *string        `json:"reporting_interval,omitempty" yaml:"reporting_interval,omitempty"`
	PublicOutput              *bool          `json:"public_output,omitempty" yaml:"public_output,omitempty"`
	LimitInstanceStatesStored *int           `json:"limit_instance_states_stored,omitempty" yaml:"limit_instance_states_stored,omitempty"`
	Enabled                   *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Instance status prefixes.
const (
	StatusStarting  = "starting"
	StatusActive    = "active"
	StatusException = "exception: "
	StatusSuspended = "notification_pending_suspended: "
)

// InstanceRecord is the persisted form of an instance. Definition holds the
// definition version the instance was created or last reloaded against.
type InstanceRecord struct {
	User                      string                      `json:"user"`
	Name                      string                      `json:"name"`
	Description               string                      `json:"description"`
	Definition                AgentDefinition             `json:"definition"`
	ParameterValues           map[string]value.Value      `json:"parameter_values"`
	TriggerInterval           string                      `json:"trigger_interval"`
	ReportingInterval         string                      `json:"reporting_interval"`
	PublicOutput              bool                        `json:"public_output"`
	LimitInstanceStatesStored int                         `json:"limit_instance_states_stored"`
	Enabled                   bool                        `json:"enabled"`
	Status                    string                      `json:"status"`
	Started                   bool                        `json:"started"`
	Instantiated              time.Time                   `json:"instantiated"`
	Updated                   time.Time                   `json:"updated"`
	InputsChanged             time.Time                   `json:"inputs_changed"`
	Triggered                 time.Time                   `json:"triggered"`
	OutputsChanged            time.Time                   `json:"outputs_changed"`
	Inputs                    map[string]value.Value      `json:"inputs"`
	InputSources              map[string]SourceRef        `json:"input_sources"`
	Outputs                   map[string]value.Value      `json:"outputs"`
	Memory                    map[string]value.Value      `json:"memory"`
	Scratchpad                map[string]value.Value      `json:"scratchpad"`
	TimersFired               map[string]time.Time        `json:"timers_fired"`
	Exception                 string                      `json:"exception,omitempty"`
	LastDismissedException    string                      `json:"last_dismissed_exception,omitempty"`
	States                    []StateSnapshot             `json:"states"`
	OutputHistory             []OutputRecord              `json:"output_history"`
	Notifications             []NotificationInstance      `json:"notifications"`
	NotificationHistory       []NotificationHistoryRecord `json:"notification_history"`
	NotificationSeq           int64                       `json:"notification_seq"`
}

// SourceRef names the instance an input reads from.
type SourceRef struct {
	User string `json:"user"`
	Name string `json:"name"`
	// Anonymous sources were auto-instantiated for this input.
	Anonymous bool `json:"anonymous,omitempty"`
}

// StateSnapshot is one entry of an instance's state history.
type StateSnapshot struct {
	Time                   time.Time              `json:"time"`
	Inputs                 map[string]value.Value `json:"inputs"`
	Parameters             map[string]value.Value `json:"parameters"`
	Outputs                map[string]value.Value `json:"outputs"`
	Memory                 map[string]value.Value `json:"memory"`
	Notifications          []NotificationInstance `json:"notifications"`
	NotificationHistorySeq int64                  `json:"notification_history"`
	Exception              string                 `json:"exceptions,omitempty"`
	LastDismissedException string                 `json:"last_dismissed_exception,omitempty"`
}

// OutputRecord is one entry of an instance's output history.
type OutputRecord struct {
	Time    time.Time              `json:"time"`
	Outputs map[string]value.Value `json:"outputs"`
}

// NotificationInstance is the live state of one notification of one
// instance.
type NotificationInstance struct {
	Name           string                 `json:"name"`
	Type           NotificationType       `json:"type"`
	Pending        bool                   `json:"pending"`
	Timeout        int64                  `json:"timeout"`
	Response       string                 `json:"response"`
	ResponseChoice string                 `json:"response_choice"`
	Comment        string                 `json:"comment"`
	TimeNotified   *time.Time             `json:"time_notified,omitempty"`
	TimeResponse   *time.Time             `json:"time_response,omitempty"`
	Details        map[string]value.Value `json:"details"`
}

// NotificationHistoryRecord is an immutable entry of the notification log.
type NotificationHistoryRecord struct {
	Seq          int64                `json:"seq"`
	Time         time.Time            `json:"time"`
	Notification NotificationInstance `json:"notification"`
}

// ── Access control ───────────────────────────────────────────

type AccessKind string

const (
	AccessWeb  AccessKind = "web"
	AccessMail AccessKind = "mail"
)

// AccessRule allows or denies targets starting with Pattern ("*" matches
// everything).
type AccessRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Allow   bool   `json:"allow" yaml:"allow"`
}

// AccessTable is the ordered rule list of one user for one kind.
type AccessTable struct {
	User    string       `json:"user"`
	Kind    AccessKind   `json:"kind"`
	Rules   []AccessRule `json:"rules"`
	Updated time.Time    `json:"updated"`
}

// ── Views ────────────────────────────────────────────────────

// InstanceStatus is the external status view of an instance.
type InstanceStatus struct {
	Name                      string         `json:"name"`
	Definition                string         `json:"definition"`
	Description               string         `json:"description"`
	Status                    string         `json:"status"`
	Instantiated              time.Time      `json:"instantiated"`
	Updated                   time.Time      `json:"updated"`
	TriggerInterval           string         `json:"trigger_interval"`
	ReportingInterval         string         `json:"reporting_interval"`
	PublicOutput              bool           `json:"public_output"`
	LimitInstanceStatesStored int            `json:"limit_instance_states_stored"`
	Enabled                   bool           `json:"enabled"`
	ParameterValues           map[string]any `json:"parameter_values"`
	InputsChanged             *time.Time     `json:"inputs_changed"`
	Triggered                 *time.Time     `json:"triggered"`
	OutputsChanged            *time.Time     `json:"outputs_changed"`
	State                     []StateView    `json:"state,omitempty"`
}

// StateView renders a StateSnapshot with plain values.
type StateView struct {
	Time                   time.Time          `json:"time"`
	Inputs                 map[string]any     `json:"inputs"`
	Parameters             map[string]any     `json:"parameters"`
	Outputs                map[string]any     `json:"outputs"`
	Memory                 map[string]any     `json:"memory"`
	Notifications          []NotificationView `json:"notifications"`
	NotificationHistorySeq int64              `json:"notification_history"`
	Exceptions             []string           `json:"exceptions"`
	LastDismissedException string             `json:"last_dismissed_exception,omitempty"`
}

// OutputView is one entry of the output history with plain values.
type OutputView struct {
	Time    time.Time      `json:"time"`
	Outputs map[string]any `json:"outputs"`
}

// NotificationView renders a NotificationInstance with plain values.
type NotificationView struct {
	Name           string           `json:"name"`
	Type           NotificationType `json:"type"`
	Pending        bool             `json:"pending"`
	Timeout        int64            `json:"timeout"`
	Response       string           `json:"response"`
	ResponseChoice string           `json:"response_choice"`
	Comment        string           `json:"comment"`
	TimeNotified   *time.Time       `json:"time_notified"`
	TimeResponse   *time.Time       `json:"time_response"`
	Details        map[string]any   `json:"details"`
}

// NotificationHistoryView is one rendered notification log entry.
type NotificationHistoryView struct {
	Seq          int64            `json:"seq"`
	Time         time.Time        `json:"time"`
	Notification NotificationView `json:"notification"`
}

// PendingNotification is one entry of a user's pending notification list.
type PendingNotification struct {
	Agent       string           `json:"agent"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        NotificationType `json:"type"`
	Time        time.Time        `json:"time"`
	Timeout     int64            `json:"timeout"`
	Details     map[string]any   `json:"details"`
}

// NotificationResponse answers a pending notification.
type NotificationResponse struct {
	Response       string `json:"response"`
	ResponseChoice string `json:"response_choice,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

// RunScriptResult is the outcome of an out-of-schedule function call.
type RunScriptResult struct {
	ReturnValue any `json:"return_value"`
}

// Counters are the live platform counters.
type Counters struct {
	RegisteredUsers       int `json:"registered_users"`
	ActiveUsers           int `json:"active_users"`
	RegisteredDefinitions int `json:"registered_definitions"`
	ActiveInstances       int `json:"active_instances"`
}

// ── View helpers ─────────────────────────────────────────────

// Natives renders a value map with plain Go data.
func Natives(m map[string]value.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}

// View renders the notification with plain values.
func (n NotificationInstance) View() NotificationView {
	return NotificationView{
		Name:           n.Name,
		Type:           n.Type,
		Pending:        n.Pending,
		Timeout:        n.Timeout,
		Response:       n.Response,
		ResponseChoice: n.ResponseChoice,
		Comment:        n.Comment,
		TimeNotified:   n.TimeNotified,
		TimeResponse:   n.TimeResponse,
		Details:        Natives(n.Details),
	}
}

// View renders the snapshot with plain values.
func (s StateSnapshot) View() StateView {
	v := StateView{
		Time:                   s.Time,
		Inputs:                 Natives(s.Inputs),
		Parameters:             Natives(s.Parameters),
		Outputs:                Natives(s.Outputs),
		Memory:                 Natives(s.Memory),
		NotificationHistorySeq: s.NotificationHistorySeq,
		Exceptions:             []string{},
		LastDismissedException: s.LastDismissedException,
	}
	if s.Exception != "" {
		v.Exceptions = append(v.Exceptions, s.Exception)
	}
	for _, n := range s.Notifications {
		v.Notifications = append(v.Notifications, n.View())
	}
	return v
}

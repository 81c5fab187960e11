package registry

import (
	"errors"
	"fmt"
	"slices"

	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// Context tags attached to compile errors.
const (
	CtxTimerInterval         = "timer interval"
	CtxTimerScript           = "timer script"
	CtxScript                = "script"
	CtxNotificationScript    = "notification script"
	CtxNotificationTimeout   = "notification timeout"
	CtxNotificationCondition = "notification condition"
	CtxTriggerInterval       = "trigger_interval"
	CtxReportingInterval     = "reporting_interval"
	CtxCondition             = "condition"
	CtxOutputCompute         = "output compute"
)

// Script names with a fixed role in a trigger.
const (
	ScriptInit          = "init"
	ScriptInputsChanged = "inputs_changed"
)

// PseudoObjects are the names every script can see.
var PseudoObjects = []string{"outputs", "memory", "scratchpad", "parameters", "inputs", "notifications", "event"}

// ResponseKeywords are accepted as a notification response without a
// matching response script.
var ResponseKeywords = []string{"accept", "decline", "pass", "yes", "no"}

// Field is a compiled field declaration.
type Field struct {
	Name    string
	Type    value.Type
	Default value.Value
	Min     *value.Value
	Max     *value.Value
	Choices []string
	Compute *script.Expression
}

// Coerce converts v to the field's type and enforces its bounds and choices.
func (f *Field) Coerce(v value.Value) (value.Value, error) {
	cv, err := value.Coerce(v, f.Type)
	if err != nil {
		return value.NullValue, fmt.Errorf("field %s: %w", f.Name, err)
	}
	if f.Min != nil {
		if c, err := value.Compare(cv, *f.Min); err == nil && c < 0 {
			return value.NullValue, fmt.Errorf("field %s: %s is below the minimum %s", f.Name, cv, *f.Min)
		}
	}
	if f.Max != nil {
		if c, err := value.Compare(cv, *f.Max); err == nil && c > 0 {
			return value.NullValue, fmt.Errorf("field %s: %s is above the maximum %s", f.Name, cv, *f.Max)
		}
	}
	if len(f.Choices) > 0 {
		var picked []string
		switch f.Type {
		case value.Choice:
			picked = []string{cv.String()}
		case value.MultiChoice:
			picked = cv.Strings()
		}
		for _, p := range picked {
			if p != "" && !slices.Contains(f.Choices, p) {
				return value.NullValue, fmt.Errorf("field %s: %q is not one of %v", f.Name, p, f.Choices)
			}
		}
	}
	return cv, nil
}

// Fields is an ordered field list.
type Fields []*Field

// Lookup finds a field by name.
func (fs Fields) Lookup(name string) (*Field, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Defaults returns a fresh map of every field's default value.
func (fs Fields) Defaults() map[string]value.Value {
	out := make(map[string]value.Value, len(fs))
	for _, f := range fs {
		out[f.Name] = value.Copy(f.Default)
	}
	return out
}

type Timer struct {
	Name     string
	Interval *script.Expression
	Script   *script.Script
}

type Condition struct {
	Name   string
	Expr   *script.Expression
	Script *script.Script
}

// Notification is a compiled notification declaration.
type Notification struct {
	Spec      models.NotificationSpec
	Condition *script.Expression
	Timeout   *script.Expression
	Details   Fields
	// Responses maps a response keyword to its handler.
	Responses map[string]*script.Function
}

// Accepts reports whether keyword is a valid response.
func (n *Notification) Accepts(keyword string) bool {
	if _, ok := n.Responses[keyword]; ok {
		return true
	}
	return slices.Contains(ResponseKeywords, keyword)
}

// Compiled is a definition with every embedded expression parsed and
// checked. It is immutable once built.
type Compiled struct {
	Def               models.AgentDefinition
	TriggerInterval   *script.Expression
	ReportingInterval *script.Expression
	Parameters        Fields
	Outputs           Fields
	Memory            Fields
	Scratchpad        Fields
	Timers            []*Timer
	Conditions        []*Condition
	Notifications     []*Notification
	Funcs             map[string]*script.Function
}

// Notification finds a notification by name.
func (c *Compiled) Notification(name string) (*Notification, bool) {
	for _, n := range c.Notifications {
		if n.Spec.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Symbols returns the names compiled code of this definition can see.
func (c *Compiled) Symbols(extra ...string) script.Symbols {
	known := make(map[string]bool)
	for _, n := range PseudoObjects {
		known[n] = true
	}
	for _, fs := range []Fields{c.Parameters, c.Outputs, c.Memory, c.Scratchpad} {
		for _, f := range fs {
			known[f.Name] = true
		}
	}
	for _, in := range c.Def.Inputs {
		known[in.Name] = true
	}
	for _, n := range extra {
		known[n] = true
	}
	arity := make(map[string]int, len(c.Funcs))
	for name, f := range c.Funcs {
		arity[name] = len(f.Params)
	}
	return script.Symbols{
		Known: func(name string) bool { return known[name] },
		Funcs: arity,
	}
}

// CompileExpression parses and checks an expression, tagging failures
// with ctx.
func CompileExpression(ctx, src string, sym script.Symbols) (*script.Expression, error) {
	e, err := script.ParseExpression(src)
	if err != nil {
		return nil, script.WithContext(err, ctx)
	}
	if err := e.Check(sym); err != nil {
		return nil, script.WithContext(err, ctx)
	}
	return e, nil
}

func compileScript(ctx, src string, sym script.Symbols, params ...script.Param) (*script.Script, error) {
	s, err := script.ParseScript(src)
	if err != nil {
		return nil, script.WithContext(err, ctx)
	}
	if err := s.Check(sym, params...); err != nil {
		return nil, script.WithContext(err, ctx)
	}
	return s, nil
}

// Compile builds the executable form of a definition. Any failure aborts
// the whole compilation.
func Compile(def models.AgentDefinition) (*Compiled, error) {
	c := &Compiled{Def: def, Funcs: make(map[string]*script.Function)}
	var err error
	if c.Parameters, err = compileFields("parameter", def.Parameters); err != nil {
		return nil, err
	}
	if c.Outputs, err = compileFields("output", def.Outputs); err != nil {
		return nil, err
	}
	if c.Memory, err = compileFields("memory", def.Memory); err != nil {
		return nil, err
	}
	if c.Scratchpad, err = compileFields("scratchpad", def.Scratchpad); err != nil {
		return nil, err
	}
	if err := checkInputs(def.Inputs); err != nil {
		return nil, err
	}

	// Function signatures first so scripts can call each other.
	sigs := make(map[string]*script.Function, len(def.Scripts))
	for _, s := range def.Scripts {
		f, err := signature(s)
		if err != nil {
			return nil, err
		}
		if _, dup := sigs[s.Name]; dup {
			return nil, models.Configf("duplicate script %q", s.Name)
		}
		sigs[s.Name] = f
	}
	c.Funcs = sigs
	sym := c.Symbols()

	for _, s := range def.Scripts {
		f := sigs[s.Name]
		if f.Body, err = compileScript(CtxScript, s.Code, sym, f.Params...); err != nil {
			return nil, fmt.Errorf("script %s: %w", s.Name, err)
		}
	}

	trigger := def.TriggerInterval
	if trigger == "" {
		trigger = models.DefaultTriggerInterval
	}
	if c.TriggerInterval, err = CompileExpression(CtxTriggerInterval, trigger, sym); err != nil {
		return nil, err
	}
	reporting := def.ReportingInterval
	if reporting == "" {
		reporting = models.DefaultReportingInterval
	}
	if c.ReportingInterval, err = CompileExpression(CtxReportingInterval, reporting, sym); err != nil {
		return nil, err
	}

	for _, f := range c.Outputs {
		src := findField(def.Outputs, f.Name).Compute
		if src == "" {
			continue
		}
		if f.Compute, err = CompileExpression(CtxOutputCompute, src, sym); err != nil {
			return nil, fmt.Errorf("output %s: %w", f.Name, err)
		}
	}

	seen := map[string]bool{}
	for _, t := range def.Timers {
		if err := uniqueName("timer", t.Name, seen); err != nil {
			return nil, err
		}
		ct := &Timer{Name: t.Name}
		if ct.Interval, err = CompileExpression(CtxTimerInterval, t.Interval, sym); err != nil {
			return nil, fmt.Errorf("timer %s: %w", t.Name, err)
		}
		if ct.Script, err = compileScript(CtxTimerScript, t.Script, sym); err != nil {
			return nil, fmt.Errorf("timer %s: %w", t.Name, err)
		}
		c.Timers = append(c.Timers, ct)
	}

	seen = map[string]bool{}
	for _, cd := range def.Conditions {
		if err := uniqueName("condition", cd.Name, seen); err != nil {
			return nil, err
		}
		cc := &Condition{Name: cd.Name}
		if cc.Expr, err = CompileExpression(CtxCondition, cd.Condition, sym); err != nil {
			return nil, fmt.Errorf("condition %s: %w", cd.Name, err)
		}
		if cc.Script, err = compileScript(CtxScript, cd.Script, sym); err != nil {
			return nil, fmt.Errorf("condition %s: %w", cd.Name, err)
		}
		c.Conditions = append(c.Conditions, cc)
	}

	seen = map[string]bool{}
	for _, n := range def.Notifications {
		if err := uniqueName("notification", n.Name, seen); err != nil {
			return nil, err
		}
		cn, err := compileNotification(c, n)
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", n.Name, err)
		}
		c.Notifications = append(c.Notifications, cn)
	}
	return c, nil
}

func compileNotification(c *Compiled, n models.NotificationSpec) (*Notification, error) {
	switch n.Type {
	case "":
		n.Type = models.NotificationYesNo
	case models.NotificationNotifyOnly, models.NotificationYesNo:
	default:
		return nil, models.Configf("unknown notification type %q", n.Type)
	}
	cn := &Notification{Spec: n, Responses: make(map[string]*script.Function)}
	var err error
	if cn.Details, err = compileFields("detail", n.Details); err != nil {
		return nil, err
	}
	extra := []string{"notification"}
	for _, d := range cn.Details {
		extra = append(extra, d.Name)
	}
	sym := c.Symbols(extra...)
	if n.Condition != "" {
		if cn.Condition, err = CompileExpression(CtxNotificationCondition, n.Condition, sym); err != nil {
			return nil, err
		}
	}
	if n.Timeout != "" {
		if cn.Timeout, err = CompileExpression(CtxNotificationTimeout, n.Timeout, sym); err != nil {
			return nil, err
		}
	}
	for _, s := range n.Scripts {
		if s.Name == "" {
			return nil, models.Configf("response script without a name")
		}
		if len(s.Params) > 0 {
			return nil, models.Configf("response script %q cannot take parameters", s.Name)
		}
		if _, dup := cn.Responses[s.Name]; dup {
			return nil, models.Configf("duplicate response script %q", s.Name)
		}
		body, err := compileScript(CtxNotificationScript, s.Code, sym)
		if err != nil {
			return nil, err
		}
		cn.Responses[s.Name] = &script.Function{Name: s.Name, Return: value.Null, Body: body}
	}
	return cn, nil
}

func signature(s models.ScriptSpec) (*script.Function, error) {
	if s.Name == "" {
		return nil, models.Configf("script without a name")
	}
	f := &script.Function{Name: s.Name, Public: s.Public, Return: value.Null}
	if s.ReturnType != "" {
		t, err := value.ParseType(s.ReturnType)
		if err != nil {
			return nil, models.Configf("script %s: return type: %v", s.Name, err)
		}
		f.Return = t
	}
	seen := map[string]bool{}
	for _, p := range s.Params {
		if p.Name == "" || seen[p.Name] {
			return nil, models.Configf("script %s: missing or duplicate parameter name %q", s.Name, p.Name)
		}
		seen[p.Name] = true
		t, err := value.ParseType(p.Type)
		if err != nil || t == value.Void {
			return nil, models.Configf("script %s: parameter %s: unknown type %q", s.Name, p.Name, p.Type)
		}
		f.Params = append(f.Params, script.Param{Name: p.Name, Type: t})
	}
	return f, nil
}

func compileFields(kind string, specs []models.FieldSpec) (Fields, error) {
	out := make(Fields, 0, len(specs))
	seen := map[string]bool{}
	for _, s := range specs {
		if err := uniqueName(kind, s.Name, seen); err != nil {
			return nil, err
		}
		t, err := value.ParseType(s.Type)
		if err != nil || t == value.Void {
			return nil, models.Configf("%s %s: unknown type %q", kind, s.Name, s.Type)
		}
		f := &Field{Name: s.Name, Type: t, Choices: s.Choices}
		if s.MinValue != nil {
			v, err := value.Construct(t, s.MinValue)
			if err != nil {
				return nil, models.Configf("%s %s: min_value: %v", kind, s.Name, err)
			}
			f.Min = &v
		}
		if s.MaxValue != nil {
			v, err := value.Construct(t, s.MaxValue)
			if err != nil {
				return nil, models.Configf("%s %s: max_value: %v", kind, s.Name, err)
			}
			f.Max = &v
		}
		def, err := value.Construct(t, s.Default)
		if err != nil {
			return nil, models.Configf("%s %s: default_value: %v", kind, s.Name, err)
		}
		if s.Default != nil {
			if def, err = f.Coerce(def); err != nil {
				return nil, models.Configf("%s %s: default_value: %v", kind, s.Name, err)
			}
		}
		f.Default = def
		out = append(out, f)
	}
	return out, nil
}

func checkInputs(inputs []models.InputSpec) error {
	seen := map[string]bool{}
	for _, in := range inputs {
		if err := uniqueName("input", in.Name, seen); err != nil {
			return err
		}
		if (in.DataSource == "") == (in.Definition == "") {
			return models.Configf("input %s: exactly one of data_source or definition is required", in.Name)
		}
	}
	return nil
}

func uniqueName(kind, name string, seen map[string]bool) error {
	if name == "" {
		return models.Configf("%s without a name", kind)
	}
	if seen[name] {
		return models.Configf("duplicate %s %q", kind, name)
	}
	seen[name] = true
	return nil
}

func findField(specs []models.FieldSpec, name string) models.FieldSpec {
	for _, s := range specs {
		if s.Name == name {
			return s
		}
	}
	return models.FieldSpec{}
}

// IsCompileError reports whether err is a parse, semantic or configuration
// failure (as opposed to a storage failure).
func IsCompileError(err error) bool {
	var pe *script.ParseError
	var se *script.SemanticError
	var ce *models.ConfigError
	return errors.As(err, &pe) || errors.As(err, &se) || errors.As(err, &ce)
}

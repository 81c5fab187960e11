package script

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentserver/agentserver/internal/value"
)

// Level names an execution budget.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelStandard Level = "standard"
	LevelHigh     Level = "high"
	LevelMaximum  Level = "maximum"
)

var levelSteps = map[Level]int64{
	LevelMinimal:  1_000,
	LevelLow:      10_000,
	LevelStandard: 100_000,
	LevelHigh:     1_000_000,
	LevelMaximum:  10_000_000,
}

// ParseLevel resolves a budget level name. Empty means standard.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return LevelStandard, nil
	}
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelSteps[l]; !ok {
		return "", fmt.Errorf("unknown execution level %q", s)
	}
	return l, nil
}

// Steps returns the step ceiling of the level.
func (l Level) Steps() int64 {
	if n, ok := levelSteps[l]; ok {
		return n
	}
	return levelSteps[LevelStandard]
}

const maxCallDepth = 200

// Budget counts evaluation steps across everything run under it. One
// Budget covers one trigger or one run_script call.
type Budget struct {
	Limit int64
	steps int64
	depth int
}

// NewBudget returns a budget for the given level.
func NewBudget(l Level) *Budget {
	return &Budget{Limit: l.Steps()}
}

// Steps reports how many steps have been consumed.
func (b *Budget) Steps() int64 { return b.steps }

func (b *Budget) step() error {
	b.steps++
	if b.Limit > 0 && b.steps > b.Limit {
		return &BudgetExceededError{Limit: b.Limit}
	}
	return nil
}

// Scope resolves names that live outside the script (parameters, outputs,
// memory, ...). Assign reports false when the name is not owned by the
// scope.
type Scope interface {
	Lookup(name string) (value.Value, bool)
	Assign(name string, v value.Value) (bool, error)
}

// Host carries the side effects scripts may request.
type Host interface {
	Now() time.Time
	// Notify raises the named notification. It returns ErrSuspend when the
	// instance must stop running.
	Notify(name string) error
	// AccessAllowed answers web/mail access questions ("web", "mail").
	AccessAllowed(kind, target string) bool
}

// Env is everything one evaluation can see.
type Env struct {
	Scopes []Scope
	Funcs  map[string]*Function
	Host   Host
	Budget *Budget
}

func (env *Env) budget() *Budget {
	if env.Budget == nil {
		env.Budget = NewBudget(LevelStandard)
	}
	return env.Budget
}

func (env *Env) now() time.Time {
	if env.Host != nil {
		return env.Host.Now()
	}
	return time.Now()
}

// Param is a typed function parameter.
type Param struct {
	Name string
	Type value.Type
}

// Function is a user-defined function. Public functions can be invoked from
// outside the schedule through run_script.
type Function struct {
	Name   string
	Params []Param
	Return value.Type
	Public bool
	Body   *Script
}

type binding struct {
	typ value.Type
	val value.Value
}

type frame struct {
	vars   map[string]*binding
	parent *frame
}

func newFrame(parent *frame) *frame {
	return &frame{vars: make(map[string]*binding), parent: parent}
}

func (f *frame) lookup(name string) *binding {
	for fr := f; fr != nil; fr = fr.parent {
		if b, ok := fr.vars[name]; ok {
			return b
		}
	}
	return nil
}

type ctl int

const (
	ctlNone ctl = iota
	ctlBreak
	ctlContinue
	ctlReturn
)

type interp struct {
	env *Env
}

// Eval evaluates the expression.
func (e *Expression) Eval(env *Env) (v value.Value, err error) {
	defer recoverFault(&err)
	in := &interp{env: env}
	v, err = in.eval(e.root, newFrame(nil))
	return v, finish(err)
}

// Run executes the script and returns the value of a top-level return
// statement, or null.
func (s *Script) Run(env *Env) (v value.Value, err error) {
	defer recoverFault(&err)
	in := &interp{env: env}
	_, v, err = in.execBlock(s.Body, newFrame(nil))
	return v, finish(err)
}

// Call invokes the function with positional arguments coerced to the
// declared parameter types.
func (f *Function) Call(env *Env, args []value.Value) (v value.Value, err error) {
	defer recoverFault(&err)
	in := &interp{env: env}
	v, err = in.call(f, args, Pos{})
	return v, finish(err)
}

// recoverFault turns a panic raised below an entry point into a
// RuntimeError so one faulty script cannot take down its caller.
func recoverFault(err *error) {
	if r := recover(); r != nil {
		*err = &RuntimeError{Msg: fmt.Sprintf("internal fault: %v", r)}
	}
}

// finish normalizes errors escaping the interpreter: suspension, budget
// exhaustion and argument errors pass through, everything else becomes a
// RuntimeError.
func finish(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSuspend) {
		return ErrSuspend
	}
	var be *BudgetExceededError
	var re *RuntimeError
	var se *SemanticError
	if errors.As(err, &be) || errors.As(err, &re) || errors.As(err, &se) {
		return err
	}
	return &RuntimeError{Msg: err.Error(), Err: err}
}

func fault(pos Pos, err error) error {
	if err == nil {
		return nil
	}
	var be *BudgetExceededError
	var re *RuntimeError
	if errors.Is(err, ErrSuspend) || errors.As(err, &be) || errors.As(err, &re) {
		return err
	}
	return &RuntimeError{Pos: pos, Msg: err.Error(), Err: err}
}

func faultf(pos Pos, format string, args ...any) error {
	return &RuntimeError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (in *interp) call(f *Function, args []value.Value, pos Pos) (value.Value, error) {
	if len(args) != len(f.Params) {
		return value.NullValue, &SemanticError{Pos: pos, Msg: fmt.Sprintf("function %s expects %d argument(s), got %d", f.Name, len(f.Params), len(args))}
	}
	b := in.env.budget()
	if b.depth >= maxCallDepth {
		return value.NullValue, &BudgetExceededError{Limit: b.Limit, Reason: fmt.Sprintf("call depth exceeds %d", maxCallDepth)}
	}
	fr := newFrame(nil)
	for i, p := range f.Params {
		v := args[i]
		if p.Type != value.Null {
			cv, err := value.Coerce(v, p.Type)
			if err != nil {
				return value.NullValue, &SemanticError{Pos: pos, Msg: fmt.Sprintf("argument %d (%s) of %s: %v", i+1, p.Name, f.Name, err)}
			}
			v = cv
		}
		fr.vars[p.Name] = &binding{typ: p.Type, val: v}
	}
	b.depth++
	defer func() { b.depth-- }()
	_, ret, err := in.execBlock(f.Body.Body, fr)
	if err != nil {
		return value.NullValue, err
	}
	switch f.Return {
	case value.Void:
		return value.NullValue, nil
	case value.Null:
		return ret, nil
	}
	cv, err := value.Coerce(ret, f.Return)
	if err != nil {
		return value.NullValue, faultf(pos, "return value of %s: %v", f.Name, err)
	}
	return cv, nil
}

func (in *interp) execBlock(b *Block, parent *frame) (ctl, value.Value, error) {
	fr := newFrame(parent)
	for _, s := range b.Stmts {
		c, v, err := in.exec(s, fr)
		if err != nil || c != ctlNone {
			return c, v, err
		}
	}
	return ctlNone, value.NullValue, nil
}

func (in *interp) exec(s Stmt, fr *frame) (ctl, value.Value, error) {
	if err := in.env.budget().step(); err != nil {
		return ctlNone, value.NullValue, err
	}
	switch n := s.(type) {
	case *Block:
		return in.execBlock(n, fr)
	case *ExprStmt:
		_, err := in.eval(n.X, fr)
		return ctlNone, value.NullValue, err
	case *VarDecl:
		return ctlNone, value.NullValue, in.declare(n, fr)
	case *If:
		cond, err := in.eval(n.Cond, fr)
		if err != nil {
			return ctlNone, value.NullValue, err
		}
		if cond.Truthy() {
			return in.exec(n.Then, fr)
		}
		if n.Else != nil {
			return in.exec(n.Else, fr)
		}
		return ctlNone, value.NullValue, nil
	case *While:
		for {
			cond, err := in.eval(n.Cond, fr)
			if err != nil {
				return ctlNone, value.NullValue, err
			}
			if !cond.Truthy() {
				return ctlNone, value.NullValue, nil
			}
			c, v, err := in.exec(n.Body, fr)
			if err != nil || c == ctlReturn {
				return c, v, err
			}
			if c == ctlBreak {
				return ctlNone, value.NullValue, nil
			}
		}
	case *For:
		return in.execFor(n, fr)
	case *ForEach:
		return in.execForEach(n, fr)
	case *Return:
		if n.X == nil {
			return ctlReturn, value.NullValue, nil
		}
		v, err := in.eval(n.X, fr)
		return ctlReturn, v, err
	case *Break:
		return ctlBreak, value.NullValue, nil
	case *Continue:
		return ctlContinue, value.NullValue, nil
	}
	return ctlNone, value.NullValue, faultf(s.Position(), "unsupported statement %T", s)
}

func (in *interp) declare(n *VarDecl, fr *frame) error {
	v := value.Zero(n.Type)
	if n.Init != nil {
		iv, err := in.eval(n.Init, fr)
		if err != nil {
			return err
		}
		if v, err = value.Coerce(iv, n.Type); err != nil {
			return fault(n.Pos, err)
		}
	}
	fr.vars[n.Name] = &binding{typ: n.Type, val: v}
	return nil
}

func (in *interp) execFor(n *For, parent *frame) (ctl, value.Value, error) {
	fr := newFrame(parent)
	if n.Init != nil {
		if _, _, err := in.exec(n.Init, fr); err != nil {
			return ctlNone, value.NullValue, err
		}
	}
	for {
		if n.Cond != nil {
			cond, err := in.eval(n.Cond, fr)
			if err != nil {
				return ctlNone, value.NullValue, err
			}
			if !cond.Truthy() {
				return ctlNone, value.NullValue, nil
			}
		}
		c, v, err := in.exec(n.Body, fr)
		if err != nil || c == ctlReturn {
			return c, v, err
		}
		if c == ctlBreak {
			return ctlNone, value.NullValue, nil
		}
		if n.Post != nil {
			if _, err := in.eval(n.Post, fr); err != nil {
				return ctlNone, value.NullValue, err
			}
		}
	}
}

func (in *interp) execForEach(n *ForEach, parent *frame) (ctl, value.Value, error) {
	coll, err := in.eval(n.Coll, parent)
	if err != nil {
		return ctlNone, value.NullValue, err
	}
	var items []value.Value
	switch {
	case coll.ListData() != nil:
		// Iterate over a snapshot so appends inside the body terminate.
		items = append(items, coll.ListData().Items...)
	case coll.MapData() != nil:
		for _, k := range coll.MapData().Keys() {
			items = append(items, value.NewString(k))
		}
	case coll.Type() == value.String || coll.Type() == value.Text:
		for _, r := range coll.String() {
			items = append(items, value.NewString(string(r)))
		}
	case coll.IsNull():
	default:
		return ctlNone, value.NullValue, faultf(n.Pos, "cannot iterate over %s", coll.Type())
	}
	for _, it := range items {
		fr := newFrame(parent)
		v := it
		if n.Type != value.Null {
			if v, err = value.Coerce(it, n.Type); err != nil {
				return ctlNone, value.NullValue, fault(n.Pos, err)
			}
		}
		fr.vars[n.Name] = &binding{typ: n.Type, val: v}
		c, rv, err := in.exec(n.Body, fr)
		if err != nil || c == ctlReturn {
			return c, rv, err
		}
		if c == ctlBreak {
			break
		}
	}
	return ctlNone, value.NullValue, nil
}

func (in *interp) eval(x Expr, fr *frame) (value.Value, error) {
	if err := in.env.budget().step(); err != nil {
		return value.NullValue, err
	}
	switch n := x.(type) {
	case *Literal:
		return n.Val, nil
	case *Ident:
		return in.lookup(n, fr)
	case *ListLit:
		items := make([]value.Value, 0, len(n.Elems))
		for _, e := range n.Elems {
			v, err := in.eval(e, fr)
			if err != nil {
				return value.NullValue, err
			}
			items = append(items, v)
		}
		return value.NewList(items...), nil
	case *MapLit:
		m := value.NewMapData()
		for i := range n.Keys {
			k, err := in.eval(n.Keys[i], fr)
			if err != nil {
				return value.NullValue, err
			}
			v, err := in.eval(n.Vals[i], fr)
			if err != nil {
				return value.NullValue, err
			}
			m.Set(k.String(), v)
		}
		return value.NewMap(m), nil
	case *Unary:
		v, err := in.eval(n.X, fr)
		if err != nil {
			return value.NullValue, err
		}
		if n.Op == "!" {
			return value.NewBool(!v.Truthy()), nil
		}
		r, err := value.Neg(v)
		return r, fault(n.Pos, err)
	case *Binary:
		return in.binary(n, fr)
	case *Ternary:
		c, err := in.eval(n.Cond, fr)
		if err != nil {
			return value.NullValue, err
		}
		if c.Truthy() {
			return in.eval(n.Then, fr)
		}
		return in.eval(n.Else, fr)
	case *Member:
		obj, err := in.eval(n.X, fr)
		if err != nil {
			return value.NullValue, err
		}
		return member(obj, n.Name, n.Pos)
	case *Index:
		coll, err := in.eval(n.X, fr)
		if err != nil {
			return value.NullValue, err
		}
		idx, err := in.eval(n.Index, fr)
		if err != nil {
			return value.NullValue, err
		}
		return index(coll, idx, n.Pos)
	case *Call:
		return in.callExpr(n, fr)
	case *Assign:
		return in.assign(n, fr)
	case *IncDec:
		return in.incDec(n, fr)
	}
	return value.NullValue, faultf(x.Position(), "unsupported expression %T", x)
}

func (in *interp) lookup(n *Ident, fr *frame) (value.Value, error) {
	if b := fr.lookup(n.Name); b != nil {
		return b.val, nil
	}
	for _, s := range in.env.Scopes {
		if v, ok := s.Lookup(n.Name); ok {
			return v, nil
		}
	}
	return value.NullValue, faultf(n.Pos, "%s", undefinedSymbol(n.Name))
}

func (in *interp) binary(n *Binary, fr *frame) (value.Value, error) {
	x, err := in.eval(n.X, fr)
	if err != nil {
		return value.NullValue, err
	}
	switch n.Op {
	case "&&":
		if !x.Truthy() {
			return value.NewBool(false), nil
		}
		y, err := in.eval(n.Y, fr)
		if err != nil {
			return value.NullValue, err
		}
		return value.NewBool(y.Truthy()), nil
	case "||":
		if x.Truthy() {
			return value.NewBool(true), nil
		}
		y, err := in.eval(n.Y, fr)
		if err != nil {
			return value.NullValue, err
		}
		return value.NewBool(y.Truthy()), nil
	}
	y, err := in.eval(n.Y, fr)
	if err != nil {
		return value.NullValue, err
	}
	r, err := applyOp(n.Op, x, y)
	return r, fault(n.Pos, err)
}

func applyOp(op string, x, y value.Value) (value.Value, error) {
	switch op {
	case "+":
		return value.Add(x, y)
	case "-":
		return value.Sub(x, y)
	case "*":
		return value.Mul(x, y)
	case "/":
		return value.Div(x, y)
	case "%":
		return value.Mod(x, y)
	case "==":
		return value.NewBool(value.Equal(x, y)), nil
	case "!=":
		return value.NewBool(!value.Equal(x, y)), nil
	}
	c, err := value.Compare(x, y)
	if err != nil {
		return value.NullValue, err
	}
	switch op {
	case "<":
		return value.NewBool(c < 0), nil
	case "<=":
		return value.NewBool(c <= 0), nil
	case ">":
		return value.NewBool(c > 0), nil
	case ">=":
		return value.NewBool(c >= 0), nil
	}
	return value.NullValue, fmt.Errorf("unknown operator %s", op)
}

func member(obj value.Value, name string, pos Pos) (value.Value, error) {
	switch {
	case obj.Type() == value.Object && obj.Object() != nil:
		v, err := obj.Object().Field(name)
		return v, fault(pos, err)
	case obj.MapData() != nil:
		if v, ok := obj.MapData().Get(name); ok {
			return v, nil
		}
		if name == "length" || name == "size" {
			return value.NewInt(int64(obj.MapData().Len())), nil
		}
		return value.NullValue, nil
	case obj.ListData() != nil && (name == "length" || name == "size"):
		return value.NewInt(int64(len(obj.ListData().Items))), nil
	case obj.Type().Textual():
		if name == "length" || name == "size" {
			return value.NewInt(int64(len([]rune(obj.String())))), nil
		}
	case obj.IsNull():
		return value.NullValue, faultf(pos, "cannot read field %q of null", name)
	}
	return value.NullValue, faultf(pos, "%s has no field %q", obj.Type(), name)
}

func index(coll, idx value.Value, pos Pos) (value.Value, error) {
	switch {
	case coll.ListData() != nil:
		i, err := listIndex(coll.ListData(), idx, pos)
		if err != nil {
			return value.NullValue, err
		}
		return coll.ListData().Items[i], nil
	case coll.MapData() != nil:
		v, _ := coll.MapData().Get(idx.String())
		return v, nil
	case coll.Type() == value.Object && coll.Object() != nil:
		v, err := coll.Object().Field(idx.String())
		return v, fault(pos, err)
	case coll.Type().Textual():
		rs := []rune(coll.String())
		i, err := idx.Int()
		if err != nil || idx.Type() != value.Int {
			return value.NullValue, faultf(pos, "string index must be int, got %s", idx.Type())
		}
		if i < 0 || i >= int64(len(rs)) {
			return value.NullValue, faultf(pos, "index %d out of range [0,%d)", i, len(rs))
		}
		return value.NewString(string(rs[i])), nil
	}
	return value.NullValue, faultf(pos, "cannot index %s", coll.Type())
}

func listIndex(l *value.ListData, idx value.Value, pos Pos) (int, error) {
	if idx.Type() != value.Int {
		return 0, faultf(pos, "list index must be int, got %s", idx.Type())
	}
	i, _ := idx.Int()
	if i < 0 || i >= int64(len(l.Items)) {
		return 0, faultf(pos, "index %d out of range [0,%d)", i, len(l.Items))
	}
	return int(i), nil
}

func (in *interp) callExpr(n *Call, fr *frame) (value.Value, error) {
	args := make([]value.Value, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := in.eval(a, fr)
		if err != nil {
			return value.NullValue, err
		}
		args = append(args, v)
	}
	if f, ok := in.env.Funcs[n.Name]; ok {
		v, err := in.call(f, args, n.Pos)
		var se *SemanticError
		if errors.As(err, &se) {
			return value.NullValue, &RuntimeError{Pos: n.Pos, Msg: se.Msg, Err: se}
		}
		return v, err
	}
	bi, ok := builtins[n.Name]
	if !ok {
		return value.NullValue, faultf(n.Pos, "%s", undefinedSymbol(n.Name))
	}
	if len(args) < bi.min || (bi.max >= 0 && len(args) > bi.max) {
		return value.NullValue, faultf(n.Pos, "%s: wrong number of arguments (%d)", n.Name, len(args))
	}
	v, err := bi.fn(in.env, args)
	if err != nil {
		if errors.Is(err, ErrSuspend) {
			return value.NullValue, err
		}
		return value.NullValue, fault(n.Pos, fmt.Errorf("%s: %w", n.Name, err))
	}
	return v, nil
}

// store writes v to an assignable target.
func (in *interp) store(target Expr, v value.Value, fr *frame) error {
	switch t := target.(type) {
	case *Ident:
		if b := fr.lookup(t.Name); b != nil {
			if b.typ != value.Null {
				cv, err := value.Coerce(v, b.typ)
				if err != nil {
					return fault(t.Pos, fmt.Errorf("assign %s: %w", t.Name, err))
				}
				v = cv
			}
			b.val = v
			return nil
		}
		for _, s := range in.env.Scopes {
			ok, err := s.Assign(t.Name, v)
			if err != nil {
				return fault(t.Pos, err)
			}
			if ok {
				return nil
			}
		}
		return faultf(t.Pos, "%s", undefinedSymbol(t.Name))
	case *Member:
		obj, err := in.eval(t.X, fr)
		if err != nil {
			return err
		}
		switch {
		case obj.Type() == value.Object && obj.Object() != nil:
			return fault(t.Pos, obj.Object().SetField(t.Name, v))
		case obj.MapData() != nil:
			obj.MapData().Set(t.Name, v)
			return nil
		}
		return faultf(t.Pos, "cannot set field %q on %s", t.Name, obj.Type())
	case *Index:
		coll, err := in.eval(t.X, fr)
		if err != nil {
			return err
		}
		idx, err := in.eval(t.Index, fr)
		if err != nil {
			return err
		}
		switch {
		case coll.ListData() != nil:
			i, err := listIndex(coll.ListData(), idx, t.Pos)
			if err != nil {
				return err
			}
			coll.ListData().Items[i] = v
			return nil
		case coll.MapData() != nil:
			coll.MapData().Set(idx.String(), v)
			return nil
		case coll.Type() == value.Object && coll.Object() != nil:
			return fault(t.Pos, coll.Object().SetField(idx.String(), v))
		}
		return faultf(t.Pos, "cannot index-assign %s", coll.Type())
	}
	return faultf(target.Position(), "invalid assignment target")
}

func (in *interp) assign(n *Assign, fr *frame) (value.Value, error) {
	rhs, err := in.eval(n.Value, fr)
	if err != nil {
		return value.NullValue, err
	}
	if n.Op != "=" {
		cur, err := in.eval(n.Target, fr)
		if err != nil {
			return value.NullValue, err
		}
		if rhs, err = applyOp(strings.TrimSuffix(n.Op, "="), cur, rhs); err != nil {
			return value.NullValue, fault(n.Pos, err)
		}
	}
	if err := in.store(n.Target, rhs, fr); err != nil {
		return value.NullValue, err
	}
	return rhs, nil
}

func (in *interp) incDec(n *IncDec, fr *frame) (value.Value, error) {
	cur, err := in.eval(n.Target, fr)
	if err != nil {
		return value.NullValue, err
	}
	op := "+"
	if n.Op == "--" {
		op = "-"
	}
	next, err := applyOp(op, cur, value.NewInt(1))
	if err != nil {
		return value.NullValue, fault(n.Pos, err)
	}
	if err := in.store(n.Target, next, fr); err != nil {
		return value.NullValue, err
	}
	if n.Prefix {
		return next, nil
	}
	return cur, nil
}

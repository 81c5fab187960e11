package script

import "fmt"

// Symbols describes what compiled code may refer to besides its own locals
// and the built-ins.
type Symbols struct {
	// Known reports whether a bare name resolves in some outer scope.
	Known func(name string) bool
	// Funcs maps user-defined function names to their parameter count.
	Funcs map[string]int
}

type checker struct {
	sym    Symbols
	scopes []map[string]bool
	loops  int
}

func (c *checker) push() { c.scopes = append(c.scopes, map[string]bool{}) }
func (c *checker) pop()  { c.scopes = c.scopes[:len(c.scopes)-1] }

func (c *checker) declare(name string, pos Pos) error {
	top := c.scopes[len(c.scopes)-1]
	if top[name] {
		return &SemanticError{Pos: pos, Msg: fmt.Sprintf("'%s' is already declared in this block", name)}
	}
	top[name] = true
	return nil
}

func (c *checker) resolves(name string) bool {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if c.scopes[i][name] {
			return true
		}
	}
	return c.sym.Known != nil && c.sym.Known(name)
}

// Check verifies that every name the expression uses resolves and that
// calls match their function's arity.
func (e *Expression) Check(sym Symbols) error {
	c := &checker{sym: sym}
	c.push()
	return c.expr(e.root)
}

// Check verifies a script body. params are pre-declared locals (function
// parameters).
func (s *Script) Check(sym Symbols, params ...Param) error {
	c := &checker{sym: sym}
	c.push()
	for _, p := range params {
		if err := c.declare(p.Name, s.Body.Pos); err != nil {
			return err
		}
	}
	return c.block(s.Body, false)
}

func (c *checker) block(b *Block, scoped bool) error {
	if scoped {
		c.push()
		defer c.pop()
	}
	for _, s := range b.Stmts {
		if err := c.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) stmt(s Stmt) error {
	switch n := s.(type) {
	case *Block:
		return c.block(n, true)
	case *ExprStmt:
		return c.expr(n.X)
	case *VarDecl:
		if n.Init != nil {
			if err := c.expr(n.Init); err != nil {
				return err
			}
		}
		return c.declare(n.Name, n.Pos)
	case *If:
		if err := c.expr(n.Cond); err != nil {
			return err
		}
		if err := c.scoped(n.Then); err != nil {
			return err
		}
		if n.Else != nil {
			return c.scoped(n.Else)
		}
		return nil
	case *While:
		if err := c.expr(n.Cond); err != nil {
			return err
		}
		return c.loop(n.Body)
	case *For:
		c.push()
		defer c.pop()
		if n.Init != nil {
			if err := c.stmt(n.Init); err != nil {
				return err
			}
		}
		for _, x := range []Expr{n.Cond, n.Post} {
			if x != nil {
				if err := c.expr(x); err != nil {
					return err
				}
			}
		}
		return c.loop(n.Body)
	case *ForEach:
		if err := c.expr(n.Coll); err != nil {
			return err
		}
		c.push()
		defer c.pop()
		if err := c.declare(n.Name, n.Pos); err != nil {
			return err
		}
		return c.loop(n.Body)
	case *Return:
		if n.X != nil {
			return c.expr(n.X)
		}
		return nil
	case *Break:
		if c.loops == 0 {
			return &SemanticError{Pos: n.Pos, Msg: "break outside of a loop"}
		}
		return nil
	case *Continue:
		if c.loops == 0 {
			return &SemanticError{Pos: n.Pos, Msg: "continue outside of a loop"}
		}
		return nil
	}
	return &SemanticError{Pos: s.Position(), Msg: fmt.Sprintf("unsupported statement %T", s)}
}

// scoped checks a branch body in its own block scope, so a bare
// declaration there does not leak.
func (c *checker) scoped(s Stmt) error {
	c.push()
	defer c.pop()
	return c.stmt(s)
}

func (c *checker) loop(body Stmt) error {
	c.loops++
	defer func() { c.loops-- }()
	return c.scoped(body)
}

func (c *checker) expr(x Expr) error {
	switch n := x.(type) {
	case *Literal:
		return nil
	case *Ident:
		if !c.resolves(n.Name) {
			return &SemanticError{Pos: n.Pos, Msg: undefinedSymbol(n.Name)}
		}
		return nil
	case *ListLit:
		return c.exprs(n.Elems...)
	case *MapLit:
		if err := c.exprs(n.Keys...); err != nil {
			return err
		}
		return c.exprs(n.Vals...)
	case *Unary:
		return c.expr(n.X)
	case *Binary:
		return c.exprs(n.X, n.Y)
	case *Ternary:
		return c.exprs(n.Cond, n.Then, n.Else)
	case *Member:
		return c.expr(n.X)
	case *Index:
		return c.exprs(n.X, n.Index)
	case *Call:
		if err := c.call(n); err != nil {
			return err
		}
		return c.exprs(n.Args...)
	case *Assign:
		return c.exprs(n.Target, n.Value)
	case *IncDec:
		return c.expr(n.Target)
	}
	return &SemanticError{Pos: x.Position(), Msg: fmt.Sprintf("unsupported expression %T", x)}
}

func (c *checker) exprs(xs ...Expr) error {
	for _, x := range xs {
		if err := c.expr(x); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) call(n *Call) error {
	if arity, ok := c.sym.Funcs[n.Name]; ok {
		if len(n.Args) != arity {
			return &SemanticError{Pos: n.Pos, Msg: fmt.Sprintf("function %s expects %d argument(s), got %d", n.Name, arity, len(n.Args))}
		}
		return nil
	}
	bi, ok := builtins[n.Name]
	if !ok {
		return &SemanticError{Pos: n.Pos, Msg: undefinedSymbol(n.Name)}
	}
	if len(n.Args) < bi.min || (bi.max >= 0 && len(n.Args) > bi.max) {
		if bi.min == bi.max {
			return &SemanticError{Pos: n.Pos, Msg: fmt.Sprintf("%s expects %d argument(s), got %d", n.Name, bi.min, len(n.Args))}
		}
		return &SemanticError{Pos: n.Pos, Msg: fmt.Sprintf("wrong number of arguments to %s: %d", n.Name, len(n.Args))}
	}
	return nil
}

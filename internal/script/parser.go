package script

import (
	"fmt"
	"strconv"

	"github.com/agentserver/agentserver/internal/value"
)

var keywords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "return": true,
	"break": true, "continue": true, "true": true, "false": true, "null": true,
}

// Expression is a compiled single-expression source (intervals, timeouts,
// conditions, computed outputs).
type Expression struct {
	Source string
	root   Expr
}

// Script is a compiled statement list.
type Script struct {
	Source string
	Body   *Block
}

// ParseExpression compiles an expression. Empty source is rejected.
func ParseExpression(src string) (*Expression, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	if p.at(tokEOF) {
		return nil, &ParseError{Pos: p.tok().pos, Msg: "empty expression"}
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.isOp(";") {
		p.pos++
	}
	if !p.at(tokEOF) {
		return nil, p.unexpected("end of expression")
	}
	return &Expression{Source: src, root: e}, nil
}

// ParseScript compiles a statement list. Empty source yields an empty
// script.
func ParseScript(src string) (*Script, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	body := &Block{Pos: p.tok().pos}
	for !p.at(tokEOF) {
		s, err := p.stmt()
		if err != nil {
			return nil, err
		}
		body.Stmts = append(body.Stmts, s)
	}
	return &Script{Source: src, Body: body}, nil
}

type parser struct {
	toks []token
	pos  int
}

func newParser(src string) (*parser, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks}, nil
}

func (p *parser) tok() token { return p.toks[p.pos] }

func (p *parser) peekTok(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) at(k tokenKind) bool { return p.tok().kind == k }

func (p *parser) isOp(op string) bool {
	t := p.tok()
	return t.kind == tokOp && t.text == op
}

func (p *parser) isKeyword(kw string) bool {
	t := p.tok()
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) unexpected(want string) error {
	return &ParseError{Pos: p.tok().pos, Msg: fmt.Sprintf("expected %s, found %s", want, p.tok())}
}

func (p *parser) expectOp(op string) (token, error) {
	if !p.isOp(op) {
		return token{}, p.unexpected(strconv.Quote(op))
	}
	t := p.tok()
	p.pos++
	return t, nil
}

func (p *parser) expectIdent() (token, error) {
	t := p.tok()
	if t.kind != tokIdent || keywords[t.text] {
		return token{}, p.unexpected("identifier")
	}
	p.pos++
	return t, nil
}

// isDeclStart reports whether the upcoming tokens are "type name".
func (p *parser) isDeclStart() bool {
	t, n := p.tok(), p.peekTok(1)
	return t.kind == tokIdent && value.IsTypeName(t.text) && n.kind == tokIdent && !keywords[n.text]
}

func (p *parser) stmt() (Stmt, error) {
	t := p.tok()
	switch {
	case p.isOp("{"):
		return p.block()
	case p.isOp(";"):
		p.pos++
		return &Block{Pos: t.pos}, nil
	case p.isKeyword("if"):
		return p.ifStmt()
	case p.isKeyword("for"):
		return p.forStmt()
	case p.isKeyword("while"):
		p.pos++
		if _, err := p.expectOp("("); err != nil {
			return nil, err
		}
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectOp(")"); err != nil {
			return nil, err
		}
		body, err := p.stmt()
		if err != nil {
			return nil, err
		}
		return &While{Pos: t.pos, Cond: cond, Body: body}, nil
	case p.isKeyword("return"):
		p.pos++
		r := &Return{Pos: t.pos}
		if !p.isOp(";") && !p.isOp("}") && !p.at(tokEOF) {
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			r.X = x
		}
		return r, p.endStmt()
	case p.isKeyword("break"):
		p.pos++
		return &Break{Pos: t.pos}, p.endStmt()
	case p.isKeyword("continue"):
		p.pos++
		return &Continue{Pos: t.pos}, p.endStmt()
	case p.isDeclStart():
		d, err := p.varDecl()
		if err != nil {
			return nil, err
		}
		return d, p.endStmt()
	}
	x, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &ExprStmt{Pos: t.pos, X: x}, p.endStmt()
}

// endStmt requires a semicolon, except before a closing brace or the end of
// the source.
func (p *parser) endStmt() error {
	if p.isOp(";") {
		p.pos++
		return nil
	}
	if p.isOp("}") || p.at(tokEOF) {
		return nil
	}
	return p.unexpected(`";"`)
}

func (p *parser) block() (*Block, error) {
	open, err := p.expectOp("{")
	if err != nil {
		return nil, err
	}
	b := &Block{Pos: open.pos}
	for !p.isOp("}") {
		if p.at(tokEOF) {
			return nil, p.unexpected(`"}"`)
		}
		s, err := p.stmt()
		if err != nil {
			return nil, err
		}
		b.Stmts = append(b.Stmts, s)
	}
	p.pos++
	return b, nil
}

func (p *parser) varDecl() (*VarDecl, error) {
	tt := p.tok()
	typ, err := value.ParseType(tt.text)
	if err != nil {
		return nil, &ParseError{Pos: tt.pos, Msg: err.Error()}
	}
	p.pos++
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	d := &VarDecl{Pos: tt.pos, Type: typ, Name: name.text}
	if p.isOp("=") {
		p.pos++
		if d.Init, err = p.expr(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (p *parser) ifStmt() (Stmt, error) {
	t := p.tok()
	p.pos++
	if _, err := p.expectOp("("); err != nil {
		return nil, err
	}
	cond, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	then, err := p.stmt()
	if err != nil {
		return nil, err
	}
	n := &If{Pos: t.pos, Cond: cond, Then: then}
	if p.isKeyword("else") {
		p.pos++
		if n.Else, err = p.stmt(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (p *parser) forStmt() (Stmt, error) {
	t := p.tok()
	p.pos++
	if _, err := p.expectOp("("); err != nil {
		return nil, err
	}

	// for (T v : coll) / for (v : coll)
	if p.isDeclStart() && p.peekTok(2).kind == tokOp && p.peekTok(2).text == ":" {
		typ, _ := value.ParseType(p.tok().text)
		name := p.peekTok(1).text
		p.pos += 3
		return p.forEachRest(t.pos, typ, name)
	}
	if p.at(tokIdent) && !keywords[p.tok().text] && p.peekTok(1).kind == tokOp && p.peekTok(1).text == ":" {
		name := p.tok().text
		p.pos += 2
		return p.forEachRest(t.pos, value.Null, name)
	}

	n := &For{Pos: t.pos}
	switch {
	case p.isOp(";"):
	case p.isDeclStart():
		d, err := p.varDecl()
		if err != nil {
			return nil, err
		}
		n.Init = d
	default:
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		n.Init = &ExprStmt{Pos: x.Position(), X: x}
	}
	if _, err := p.expectOp(";"); err != nil {
		return nil, err
	}
	if !p.isOp(";") {
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		n.Cond = cond
	}
	if _, err := p.expectOp(";"); err != nil {
		return nil, err
	}
	if !p.isOp(")") {
		post, err := p.expr()
		if err != nil {
			return nil, err
		}
		n.Post = post
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	body, err := p.stmt()
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, nil
}

func (p *parser) forEachRest(pos Pos, typ value.Type, name string) (Stmt, error) {
	coll, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	body, err := p.stmt()
	if err != nil {
		return nil, err
	}
	return &ForEach{Pos: pos, Type: typ, Name: name, Coll: coll, Body: body}, nil
}

func (p *parser) expr() (Expr, error) { return p.assignment() }

var assignOps = map[string]bool{"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true}

func (p *parser) assignment() (Expr, error) {
	lhs, err := p.ternary()
	if err != nil {
		return nil, err
	}
	t := p.tok()
	if t.kind == tokOp && assignOps[t.text] {
		switch lhs.(type) {
		case *Ident, *Member, *Index:
		default:
			return nil, &ParseError{Pos: t.pos, Msg: "invalid assignment target"}
		}
		p.pos++
		rhs, err := p.assignment()
		if err != nil {
			return nil, err
		}
		return &Assign{Pos: t.pos, Op: t.text, Target: lhs, Value: rhs}, nil
	}
	return lhs, nil
}

func (p *parser) ternary() (Expr, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if !p.isOp("?") {
		return cond, nil
	}
	t := p.tok()
	p.pos++
	then, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectOp(":"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Pos: t.pos, Cond: cond, Then: then, Else: els}, nil
}

var precedence = []map[string]bool{
	{"||": true},
	{"&&": true},
	{"==": true, "!=": true},
	{"<": true, "<=": true, ">": true, ">=": true},
	{"+": true, "-": true},
	{"*": true, "/": true, "%": true},
}

func (p *parser) binary(level int) (Expr, error) {
	if level == len(precedence) {
		return p.unary()
	}
	x, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		t := p.tok()
		if t.kind != tokOp || !precedence[level][t.text] {
			return x, nil
		}
		p.pos++
		y, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		x = &Binary{Pos: t.pos, Op: t.text, X: x, Y: y}
	}
}

func (p *parser) unary() (Expr, error) {
	t := p.tok()
	if t.kind == tokOp {
		switch t.text {
		case "!", "-", "+":
			p.pos++
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			if t.text == "+" {
				return x, nil
			}
			return &Unary{Pos: t.pos, Op: t.text, X: x}, nil
		case "++", "--":
			p.pos++
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			if !isAssignable(x) {
				return nil, &ParseError{Pos: t.pos, Msg: "invalid operand for " + t.text}
			}
			return &IncDec{Pos: t.pos, Op: t.text, Target: x, Prefix: true}, nil
		}
	}
	return p.postfix()
}

func isAssignable(x Expr) bool {
	switch x.(type) {
	case *Ident, *Member, *Index:
		return true
	}
	return false
}

func (p *parser) postfix() (Expr, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.tok()
		switch {
		case p.isOp("."):
			p.pos++
			name := p.tok()
			if name.kind != tokIdent {
				return nil, p.unexpected("field name")
			}
			p.pos++
			x = &Member{Pos: t.pos, X: x, Name: name.text}
		case p.isOp("["):
			p.pos++
			idx, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &Index{Pos: t.pos, X: x, Index: idx}
		case p.isOp("("):
			id, ok := x.(*Ident)
			if !ok {
				return nil, &ParseError{Pos: t.pos, Msg: "only named functions can be called"}
			}
			p.pos++
			args, err := p.args(")")
			if err != nil {
				return nil, err
			}
			x = &Call{Pos: id.Pos, Name: id.Name, Args: args}
		case p.isOp("++") || p.isOp("--"):
			if !isAssignable(x) {
				return x, nil
			}
			p.pos++
			x = &IncDec{Pos: t.pos, Op: t.text, Target: x}
		default:
			return x, nil
		}
	}
}

func (p *parser) args(closer string) ([]Expr, error) {
	var out []Expr
	if p.isOp(closer) {
		p.pos++
		return out, nil
	}
	for {
		a, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		if p.isOp(",") {
			p.pos++
			continue
		}
		if _, err := p.expectOp(closer); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (p *parser) primary() (Expr, error) {
	t := p.tok()
	switch t.kind {
	case tokInt:
		p.pos++
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: "integer literal out of range: " + t.text}
		}
		return &Literal{Pos: t.pos, Val: value.NewInt(i)}, nil
	case tokFloat:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: "malformed float literal: " + t.text}
		}
		return &Literal{Pos: t.pos, Val: value.NewFloat(f)}, nil
	case tokMoney:
		p.pos++
		d, err := value.ParseMoney(t.text)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: "malformed money literal: $" + t.text}
		}
		return &Literal{Pos: t.pos, Val: value.NewMoney(d)}, nil
	case tokString:
		p.pos++
		return &Literal{Pos: t.pos, Val: value.NewString(t.text)}, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			p.pos++
			return &Literal{Pos: t.pos, Val: value.NewBool(t.text == "true")}, nil
		case "null":
			p.pos++
			return &Literal{Pos: t.pos, Val: value.NullValue}, nil
		}
		if keywords[t.text] {
			return nil, p.unexpected("expression")
		}
		p.pos++
		return &Ident{Pos: t.pos, Name: t.text}, nil
	case tokOp:
		switch t.text {
		case "(":
			p.pos++
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			p.pos++
			elems, err := p.args("]")
			if err != nil {
				return nil, err
			}
			return &ListLit{Pos: t.pos, Elems: elems}, nil
		case "{":
			return p.mapLit()
		}
	}
	return nil, p.unexpected("expression")
}

func (p *parser) mapLit() (Expr, error) {
	open, _ := p.expectOp("{")
	m := &MapLit{Pos: open.pos}
	if p.isOp("}") {
		p.pos++
		return m, nil
	}
	for {
		var key Expr
		if t := p.tok(); t.kind == tokIdent && !keywords[t.text] && p.peekTok(1).kind == tokOp && p.peekTok(1).text == ":" {
			p.pos++
			key = &Literal{Pos: t.pos, Val: value.NewString(t.text)}
		} else {
			k, err := p.ternary()
			if err != nil {
				return nil, err
			}
			key = k
		}
		if _, err := p.expectOp(":"); err != nil {
			return nil, err
		}
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Vals = append(m.Vals, v)
		if p.isOp(",") {
			p.pos++
			continue
		}
		if _, err := p.expectOp("}"); err != nil {
			return nil, err
		}
		return m, nil
	}
}

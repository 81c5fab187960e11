package script

import "github.com/agentserver/agentserver/internal/value"

// Node is any syntax tree node.
type Node interface {
	Position() Pos
}

// Expr is an expression node.
type Expr interface {
	Node
	exprNode()
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmtNode()
}

type (
	Literal struct {
		Pos Pos
		Val value.Value
	}
	Ident struct {
		Pos  Pos
		Name string
	}
	ListLit struct {
		Pos   Pos
		Elems []Expr
	}
	MapLit struct {
		Pos  Pos
		Keys []Expr
		Vals []Expr
	}
	Unary struct {
		Pos Pos
		Op  string
		X   Expr
	}
	Binary struct {
		Pos  Pos
		Op   string
		X, Y Expr
	}
	Ternary struct {
		Pos              Pos
		Cond, Then, Else Expr
	}
	Member struct {
		Pos  Pos
		X    Expr
		Name string
	}
	Index struct {
		Pos   Pos
		X     Expr
		Index Expr
	}
	Call struct {
		Pos  Pos
		Name string
		Args []Expr
	}
	Assign struct {
		Pos    Pos
		Op     string
		Target Expr
		Value  Expr
	}
	IncDec struct {
		Pos    Pos
		Op     string
		Target Expr
		Prefix bool
	}
)

func (n *Literal) Position() Pos { return n.Pos }
func (n *Ident) Position() Pos   { return n.Pos }
func (n *ListLit) Position() Pos { return n.Pos }
func (n *MapLit) Position() Pos  { return n.Pos }
func (n *Unary) Position() Pos   { return n.Pos }
func (n *Binary) Position() Pos  { return n.Pos }
func (n *Ternary) Position() Pos { return n.Pos }
func (n *Member) Position() Pos  { return n.Pos }
func (n *Index) Position() Pos   { return n.Pos }
func (n *Call) Position() Pos    { return n.Pos }
func (n *Assign) Position() Pos  { return n.Pos }
func (n *IncDec) Position() Pos  { return n.Pos }

func (*Literal) exprNode() {}
func (*Ident) exprNode()   {}
func (*ListLit) exprNode() {}
func (*MapLit) exprNode()  {}
func (*Unary) exprNode()   {}
func (*Binary) exprNode()  {}
func (*Ternary) exprNode() {}
func (*Member) exprNode()  {}
func (*Index) exprNode()   {}
func (*Call) exprNode()    {}
func (*Assign) exprNode()  {}
func (*IncDec) exprNode()  {}

type (
	Block struct {
		Pos   Pos
		Stmts []Stmt
	}
	VarDecl struct {
		Pos  Pos
		Type value.Type
		Name string
		Init Expr
	}
	ExprStmt struct {
		Pos Pos
		X   Expr
	}
	If struct {
		Pos  Pos
		Cond Expr
		Then Stmt
		Else Stmt
	}
	For struct {
		Pos  Pos
		Init Stmt
		Cond Expr
		Post Expr
		Body Stmt
	}
	ForEach struct {
		Pos  Pos
		Type value.Type
		Name string
		Coll Expr
		Body Stmt
	}
	While struct {
		Pos  Pos
		Cond Expr
		Body Stmt
	}
	Return struct {
		Pos Pos
		X   Expr
	}
	Break struct {
		Pos Pos
	}
	Continue struct {
		Pos Pos
	}
)

func (n *Block) Position() Pos    { return n.Pos }
func (n *VarDecl) Position() Pos  { return n.Pos }
func (n *ExprStmt) Position() Pos { return n.Pos }
func (n *If) Position() Pos       { return n.Pos }
func (n *For) Position() Pos      { return n.Pos }
func (n *ForEach) Position() Pos  { return n.Pos }
func (n *While) Position() Pos    { return n.Pos }
func (n *Return) Position() Pos   { return n.Pos }
func (n *Break) Position() Pos    { return n.Pos }
func (n *Continue) Position() Pos { return n.Pos }

func (*Block) stmtNode()    {}
func (*VarDecl) stmtNode()  {}
func (*ExprStmt) stmtNode() {}
func (*If) stmtNode()       {}
func (*For) stmtNode()      {}
func (*ForEach) stmtNode()  {}
func (*While) stmtNode()    {}
func (*Return) stmtNode()   {}
func (*Break) stmtNode()    {}
func (*Continue) stmtNode() {}

package engine

import (
	exprvm "github.com/expr-lang/expr/vm"
)

type NodeKind int

const (
	NodeAssign NodeKind = iota
	NodeExpr
	NodePrint
	NodeIf
)

// Node is one statement. Nodes are immutable after parsing, so a Program can
// be shared by any number of VMs.
type Node struct {
	Kind     NodeKind
	Name     string // assignment target, without '$'
	Expr     *Expr
	Children []*Node // statements, or the then-branch of an if
	Else     []*Node
	Line     int
	Col      int
}

// Expr is an expression compiled ahead of execution.
type Expr struct {
	Source string
	Line   int
	Col    int

	// bareVar is set when the expression is a single variable. Such reads
	// copy the engine value directly.
	bareVar string

	// calls names the functions the expression calls, without callPrefix.
	calls   []string
	program *exprvm.Program
}

// Program is the compiled form of a script.
type Program struct {
	Source string
	Body   []*Node
}

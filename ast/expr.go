// Package ast holds the rule expression tree: leaf comparisons combined by
// AND / OR nodes. Trees are decoded from the JSON wire shape (ParseJSON) or
// from stored rule text (ParseText) and are never mutated after construction.
package ast

import (
	"strings"

	"github.com/rulesift/rulesift/record"
)

// NodeKind identifies the variant of an expression node.
type NodeKind int

const (
	NodeMalformed NodeKind = iota
	NodeConjunction
	NodeDisjunction
	NodeComparison
)

// Expr is a node of a rule expression tree.
type Expr interface {
	Kind() NodeKind
	String() string
}

// Conjunction holds when every child holds. No children means true.
type Conjunction struct {
	Children []Expr
}

// Disjunction holds when at least one child holds. No children means false.
type Disjunction struct {
	Children []Expr
}

// Comparison tests one record field against a literal.
type Comparison struct {
	Field     record.Field
	FieldName string // name as written in the rule, kept for diagnostics
	Op        Operator
	OpText    string // operator as written in the rule
	Value     record.Value
}

// Malformed stands in for a wire node that is not a valid expression.
type Malformed struct {
	Reason string
	Raw    string
}

// And builds a Conjunction.
func And(children ...Expr) Conjunction {
	return Conjunction{Children: children}
}

// Or builds a Disjunction.
func Or(children ...Expr) Disjunction {
	return Disjunction{Children: children}
}

// Compare builds a Comparison from a field name, operator text and value.
func Compare(field, op string, value record.Value) Comparison {
	return Comparison{
		Field:     record.ParseField(field),
		FieldName: field,
		Op:        ParseOperator(op),
		OpText:    op,
		Value:     value,
	}
}

func (Conjunction) Kind() NodeKind { return NodeConjunction }
func (Disjunction) Kind() NodeKind { return NodeDisjunction }
func (Comparison) Kind() NodeKind  { return NodeComparison }
func (Malformed) Kind() NodeKind   { return NodeMalformed }

func (c Conjunction) String() string { return joinChildren("AND", c.Children) }
func (d Disjunction) String() string { return joinChildren("OR", d.Children) }

func (c Comparison) String() string {
	op := c.OpText
	if c.Op != OpInvalid {
		op = c.Op.String()
	}
	return "(" + c.Name() + " " + op + " " + c.Value.Format() + ")"
}

func (m Malformed) String() string {
	return "<malformed: " + m.Reason + ">"
}

// Name returns the field name as written, falling back to the schema name.
func (c Comparison) Name() string {
	if c.FieldName != "" {
		return c.FieldName
	}
	return c.Field.String()
}

func joinChildren(op string, children []Expr) string {
	if len(children) == 0 {
		return op + "[]"
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		if child == nil {
			parts = append(parts, "<nil>")
			continue
		}
		parts = append(parts, child.String())
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

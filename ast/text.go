package ast

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"

	"github.com/rulesift/rulesift/record"
)

// textExpr is an OR-separated list of AND groups; AND binds tighter.
type textExpr struct {
	Left  *textAnd   `parser:"@@"`
	Right []*textAnd `parser:"( Or @@ )*"`
}

type textAnd struct {
	Left  *textTerm   `parser:"@@"`
	Right []*textTerm `parser:"( And @@ )*"`
}

// textTerm is either a parenthesized expression or a bare comparison.
type textTerm struct {
	Sub        *textExpr       `parser:"  '(' @@ ')'"`
	Comparison *textComparison `parser:"| @@"`
}

type textComparison struct {
	Field string      `parser:"@Ident"`
	Op    string      `parser:"@Operator"`
	Value textLiteral `parser:"@@"`
}

type textLiteral struct {
	Number *string `parser:"  @Number"`
	String *string `parser:"| @String"`
}

var textParser = participle.MustBuild[textExpr](
	participle.Lexer(Lexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// ParseText parses stored rule text, for example
//
//	(age > 30) AND (department = 'Sales') OR (experience >= 10)
//
// into an expression tree. AND binds tighter than OR and both are
// case-insensitive. Field names are not checked here; unknown names become
// comparisons on record.FieldUnrecognized.
func ParseText(text string) (Expr, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("parse rule text: empty rule")
	}
	parsed, err := textParser.ParseString("", text)
	if err != nil {
		return nil, fmt.Errorf("parse rule text: %w", err)
	}
	return parsed.toExpr(), nil
}

func (e *textExpr) toExpr() Expr {
	if len(e.Right) == 0 {
		return e.Left.toExpr()
	}
	children := make([]Expr, 0, len(e.Right)+1)
	children = append(children, e.Left.toExpr())
	for _, group := range e.Right {
		children = append(children, group.toExpr())
	}
	return Disjunction{Children: children}
}

func (a *textAnd) toExpr() Expr {
	if len(a.Right) == 0 {
		return a.Left.toExpr()
	}
	children := make([]Expr, 0, len(a.Right)+1)
	children = append(children, a.Left.toExpr())
	for _, term := range a.Right {
		children = append(children, term.toExpr())
	}
	return Conjunction{Children: children}
}

func (t *textTerm) toExpr() Expr {
	if t.Sub != nil {
		return t.Sub.toExpr()
	}
	c := t.Comparison
	c.Value.PostProcess()

	var value record.Value
	switch {
	case c.Value.Number != nil:
		// The lexer only emits well-formed numbers.
		value, _ = record.ParseNumber(*c.Value.Number)
	case c.Value.String != nil:
		value = record.String(*c.Value.String)
	}
	return Compare(c.Field, c.Op, value)
}

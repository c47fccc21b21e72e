// Package eval decides whether records satisfy rule expressions.
//
// Evaluation is a pure function of the record and the expression. Problems
// inside a comparison (unknown field, type mismatch, malformed node) make
// that comparison false and are reported to the caller's Diagnostics; they
// never abort the evaluation of the enclosing expression or of the batch.
package eval

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/record"
)

// Matcher is implemented by custom expression nodes that decide a record
// themselves.
type Matcher interface {
	Match(rec record.Record, diags *Diagnostics) bool
}

// Evaluate reports whether rec satisfies expr.
//
// Conjunctions stop at the first false child and are true when empty.
// Disjunctions stop at the first true child and are false when empty.
// Strings compare byte-wise for every operator; numbers compare numerically
// and a NaN operand makes every comparison false.
func Evaluate(rec record.Record, expr ast.Expr, diags *Diagnostics) bool {
	switch e := expr.(type) {
	case nil:
		diags.Report(Diagnostic{RecordID: rec.ID, Kind: DiagMalformed, Message: "missing expression"})
		return false
	case ast.Conjunction:
		for _, child := range e.Children {
			if !Evaluate(rec, child, diags) {
				return false
			}
		}
		return true
	case ast.Disjunction:
		for _, child := range e.Children {
			if Evaluate(rec, child, diags) {
				return true
			}
		}
		return false
	case ast.Comparison:
		return compare(rec, e, diags)
	case ast.Malformed:
		diags.Report(Diagnostic{RecordID: rec.ID, Kind: DiagMalformed, Message: e.Reason})
		return false
	case Matcher:
		return e.Match(rec, diags)
	default:
		diags.Report(Diagnostic{
			RecordID: rec.ID,
			Kind:     DiagMalformed,
			Message:  fmt.Sprintf("unsupported expression node %T", expr),
		})
		return false
	}
}

func compare(rec record.Record, c ast.Comparison, diags *Diagnostics) bool {
	actual, ok := record.Resolve(rec, c.Field)
	if !ok {
		diags.Report(Diagnostic{
			RecordID: rec.ID,
			Kind:     DiagUnknownField,
			Field:    c.Name(),
			Message:  fmt.Sprintf("field %q not found in record", c.Name()),
		})
		return false
	}

	if c.Op == ast.OpInvalid {
		diags.Report(Diagnostic{
			RecordID: rec.ID,
			Kind:     DiagMalformed,
			Field:    c.Name(),
			Message:  fmt.Sprintf("unsupported operator %q", c.OpText),
		})
		return false
	}

	if actual.Kind != c.Value.Kind {
		diags.Report(Diagnostic{
			RecordID: rec.ID,
			Kind:     DiagTypeMismatch,
			Field:    c.Name(),
			Message: fmt.Sprintf("field %q is a %s but value %s is a %s",
				c.Name(), actual.Kind, c.Value.Format(), c.Value.Kind),
		})
		return false
	}

	switch actual.Kind {
	case record.KindNumber:
		return holdsNumber(c.Op, actual, c.Value)
	case record.KindString:
		return c.Op.Holds(strings.Compare(actual.Str, c.Value.Str))
	default:
		return false
	}
}

// holdsNumber compares integers exactly and everything else with IEEE 754
// ordering, so NaN satisfies no operator.
func holdsNumber(op ast.Operator, a, b record.Value) bool {
	if x, ok := a.AsInt(); ok {
		if y, ok := b.AsInt(); ok {
			return op.Holds(cmp.Compare(x, y))
		}
	}

	x, y := a.Num, b.Num
	switch op {
	case ast.OpGreater:
		return x > y
	case ast.OpLess:
		return x < y
	case ast.OpEqual:
		return x == y
	case ast.OpGreaterEqual:
		return x >= y
	case ast.OpLessEqual:
		return x <= y
	default:
		return false
	}
}

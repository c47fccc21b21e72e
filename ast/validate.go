package ast

import (
	"fmt"
	"strings"

	"github.com/rulesift/rulesift/record"
)

// ValidationError lists every problem found in an expression tree.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid expression: " + strings.Join(e.Problems, "; ")
}

// Validate checks a whole tree up front: unknown fields, unknown operators,
// operand types that do not match the field type and malformed nodes. It
// returns nil or a *ValidationError.
func Validate(expr Expr) error {
	var problems []string
	validate(expr, "$", &problems)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validate(expr Expr, path string, problems *[]string) {
	switch e := expr.(type) {
	case nil:
		*problems = append(*problems, path+": missing expression")
	case Conjunction:
		for i, child := range e.Children {
			validate(child, fmt.Sprintf("%s.AND[%d]", path, i), problems)
		}
	case Disjunction:
		for i, child := range e.Children {
			validate(child, fmt.Sprintf("%s.OR[%d]", path, i), problems)
		}
	case Comparison:
		if e.Field == record.FieldUnrecognized {
			*problems = append(*problems, fmt.Sprintf("%s: unknown field %q", path, e.Name()))
			return
		}
		if e.Op == OpInvalid {
			*problems = append(*problems, fmt.Sprintf("%s: unsupported operator %q", path, e.OpText))
		}
		if e.Field.Kind() != e.Value.Kind {
			*problems = append(*problems, fmt.Sprintf("%s: field %q is a %s but value %s is a %s",
				path, e.Name(), e.Field.Kind(), e.Value.Format(), e.Value.Kind))
		}
	case Malformed:
		*problems = append(*problems, path+": "+e.Reason)
	default:
		// Custom nodes validate themselves at evaluation time.
	}
}

package ast

// Operator is a relational comparison operator.
type Operator int

const (
	OpInvalid Operator = iota
	OpGreater
	OpLess
	OpEqual
	OpGreaterEqual
	OpLessEqual
)

var operatorText = map[Operator]string{
	OpGreater:      ">",
	OpLess:         "<",
	OpEqual:        "=",
	OpGreaterEqual: ">=",
	OpLessEqual:    "<=",
}

// ParseOperator maps operator text to an Operator, OpInvalid if unknown.
func ParseOperator(text string) Operator {
	for op, s := range operatorText {
		if s == text {
			return op
		}
	}
	return OpInvalid
}

func (o Operator) String() string {
	if s, ok := operatorText[o]; ok {
		return s
	}
	return "invalid"
}

// Holds reports whether the operator is satisfied by a three-way comparison
// result (negative, zero, positive).
func (o Operator) Holds(cmp int) bool {
	switch o {
	case OpGreater:
		return cmp > 0
	case OpLess:
		return cmp < 0
	case OpEqual:
		return cmp == 0
	case OpGreaterEqual:
		return cmp >= 0
	case OpLessEqual:
		return cmp <= 0
	default:
		return false
	}
}

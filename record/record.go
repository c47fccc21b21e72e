// Package record defines the employee record evaluated by rules and the
// schema table that maps rule field names to typed record values.
package record

import (
	"fmt"
	"math"
	"strconv"
)

// maxExactFloat is the largest magnitude below which every integer has an
// exact float64 representation.
const maxExactFloat = 1 << 53

// Record is a single row supplied by a record source. Rules never mutate it.
type Record struct {
	ID         int64   `json:"id" yaml:"id" parquet:"id"`
	Name       string  `json:"name" yaml:"name" parquet:"name"`
	Age        int64   `json:"age" yaml:"age" parquet:"age"`
	Department string  `json:"department" yaml:"department" parquet:"department"`
	Salary     float64 `json:"salary" yaml:"salary" parquet:"salary"`
	Spend      float64 `json:"spend" yaml:"spend" parquet:"spend"`
	Experience float64 `json:"experience" yaml:"experience" parquet:"experience"`
}

// Kind is the declared type of a field or of a rule operand.
type Kind int

const (
	KindInvalid Kind = iota
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a tagged scalar: either a number or a string.
//
// Num holds every number. Integers too large for float64 to represent
// exactly also keep their exact value in Int, with Exact set, so they still
// compare exactly against other integers.
type Value struct {
	Kind  Kind
	Num   float64
	Str   string
	Int   int64
	Exact bool
}

// Number returns a numeric Value.
func Number(n float64) Value {
	return Value{Kind: KindNumber, Num: n}
}

// Integer returns a numeric Value for n. Within ±2^53 it equals Number(n).
func Integer(n int64) Value {
	if n > -maxExactFloat && n < maxExactFloat {
		return Number(float64(n))
	}
	return Value{Kind: KindNumber, Num: float64(n), Int: n, Exact: true}
}

// ParseNumber parses an integer or decimal literal.
func ParseNumber(text string) (Value, error) {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Integer(n), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q", text)
	}
	return Number(f), nil
}

// AsInt returns the value as an exact integer. It reports false for strings,
// fractions, NaN and floats beyond ±2^53.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	if v.Exact {
		return v.Int, true
	}
	if v.Num != math.Trunc(v.Num) || math.Abs(v.Num) >= maxExactFloat {
		return 0, false
	}
	return int64(v.Num), true
}

// String returns a string Value.
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// Interface returns the underlying Go value, nil for an invalid Value.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumber:
		if v.Exact {
			return v.Int
		}
		return v.Num
	case KindString:
		return v.Str
	default:
		return nil
	}
}

// Format renders the value the way it appears in rule text.
func (v Value) Format() string {
	switch v.Kind {
	case KindNumber:
		if v.Exact {
			return strconv.FormatInt(v.Int, 10)
		}
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return "'" + v.Str + "'"
	default:
		return "<invalid>"
	}
}

func (r Record) String() string {
	return fmt.Sprintf("Record(id=%d, name=%q, age=%d, department=%q, salary=%v, spend=%v, experience=%v)",
		r.ID, r.Name, r.Age, r.Department, r.Salary, r.Spend, r.Experience)
}

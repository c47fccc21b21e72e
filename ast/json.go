package ast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/rulesift/rulesift/record"
)

// ErrInvalidJSON is returned by ParseJSON when the input is not JSON at all.
var ErrInvalidJSON = errors.New("expression is not valid JSON")

// ParseJSON decodes the wire shape
//
//	Expression  := Comparison | Conjunction | Disjunction
//	Comparison  := {"field": string, "operator": "<"|">"|"="|"<="|">=", "value": number|string}
//	Conjunction := {"AND": [Expression, ...]}
//	Disjunction := {"OR": [Expression, ...]}
//
// Structural problems inside the document do not fail the parse: the
// offending node becomes a Malformed node (or a Comparison with OpInvalid)
// that evaluates to false with a diagnostic. Only invalid JSON is an error.
func ParseJSON(data []byte) (Expr, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(res gjson.Result) Expr {
	if !res.IsObject() {
		return Malformed{Reason: "expression must be an object", Raw: res.Raw}
	}

	// AND wins over OR when both are present.
	if and := res.Get("AND"); and.Exists() {
		children, ok := childrenOf(and)
		if !ok {
			return Malformed{Reason: "AND must be an array", Raw: res.Raw}
		}
		return Conjunction{Children: children}
	}
	if or := res.Get("OR"); or.Exists() {
		children, ok := childrenOf(or)
		if !ok {
			return Malformed{Reason: "OR must be an array", Raw: res.Raw}
		}
		return Disjunction{Children: children}
	}

	return comparisonFrom(res)
}

func childrenOf(res gjson.Result) ([]Expr, bool) {
	if !res.IsArray() {
		return nil, false
	}
	children := make([]Expr, 0)
	res.ForEach(func(_, child gjson.Result) bool {
		children = append(children, fromResult(child))
		return true
	})
	return children, true
}

func comparisonFrom(res gjson.Result) Expr {
	field := res.Get("field")
	if !field.Exists() {
		return Malformed{Reason: "comparison is missing field", Raw: res.Raw}
	}
	if field.Type != gjson.String {
		return Malformed{Reason: fmt.Sprintf("field must be a string, got %s", field.Raw), Raw: res.Raw}
	}

	var value record.Value
	switch v := res.Get("value"); v.Type {
	case gjson.Number:
		value = record.Number(v.Num)
		if n, err := record.ParseNumber(v.Raw); err == nil {
			value = n
		}
	case gjson.String:
		value = record.String(v.Str)
	default:
		if !v.Exists() {
			return Malformed{Reason: "comparison is missing value", Raw: res.Raw}
		}
		return Malformed{Reason: fmt.Sprintf("value must be a number or string, got %s", v.Raw), Raw: res.Raw}
	}

	opText := ""
	if op := res.Get("operator"); op.Type == gjson.String {
		opText = op.Str
	}
	return Compare(field.Str, opText, value)
}

type wireComparison struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// MarshalJSON encodes the node in the wire shape.
func (c Conjunction) MarshalJSON() ([]byte, error) {
	return marshalCombinator("AND", c.Children)
}

// MarshalJSON encodes the node in the wire shape.
func (d Disjunction) MarshalJSON() ([]byte, error) {
	return marshalCombinator("OR", d.Children)
}

// MarshalJSON encodes the node in the wire shape.
func (c Comparison) MarshalJSON() ([]byte, error) {
	op := c.OpText
	if c.Op != OpInvalid {
		op = c.Op.String()
	}
	return json.Marshal(wireComparison{Field: c.Name(), Operator: op, Value: c.Value.Interface()})
}

// MarshalJSON returns the original document of the node when it was JSON.
func (m Malformed) MarshalJSON() ([]byte, error) {
	if m.Raw != "" && json.Valid([]byte(m.Raw)) {
		return []byte(m.Raw), nil
	}
	return []byte("null"), nil
}

func marshalCombinator(key string, children []Expr) ([]byte, error) {
	if children == nil {
		children = []Expr{}
	}
	return json.Marshal(map[string][]Expr{key: children})
}

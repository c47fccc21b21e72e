package ast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/record"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Expr
	}{
		{
			name:  "comparison",
			input: `{"field":"age","operator":">","value":25}`,
			want:  Compare("age", ">", record.Number(25)),
		},
		{
			name:  "string value",
			input: `{"field":"department","operator":"=","value":"Eng"}`,
			want:  Compare("department", "=", record.String("Eng")),
		},
		{
			name: "nested",
			input: `{"AND":[{"field":"age","operator":">","value":25},
				{"OR":[{"field":"salary","operator":">=","value":60000},{"field":"spend","operator":"<","value":10.5}]}]}`,
			want: And(
				Compare("age", ">", record.Number(25)),
				Or(
					Compare("salary", ">=", record.Number(60000)),
					Compare("spend", "<", record.Number(10.5)),
				),
			),
		},
		{
			name:  "empty conjunction",
			input: `{"AND":[]}`,
			want:  Conjunction{Children: []Expr{}},
		},
		{
			name:  "empty disjunction",
			input: `{"OR":[]}`,
			want:  Disjunction{Children: []Expr{}},
		},
		{
			name:  "AND wins over OR",
			input: `{"OR":[],"AND":[]}`,
			want:  Conjunction{Children: []Expr{}},
		},
		{
			name:  "unknown field keeps raw name",
			input: `{"field":"bogus_field","operator":"=","value":5}`,
			want: Comparison{
				Field:     record.FieldUnrecognized,
				FieldName: "bogus_field",
				Op:        OpEqual,
				OpText:    "=",
				Value:     record.Number(5),
			},
		},
		{
			name:  "unknown operator",
			input: `{"field":"age","operator":"!=","value":5}`,
			want: Comparison{
				Field:     record.FieldAge,
				FieldName: "age",
				Op:        OpInvalid,
				OpText:    "!=",
				Value:     record.Number(5),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONMalformedNodes(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{name: "array root", input: `[1,2]`, reason: "expression must be an object"},
		{name: "AND not array", input: `{"AND":{"field":"age"}}`, reason: "AND must be an array"},
		{name: "OR not array", input: `{"OR":"x"}`, reason: "OR must be an array"},
		{name: "missing field", input: `{"operator":">","value":1}`, reason: "comparison is missing field"},
		{name: "numeric field", input: `{"field":3,"operator":">","value":1}`, reason: "field must be a string, got 3"},
		{name: "missing value", input: `{"field":"age","operator":">"}`, reason: "comparison is missing value"},
		{name: "boolean value", input: `{"field":"age","operator":">","value":true}`, reason: "value must be a number or string, got true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON([]byte(tt.input))
			require.NoError(t, err)
			m, ok := got.(Malformed)
			require.True(t, ok, "expected Malformed, got %T", got)
			assert.Equal(t, tt.reason, m.Reason)
		})
	}
}

func TestParseJSONMalformedChildKeepsSiblings(t *testing.T) {
	got, err := ParseJSON([]byte(`{"OR":[{"field":"age"},{"field":"age","operator":"<","value":40}]}`))
	require.NoError(t, err)

	or, ok := got.(Disjunction)
	require.True(t, ok)
	require.Len(t, or.Children, 2)
	assert.Equal(t, NodeMalformed, or.Children[0].Kind())
	assert.Equal(t, Compare("age", "<", record.Number(40)), or.Children[1])
}

func TestParseJSONInvalid(t *testing.T) {
	_, err := ParseJSON([]byte(`{"AND":[`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestMarshalJSONRoundTrip(t *testing.T) {
	input := `{"AND":[{"field":"age","operator":">","value":25},{"OR":[{"field":"department","operator":"=","value":"Eng"}]}]}`
	expr, err := ParseJSON([]byte(input))
	require.NoError(t, err)

	data, err := json.Marshal(expr)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(data))
}

func TestMarshalJSONMalformedKeepsRaw(t *testing.T) {
	data, err := json.Marshal(Malformed{Reason: "x", Raw: `{"field":1}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"field":1}`, string(data))

	data, err = json.Marshal(Malformed{Reason: "x"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	data, err = json.Marshal(Conjunction{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"AND":[]}`, string(data))
}

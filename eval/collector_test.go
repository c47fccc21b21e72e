package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/record"
)

func mustParse(t *testing.T, input string) ast.Expr {
	t.Helper()
	expr, err := ast.ParseJSON([]byte(input))
	require.NoError(t, err)
	return expr
}

func TestCollectScenarios(t *testing.T) {
	records := []record.Record{
		{ID: 1, Age: 30, Department: "Eng", Salary: 50000, Spend: 200, Experience: 3},
		{ID: 2, Age: 45, Department: "Sales", Salary: 70000, Spend: 900, Experience: 10},
	}

	tests := []struct {
		name string
		expr string
		want []int64
	}{
		{
			name: "conjunction",
			expr: `{"AND":[{"field":"age","operator":">","value":25},{"field":"salary","operator":">=","value":60000}]}`,
			want: []int64{2},
		},
		{
			name: "disjunction keeps order",
			expr: `{"OR":[{"field":"department","operator":"=","value":"Eng"},{"field":"experience","operator":">","value":8}]}`,
			want: []int64{1, 2},
		},
		{
			name: "matches none",
			expr: `{"field":"age","operator":">","value":100}`,
			want: []int64{},
		},
		{
			name: "empty conjunction matches all",
			expr: `{"AND":[]}`,
			want: []int64{1, 2},
		},
		{
			name: "empty disjunction matches none",
			expr: `{"OR":[]}`,
			want: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Collect(records, mustParse(t, tt.expr))
			assert.Equal(t, tt.want, res.IDs())
			assert.NotNil(t, res.Matches)
			assert.Equal(t, len(records), res.Scanned)
		})
	}
}

func TestCollectEmptyBatch(t *testing.T) {
	res := Collect(nil, mustParse(t, `{"field":"age","operator":">","value":1}`))
	require.NotNil(t, res.Matches)
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Diagnostics)
	assert.Zero(t, res.Scanned)
}

func TestCollectPreservesOrderAndDuplicates(t *testing.T) {
	records := []record.Record{
		{ID: 5, Age: 50},
		{ID: 3, Age: 20},
		{ID: 9, Age: 60},
		{ID: 5, Age: 50},
		{ID: 1, Age: 55},
	}

	exprs := []ast.Expr{
		ast.Compare("age", ">", record.Number(40)),
		ast.Conjunction{},
		ast.Disjunction{},
		ast.Compare("age", "<", record.Number(30)),
	}

	for _, expr := range exprs {
		res := Collect(records, expr)
		assertSubsequence(t, records, res.Matches)
	}

	res := Collect(records, ast.Compare("age", ">", record.Number(40)))
	assert.Equal(t, []int64{5, 9, 5, 1}, res.IDs())
}

func TestCollectDiagnosticsDoNotAbort(t *testing.T) {
	records := []record.Record{
		{ID: 1, Department: "Eng"},
		{ID: 2, Department: "Sales"},
	}
	expr := ast.Or(
		ast.Compare("bogus_field", "=", record.Number(5)),
		ast.Compare("department", "=", record.String("Sales")),
	)

	res := Collect(records, expr)
	assert.Equal(t, []int64{2}, res.IDs())
	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, int64(1), res.Diagnostics[0].RecordID)
	assert.Equal(t, int64(2), res.Diagnostics[1].RecordID)
}

func TestCollectIsIdempotent(t *testing.T) {
	records := []record.Record{
		{ID: 1, Age: 30, Department: "Eng"},
		{ID: 2, Age: 45, Department: "Sales"},
	}
	expr := mustParse(t, `{"AND":[{"field":"age","operator":">","value":20},{"field":"department","operator":"=","value":7}]}`)

	first := Collect(records, expr)
	second := Collect(records, expr)
	assert.Equal(t, first, second)
	assert.Len(t, first.Diagnostics, 2)
}

func assertSubsequence(t *testing.T, input, output []record.Record) {
	t.Helper()
	i := 0
	for _, rec := range output {
		for i < len(input) && input[i] != rec {
			i++
		}
		if !assert.Less(t, i, len(input), "output is not a subsequence of input") {
			return
		}
		i++
	}
}

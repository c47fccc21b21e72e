package eval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/record"
)

// countingExpr is a stub node returning a fixed result and counting calls.
type countingExpr struct {
	result bool
	calls  *int
}

func (countingExpr) Kind() ast.NodeKind { return ast.NodeComparison }
func (countingExpr) String() string     { return "<counting>" }

func (c countingExpr) Match(record.Record, *Diagnostics) bool {
	*c.calls++
	return c.result
}

func newCounting(result bool) (countingExpr, *int) {
	calls := 0
	return countingExpr{result: result, calls: &calls}, &calls
}

var (
	eng = record.Record{ID: 1, Name: "Ana", Age: 30, Department: "Eng", Salary: 50000, Spend: 200, Experience: 3}
	ops = record.Record{ID: 2, Name: "Bo", Age: 45, Department: "Sales", Salary: 70000, Spend: 900, Experience: 10}
)

func TestEvaluateVacuous(t *testing.T) {
	for _, rec := range []record.Record{eng, ops, {}} {
		assert.True(t, Evaluate(rec, ast.Conjunction{}, nil))
		assert.True(t, Evaluate(rec, ast.Conjunction{Children: []ast.Expr{}}, nil))
		assert.False(t, Evaluate(rec, ast.Disjunction{}, nil))
		assert.False(t, Evaluate(rec, ast.Disjunction{Children: []ast.Expr{}}, nil))
	}
}

func TestEvaluateConjunctionShortCircuits(t *testing.T) {
	first, firstCalls := newCounting(false)
	second, secondCalls := newCounting(true)

	assert.False(t, Evaluate(eng, ast.And(first, second), nil))
	assert.Equal(t, 1, *firstCalls)
	assert.Equal(t, 0, *secondCalls, "second child must not run after a false child")

	first, firstCalls = newCounting(true)
	second, secondCalls = newCounting(true)
	assert.True(t, Evaluate(eng, ast.And(first, second), nil))
	assert.Equal(t, 1, *firstCalls)
	assert.Equal(t, 1, *secondCalls)
}

func TestEvaluateDisjunctionShortCircuits(t *testing.T) {
	first, firstCalls := newCounting(true)
	second, secondCalls := newCounting(false)

	assert.True(t, Evaluate(eng, ast.Or(first, second), nil))
	assert.Equal(t, 1, *firstCalls)
	assert.Equal(t, 0, *secondCalls, "second child must not run after a true child")

	first, firstCalls = newCounting(false)
	second, secondCalls = newCounting(false)
	assert.False(t, Evaluate(eng, ast.Or(first, second), nil))
	assert.Equal(t, 1, *firstCalls)
	assert.Equal(t, 1, *secondCalls)
}

func TestEvaluateConjunctionIsLogicalAnd(t *testing.T) {
	exprs := []ast.Expr{
		ast.Compare("age", ">", record.Number(25)),
		ast.Compare("age", ">", record.Number(40)),
		ast.Compare("department", "=", record.String("Eng")),
		ast.Compare("bogus_field", "=", record.Number(5)),
		ast.Conjunction{},
		ast.Disjunction{},
	}
	for _, rec := range []record.Record{eng, ops} {
		for _, e1 := range exprs {
			for _, e2 := range exprs {
				want := Evaluate(rec, e1, nil) && Evaluate(rec, e2, nil)
				assert.Equal(t, want, Evaluate(rec, ast.And(e1, e2), nil), "%s AND %s", e1, e2)

				want = Evaluate(rec, e1, nil) || Evaluate(rec, e2, nil)
				assert.Equal(t, want, Evaluate(rec, ast.Or(e1, e2), nil), "%s OR %s", e1, e2)
			}
		}
	}
}

func TestEvaluateComparison(t *testing.T) {
	tests := []struct {
		name string
		expr ast.Expr
		want bool
	}{
		{"age greater", ast.Compare("age", ">", record.Number(25)), true},
		{"age greater equal boundary", ast.Compare("age", ">=", record.Number(30)), true},
		{"age less", ast.Compare("age", "<", record.Number(30)), false},
		{"age less equal boundary", ast.Compare("age", "<=", record.Number(30)), true},
		{"age equal", ast.Compare("age", "=", record.Number(30)), true},
		{"int field against fraction", ast.Compare("age", "<", record.Number(30.5)), true},
		{"salary", ast.Compare("salary", ">=", record.Number(60000)), false},
		{"spend", ast.Compare("spend", "=", record.Number(200)), true},
		{"experience", ast.Compare("experience", ">", record.Number(2.5)), true},
		{"id", ast.Compare("id", "=", record.Number(1)), true},
		{"department equal", ast.Compare("department", "=", record.String("Eng")), true},
		{"department equal is case-sensitive", ast.Compare("department", "=", record.String("eng")), false},
		{"string ordering is byte-wise", ast.Compare("department", "<", record.String("Sales")), true},
		{"string ordering upper before lower", ast.Compare("department", "<", record.String("eng")), true},
		{"name greater equal", ast.Compare("name", ">=", record.String("Ana")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := &Diagnostics{}
			assert.Equal(t, tt.want, Evaluate(eng, tt.expr, diags))
			assert.Zero(t, diags.Len())
		})
	}
}

func TestEvaluateUnknownField(t *testing.T) {
	expr := ast.Compare("bogus_field", "=", record.Number(5))
	for _, rec := range []record.Record{eng, ops, {}} {
		diags := &Diagnostics{}
		assert.False(t, Evaluate(rec, expr, diags))

		items := diags.Items()
		require.Len(t, items, 1)
		assert.Equal(t, DiagUnknownField, items[0].Kind)
		assert.Equal(t, "bogus_field", items[0].Field)
		assert.Equal(t, rec.ID, items[0].RecordID)
		assert.Contains(t, items[0].Message, "bogus_field")
	}
}

func TestEvaluateTypeMismatch(t *testing.T) {
	tests := []struct {
		name string
		expr ast.Expr
	}{
		{"string field numeric value", ast.Compare("department", "=", record.Number(5))},
		{"numeric field string value", ast.Compare("age", ">", record.String("30"))},
		{"invalid value", ast.Compare("age", ">", record.Value{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, rec := range []record.Record{eng, ops} {
				diags := &Diagnostics{}
				assert.False(t, Evaluate(rec, tt.expr, diags))
				require.Equal(t, 1, diags.Len())
				assert.Equal(t, DiagTypeMismatch, diags.Items()[0].Kind)
			}
		})
	}
}

func TestEvaluateMalformed(t *testing.T) {
	tests := []struct {
		name string
		expr ast.Expr
	}{
		{"nil", nil},
		{"malformed node", ast.Malformed{Reason: "comparison is missing field"}},
		{"invalid operator", ast.Compare("age", "!=", record.Number(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := &Diagnostics{}
			assert.False(t, Evaluate(eng, tt.expr, diags))
			require.Equal(t, 1, diags.Len())
			assert.Equal(t, DiagMalformed, diags.Items()[0].Kind)
		})
	}
}

func TestEvaluateBadChildDoesNotAbort(t *testing.T) {
	expr := ast.Or(
		ast.Compare("bogus_field", "=", record.Number(5)),
		ast.Compare("department", "=", record.String("Eng")),
	)
	diags := &Diagnostics{}
	assert.True(t, Evaluate(eng, expr, diags))
	assert.Equal(t, 1, diags.Len())
}

func TestEvaluateIsDeterministic(t *testing.T) {
	expr := ast.And(
		ast.Compare("age", ">", record.Number(25)),
		ast.Compare("department", "=", record.Number(1)),
	)

	first, second := &Diagnostics{}, &Diagnostics{}
	assert.Equal(t, Evaluate(ops, expr, first), Evaluate(ops, expr, second))
	assert.Equal(t, first.Items(), second.Items())
}

func TestNilDiagnostics(t *testing.T) {
	var diags *Diagnostics
	diags.Report(Diagnostic{Kind: DiagMalformed})
	assert.Zero(t, diags.Len())
	assert.NotNil(t, diags.Items())
}

func TestEvaluateNaNSatisfiesNothing(t *testing.T) {
	rec := record.Record{ID: 3, Salary: math.NaN()}

	for _, op := range []string{">", "<", "=", ">=", "<="} {
		t.Run(op, func(t *testing.T) {
			diags := &Diagnostics{}
			assert.False(t, Evaluate(rec, ast.Compare("salary", op, record.Number(100)), diags))
			assert.False(t, Evaluate(eng, ast.Compare("salary", op, record.Number(math.NaN())), diags))
			assert.Zero(t, diags.Len())
		})
	}

	res := Collect([]record.Record{rec}, ast.Compare("salary", "<", record.Number(100)))
	assert.Empty(t, res.IDs())
}

func TestEvaluateLargeIntegersCompareExactly(t *testing.T) {
	rec := record.Record{ID: 9007199254740993}

	tests := []struct {
		name string
		expr ast.Expr
		want bool
	}{
		{"not equal to neighbour", ast.Compare("id", "=", record.Integer(9007199254740992)), false},
		{"equal to itself", ast.Compare("id", "=", record.Integer(9007199254740993)), true},
		{"greater than neighbour", ast.Compare("id", ">", record.Integer(9007199254740992)), true},
		{"fraction falls back to float", ast.Compare("id", ">", record.Number(1.5)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(rec, tt.expr, &Diagnostics{}))
		})
	}

	expr, err := ast.ParseJSON([]byte(`{"field": "id", "operator": "=", "value": 9007199254740992}`))
	require.NoError(t, err)
	assert.Empty(t, Collect([]record.Record{rec}, expr).IDs())

	expr, err = ast.ParseText("id = 9007199254740993")
	require.NoError(t, err)
	assert.Equal(t, []int64{9007199254740993}, Collect([]record.Record{rec}, expr).IDs())
}

package ast

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/record"
)

func TestValidate(t *testing.T) {
	valid := And(
		Compare("age", ">", record.Number(25)),
		Or(Compare("department", "=", record.String("Eng")), Disjunction{}),
		Conjunction{},
	)
	assert.NoError(t, Validate(valid))

	invalid := And(
		Compare("bogus_field", "=", record.Number(5)),
		Or(
			Compare("department", "=", record.Number(5)),
			Compare("age", "!=", record.Number(5)),
		),
		Malformed{Reason: "comparison is missing field"},
		nil,
	)

	err := Validate(invalid)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{
		`$.AND[0]: unknown field "bogus_field"`,
		`$.AND[1].OR[0]: field "department" is a string but value 5 is a number`,
		`$.AND[1].OR[1]: unsupported operator "!="`,
		`$.AND[2]: comparison is missing field`,
		`$.AND[3]: missing expression`,
	}, verr.Problems)
}

func TestOperatorHolds(t *testing.T) {
	tests := []struct {
		op   Operator
		cmp  int
		want bool
	}{
		{OpGreater, 1, true},
		{OpGreater, 0, false},
		{OpLess, -1, true},
		{OpLess, 0, false},
		{OpEqual, 0, true},
		{OpEqual, 1, false},
		{OpGreaterEqual, 0, true},
		{OpGreaterEqual, -1, false},
		{OpLessEqual, 0, true},
		{OpLessEqual, 1, false},
		{OpInvalid, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.Holds(tt.cmp), "%s %d", tt.op, tt.cmp)
	}

	for _, text := range []string{">", "<", "=", ">=", "<="} {
		assert.Equal(t, text, ParseOperator(text).String())
	}
	assert.Equal(t, OpInvalid, ParseOperator("=="))
}

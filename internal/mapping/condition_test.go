package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateCondition_Equality(t *testing.T) {
	payload := decodePayload(t, `{"car": {"maintenance": {"type": "oil change"}}}`)

	cond := Condition{Key: "car.maintenance.type", Operator: OpEqual, Value: "oil change"}

	assert.True(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_EqualityCrossTypeNumbers(t *testing.T) {
	payload := decodePayload(t, `{"radius": 0.1}`)

	// stored expectations are often strings; numeric comparison must still hold
	cond := Condition{Key: "radius", Operator: OpEqual, Value: "0.1"}

	assert.True(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_NotEqual(t *testing.T) {
	payload := decodePayload(t, `{"type": "EQUIP"}`)

	cond := Condition{Key: "type", Operator: OpNotEqual, Value: "PIPE"}

	assert.True(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_InMembership(t *testing.T) {
	payload := decodePayload(t, `{"type": "EQUIP"}`)

	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"member", "PIPE, EQUIP, VALVE", true},
		{"member without spaces", "PIPE,EQUIP", true},
		{"not a member", "PIPE, VALVE", false},
		{"substring is not membership", "EQUIPMENT", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := Condition{Key: "type", Operator: OpIn, Value: tt.value}
			assert.Equal(t, tt.want, EvaluateCondition(cond, payload, nil))
		})
	}
}

func TestEvaluateCondition_Contains(t *testing.T) {
	payload := decodePayload(t, `{"description": "centrifugal pump assembly"}`)

	assert.True(t, EvaluateCondition(Condition{Key: "description", Operator: OpContains, Value: "pump"}, payload, nil))
	assert.False(t, EvaluateCondition(Condition{Key: "description", Operator: OpContains, Value: "valve"}, payload, nil))
}

func TestEvaluateCondition_NumericComparisons(t *testing.T) {
	payload := decodePayload(t, `{"radius": 0.1}`)

	tests := []struct {
		name string
		op   Operator
		want bool
	}{
		{"less", OpLess, true},
		{"less or equal", OpLessEqual, true},
		{"greater", OpGreater, false},
		{"greater or equal", OpGreaterEqual, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := Condition{Key: "radius", Operator: tt.op, Value: 0.5}
			assert.Equal(t, tt.want, EvaluateCondition(cond, payload, nil))
		})
	}
}

func TestEvaluateCondition_NumericOperatorOnNonNumber(t *testing.T) {
	payload := decodePayload(t, `{"radius": "not a number"}`)

	cond := Condition{Key: "radius", Operator: OpLess, Value: 0.5}

	assert.False(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_UnresolvedKeyIsFalse(t *testing.T) {
	payload := decodePayload(t, `{"type": "EQUIP"}`)

	cond := Condition{Key: "missing", Operator: OpEqual, Value: "EQUIP"}

	assert.False(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_StrictLeftFold(t *testing.T) {
	payload := decodePayload(t, `{"a": 1, "b": 2, "c": 3}`)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{
			// true AND false OR true folds left: (true AND false) OR true
			name: "and-false then or-true recovers",
			cond: Condition{
				Key: "a", Operator: OpEqual, Value: 1,
				Subexpressions: []Subexpression{
					{Expression: ExpressionAnd, Key: "a", Operator: OpEqual, Value: 99},
					{Expression: ExpressionOr, Key: "b", Operator: OpEqual, Value: 2},
				},
			},
			want: true,
		},
		{
			// true OR true AND false folds left: (true OR true) AND false
			name: "or-true then and-false sinks",
			cond: Condition{
				Key: "a", Operator: OpEqual, Value: 1,
				Subexpressions: []Subexpression{
					{Expression: ExpressionOr, Key: "b", Operator: OpEqual, Value: 2},
					{Expression: ExpressionAnd, Key: "a", Operator: OpEqual, Value: 99},
				},
			},
			want: false,
		},
		{
			name: "false base then or-true",
			cond: Condition{
				Key: "a", Operator: OpEqual, Value: 99,
				Subexpressions: []Subexpression{
					{Expression: ExpressionOr, Key: "c", Operator: OpEqual, Value: 3},
				},
			},
			want: true,
		},
		{
			name: "all and chain",
			cond: Condition{
				Key: "a", Operator: OpEqual, Value: 1,
				Subexpressions: []Subexpression{
					{Expression: ExpressionAnd, Key: "b", Operator: OpEqual, Value: 2},
					{Expression: ExpressionAnd, Key: "c", Operator: OpEqual, Value: 3},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.cond, payload, nil))
		})
	}
}

func TestEvaluateCondition_UnresolvedSubexpressionContinuesFold(t *testing.T) {
	payload := decodePayload(t, `{"a": 1}`)

	// the missing key makes its comparison false without aborting; the
	// trailing OR still rescues the result
	cond := Condition{
		Key: "a", Operator: OpEqual, Value: 1,
		Subexpressions: []Subexpression{
			{Expression: ExpressionAnd, Key: "missing", Operator: OpEqual, Value: 1},
			{Expression: ExpressionOr, Key: "a", Operator: OpEqual, Value: 1},
		},
	}

	assert.True(t, EvaluateCondition(cond, payload, nil))
}

func TestEvaluateCondition_IndexedKey(t *testing.T) {
	payload := decodePayload(t, `{"parts": [{"type": "EQUIP"}, {"type": "PIPE"}]}`)

	cond := Condition{Key: "parts.[].type", Operator: OpEqual, Value: "PIPE"}

	assert.False(t, EvaluateCondition(cond, payload, []int{0}))
	assert.True(t, EvaluateCondition(cond, payload, []int{1}))
}

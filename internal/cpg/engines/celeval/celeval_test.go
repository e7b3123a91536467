package celeval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocess/cpgraph/internal/cpg/graph"
)

func TestEvaluateBooleanExpression(t *testing.T) {
	e := New()
	bindings := map[string]any{"offer": map[string]any{"signed": true}}

	res := e.Evaluate(context.Background(), graph.Expression{Source: `offer.signed == true`}, bindings)
	require.NoError(t, res.Err)
	assert.True(t, res.Truthy())

	bindings["offer"] = map[string]any{"signed": false}
	res = e.Evaluate(context.Background(), graph.Expression{Source: `offer.signed == true`}, bindings)
	require.NoError(t, res.Err)
	assert.False(t, res.Truthy())
}

func TestMissingIdentifierIsNullNotError(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), graph.Expression{Source: `ghost.field == true`}, map[string]any{"present": 1})
	require.NoError(t, res.Err)
	assert.False(t, res.Truthy())
	assert.Nil(t, res.Result)
}

func TestMissingKeyInsideMapIsNull(t *testing.T) {
	e := New()
	bindings := map[string]any{"offer": map[string]any{}}
	res := e.Evaluate(context.Background(), graph.Expression{Source: `offer.signed == true`}, bindings)
	require.NoError(t, res.Err)
	assert.False(t, res.Truthy())
}

func TestEmptyExpressionIsTrue(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), graph.Expression{Source: "  "}, nil)
	require.NoError(t, res.Err)
	assert.True(t, res.Truthy())
}

func TestCompileErrorSurfacesAsError(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), graph.Expression{Source: `offer.signed ==`}, map[string]any{"offer": map[string]any{}})
	assert.Error(t, res.Err)
}

func TestPolicyEvaluatorOutcomes(t *testing.T) {
	p := NewPolicyEvaluator()
	p.RegisterPolicy("credit-check", `applicant.score >= 600`, false)
	p.RegisterPolicy("manual-review", `amount < 10000`, true)

	res, err := p.EvaluatePolicy(context.Background(), "credit-check", map[string]any{
		"applicant": map[string]any{"score": 700},
	})
	require.NoError(t, err)
	assert.Equal(t, graph.PolicyAllowed, res.Outcome)

	res, err = p.EvaluatePolicy(context.Background(), "credit-check", map[string]any{
		"applicant": map[string]any{"score": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, graph.PolicyDenied, res.Outcome)

	res, err = p.EvaluatePolicy(context.Background(), "manual-review", map[string]any{"amount": 50000})
	require.NoError(t, err)
	assert.Equal(t, graph.PolicyReviewRequired, res.Outcome)

	res, err = p.EvaluatePolicy(context.Background(), "unknown", nil)
	require.NoError(t, err)
	assert.Equal(t, graph.PolicyNotApplicable, res.Outcome)
}

package exprrules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

func scoringTable() Table {
	return Table{
		Ref:       "applicant-tier",
		HitPolicy: HitFirst,
		Rows: []Row{
			{When: `score >= 800`, Outputs: map[string]string{"tier": `"platinum"`, "limit": `50000`}},
			{When: `score >= 600`, Outputs: map[string]string{"tier": `"gold"`, "limit": `20000`}},
			{Outputs: map[string]string{"tier": `"standard"`, "limit": `5000`}},
		},
	}
}

func TestFirstHitWins(t *testing.T) {
	e := New()
	e.RegisterTable(scoringTable())

	out, err := e.EvaluateRule(context.Background(), "applicant-tier", map[string]any{"score": 650})
	require.NoError(t, err)
	assert.Equal(t, "gold", out["tier"])
	assert.Equal(t, 20000, out["limit"])
}

func TestDefaultRowCatchesEverything(t *testing.T) {
	e := New()
	e.RegisterTable(scoringTable())

	out, err := e.EvaluateRule(context.Background(), "applicant-tier", map[string]any{"score": 100})
	require.NoError(t, err)
	assert.Equal(t, "standard", out["tier"])
}

func TestCollectPolicyMergesLaterRowsWin(t *testing.T) {
	e := New()
	e.RegisterTable(Table{
		Ref:       "flags",
		HitPolicy: HitCollect,
		Rows: []Row{
			{When: `amount > 100`, Outputs: map[string]string{"review": `false`, "channel": `"auto"`}},
			{When: `amount > 1000`, Outputs: map[string]string{"review": `true`}},
		},
	})

	out, err := e.EvaluateRule(context.Background(), "flags", map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.Equal(t, true, out["review"])
	assert.Equal(t, "auto", out["channel"])
}

func TestUnknownTableIsNotFound(t *testing.T) {
	e := New()
	_, err := e.EvaluateRule(context.Background(), "ghost", nil)
	assert.True(t, cpgerr.Is(err, cpgerr.KindNotFound))
}

func TestNoMatchingRowYieldsEmptyOutputs(t *testing.T) {
	e := New()
	e.RegisterTable(Table{
		Ref:  "narrow",
		Rows: []Row{{When: `x > 10`, Outputs: map[string]string{"y": `1`}}},
	})
	out, err := e.EvaluateRule(context.Background(), "narrow", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUndefinedVariablesDoNotMatch(t *testing.T) {
	e := New()
	e.RegisterTable(Table{
		Ref:  "maybe",
		Rows: []Row{{When: `missing == true`, Outputs: map[string]string{"y": `1`}}},
	})
	out, err := e.EvaluateRule(context.Background(), "maybe", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

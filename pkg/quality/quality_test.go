package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/sage/pkg/research"
)

func TestClausePlanner_Plan(t *testing.T) {
	tests := []struct {
		name string
		goal string
		want []string
	}{
		{
			name: "single clause expands into facets",
			goal: "Electric Vehicle Market 2024",
			want: []string{
				"overview of Electric Vehicle Market 2024",
				"recent developments in Electric Vehicle Market 2024",
				"data and statistics on Electric Vehicle Market 2024",
			},
		},
		{
			name: "conjunction",
			goal: "EV adoption in Europe and battery costs",
			want: []string{"EV adoption in Europe", "battery costs"},
		},
		{
			name: "punctuation and duplicates",
			goal: "solid-state batteries; charging networks, Solid-State Batteries?",
			want: []string{"solid-state batteries", "charging networks"},
		},
		{
			name: "versus",
			goal: "Tesla vs. BYD",
			want: []string{"Tesla", "BYD"},
		},
		{
			name: "blank goal",
			goal: "   ",
			want: nil,
		},
	}

	planner := NewClausePlanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planner.Plan(tt.goal))
		})
	}
}

func TestAssign(t *testing.T) {
	outline := NewClausePlanner().Plan("electric vehicle market")

	tests := []struct {
		name    string
		query   string
		content string
		want    string
	}{
		{
			name:  "facet words in the query decide",
			query: "recent developments electric vehicle market",
			want:  "recent developments in electric vehicle market",
		},
		{
			name:    "content breaks the tie",
			query:   "electric vehicle market",
			content: "Statistics show 14 million units, data from IEA",
			want:    "data and statistics on electric vehicle market",
		},
		{
			name:  "earliest entry wins ties",
			query: "electric vehicle market",
			want:  "overview of electric vehicle market",
		},
		{
			name:  "no overlap falls back to the normalized query",
			query: "  Lithium   PRICES ",
			want:  "lithium prices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assign(outline, tt.query, tt.content))
		})
	}

	assert.Equal(t, "lithium prices", Assign(nil, "Lithium Prices", "anything"))
}

func evidence(claim, url string) research.Evidence {
	return research.Evidence{Claim: claim, SourceURL: url, Digest: research.Digest(url, claim)}
}

func snapshotWith(outline []string, findings map[string][]research.Evidence, sources []research.Source, limits research.Limits) research.Snapshot {
	ctx := research.NewContext("goal", limits)
	ctx.SetOutline(outline)
	for _, src := range sources {
		ctx.AddSource(src)
	}
	for _, key := range outline {
		for _, ev := range findings[key] {
			ctx.AddEvidence(key, ev)
		}
	}
	return ctx.Snapshot()
}

func sources(types ...research.SourceType) []research.Source {
	out := make([]research.Source, 0, len(types))
	for i, typ := range types {
		url := "https://example.com/" + string(rune('a'+i))
		out = append(out, research.Source{URL: url, Type: typ, RetrievedAt: time.Now(), Digest: research.Digest(url, "")})
	}
	return out
}

func TestWeightedPolicy_Score(t *testing.T) {
	limits := research.Limits{MaxIterations: 10, QualityThreshold: 7, MinSources: 5}
	outline := []string{"a", "b"}

	t.Run("empty session scores zero", func(t *testing.T) {
		score, breakdown := DefaultPolicy().Score(snapshotWith(outline, nil, nil, limits))
		assert.Zero(t, score)
		assert.Zero(t, breakdown["coverage"])
	})

	t.Run("full marks", func(t *testing.T) {
		snap := snapshotWith(outline, map[string][]research.Evidence{
			"a": {evidence("one", "u1"), evidence("two", "u2")},
			"b": {evidence("three", "u3"), evidence("four", "u4")},
		}, sources(research.SourceGeneral, research.SourceNews, research.SourceAcademic, research.SourceMarket, research.SourceGeneral), limits)

		score, _ := DefaultPolicy().Score(snap)
		assert.Equal(t, 10.0, score)
	})

	t.Run("partial", func(t *testing.T) {
		snap := snapshotWith(outline, map[string][]research.Evidence{
			"a": {evidence("one", "u1")},
		}, sources(research.SourceGeneral), limits)

		score, breakdown := DefaultPolicy().Score(snap)
		assert.InDelta(t, 2.0, breakdown["coverage"], 1e-9)
		assert.InDelta(t, 0.4, breakdown["volume"], 1e-9)
		assert.InDelta(t, 2.0/3.0, breakdown["diversity"], 1e-9)
		assert.Zero(t, breakdown["corroboration"])
		assert.Equal(t, 3.07, score)
	})

	t.Run("contradiction penalty is capped", func(t *testing.T) {
		ctx := research.NewContext("goal", limits)
		ctx.SetOutline(outline)
		for i := 0; i < 10; i++ {
			ctx.LogContradiction(research.Contradiction{Key: "a", Detail: string(rune('a' + i))})
		}
		_, breakdown := DefaultPolicy().Score(ctx.Snapshot())
		assert.Equal(t, -2.0, breakdown["contradictions"])
	})
}

func TestPolarityVerifier(t *testing.T) {
	limits := research.Limits{MaxIterations: 5, QualityThreshold: 7, MinSources: 1}

	conflicting := snapshotWith([]string{"sales"}, map[string][]research.Evidence{
		"sales": {
			evidence("EV sales rose 35% in 2023", "https://a.example"),
			evidence("EV sales declined in Germany", "https://b.example"),
		},
	}, nil, limits)
	found := NewPolarityVerifier().Verify(conflicting)
	require.Len(t, found, 1)
	assert.Equal(t, "sales", found[0].Key)
	assert.Contains(t, found[0].Detail, "https://a.example")

	sameSource := snapshotWith([]string{"sales"}, map[string][]research.Evidence{
		"sales": {
			evidence("Sales rose in Q1", "https://a.example"),
			evidence("Sales fell in Q2", "https://a.example"),
		},
	}, nil, limits)
	assert.Empty(t, NewPolarityVerifier().Verify(sameSource))

	agreeing := snapshotWith([]string{"sales"}, map[string][]research.Evidence{
		"sales": {
			evidence("Sales rose", "https://a.example"),
			evidence("Strong growth reported", "https://b.example"),
		},
	}, nil, limits)
	assert.Empty(t, NewPolarityVerifier().Verify(agreeing))
}

func TestGate_Assess(t *testing.T) {
	limits := research.Limits{MaxIterations: 5, QualityThreshold: 7, MinSources: 2}
	outline := []string{"first", "second", "third"}

	ctx := research.NewContext("goal", limits)
	ctx.SetOutline(outline)
	ctx.AddEvidence("first", evidence("one", "u1"))
	ctx.AddEvidence("third", evidence("two", "u2"))
	ctx.RecordAttempt(research.Attempt{Iteration: 1, Tool: "news_search", Target: "second", ErrorCode: "TOOL_EXECUTION_FAILED"})
	ctx.RecordAttempt(research.Attempt{Iteration: 2, Tool: "news_search", Target: "second", ErrorCode: "TOOL_TIMEOUT"})
	ctx.RecordAttempt(research.Attempt{Iteration: 3, Tool: "web_search", Target: "first", ErrorCode: "TOOL_TIMEOUT"})

	gate := NewGate()
	assessment := gate.Assess(ctx.Snapshot())

	assert.Less(t, assessment.Score, limits.QualityThreshold)
	require.NotNil(t, assessment.Gap)
	assert.Equal(t, "second", assessment.Gap.SubQuestion)
	assert.Zero(t, assessment.Gap.Evidence)
	assert.Equal(t, []string{"news_search"}, assessment.Gap.FailedTools)
	assert.Equal(t, "second", assessment.Gap.SuggestedQuery)
}

func TestGate_AssessAboveThresholdHasNoGap(t *testing.T) {
	fixed := policyFunc(func(research.Snapshot) (float64, map[string]float64) { return 8, nil })
	gate := NewGate(WithPolicy(fixed))

	assessment := gate.Assess(research.NewContext("goal", research.Limits{QualityThreshold: 7}).Snapshot())
	assert.Equal(t, 8.0, assessment.Score)
	assert.Nil(t, assessment.Gap)
}

func TestGate_PlanFallsBackToGoal(t *testing.T) {
	gate := NewGate(WithPlanner(PlannerFunc(func(string) []string { return nil })))
	assert.Equal(t, []string{"battery recycling"}, gate.Plan(" battery recycling "))
}

func TestSummarize(t *testing.T) {
	ctx := research.NewContext("goal", research.Limits{MaxIterations: 3})
	assert.Equal(t, "No findings yet.", Summarize(ctx.Snapshot(), 2))

	ctx.AddEvidence("prices", evidence("old claim", "u1"))
	ctx.AddEvidence("prices", evidence("newer claim", "u2"))
	ctx.AddEvidence("prices", evidence("newest claim", "u3"))

	summary := Summarize(ctx.Snapshot(), 2)
	assert.Contains(t, summary, "prices (3)")
	assert.Contains(t, summary, "newest claim")
	assert.NotContains(t, summary, "old claim\n")
}

type policyFunc func(research.Snapshot) (float64, map[string]float64)

func (f policyFunc) Score(s research.Snapshot) (float64, map[string]float64) { return f(s) }

package quality

import (
	"fmt"
	"strings"

	"github.com/kagent-dev/sage/pkg/research"
)

// Gate bundles the planning, verification and scoring policies the
// orchestration loop consults.
type Gate struct {
	planner  Planner
	policy   Policy
	verifier Verifier
}

// Option configures a Gate
type Option func(*Gate)

func WithPlanner(p Planner) Option   { return func(g *Gate) { g.planner = p } }
func WithPolicy(p Policy) Option     { return func(g *Gate) { g.policy = p } }
func WithVerifier(v Verifier) Option { return func(g *Gate) { g.verifier = v } }

// NewGate creates a Gate with the default clause planner, weighted policy
// and polarity verifier.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		planner:  NewClausePlanner(),
		policy:   DefaultPolicy(),
		verifier: NewPolarityVerifier(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Plan produces the session outline.
func (g *Gate) Plan(goal string) []string {
	outline := g.planner.Plan(goal)
	if len(outline) == 0 && strings.TrimSpace(goal) != "" {
		outline = []string{strings.TrimSpace(goal)}
	}
	return outline
}

// Verify returns contradictions among the gathered evidence.
func (g *Gate) Verify(snap research.Snapshot) []research.Contradiction {
	return g.verifier.Verify(snap)
}

// Assess scores the session. The gap is reported only when the score is
// below the session's threshold.
func (g *Gate) Assess(snap research.Snapshot) research.Assessment {
	score, breakdown := g.policy.Score(snap)
	assessment := research.Assessment{Score: score, Breakdown: breakdown}
	if score < snap.Limits.QualityThreshold {
		assessment.Gap = FindGap(snap)
	}
	return assessment
}

// FindGap returns the least-evidenced outline entry, earliest first on ties,
// with the tools that failed while targeting it.
func FindGap(snap research.Snapshot) *research.Gap {
	outline := snap.Outline
	if len(outline) == 0 {
		outline = []string{snap.Goal}
	}

	target, least := outline[0], len(snap.Findings[outline[0]])
	for _, sub := range outline[1:] {
		if n := len(snap.Findings[sub]); n < least {
			target, least = sub, n
		}
	}

	var failed []string
	seen := make(map[string]bool)
	for _, a := range snap.Attempts {
		if a.Failed() && a.Target == target && !seen[a.Tool] {
			seen[a.Tool] = true
			failed = append(failed, a.Tool)
		}
	}

	return &research.Gap{
		SubQuestion:    target,
		Evidence:       least,
		FailedTools:    failed,
		SuggestedQuery: target,
	}
}

// Summarize renders the findings per outline entry with the most recent
// claims, for the decision oracle.
func Summarize(snap research.Snapshot, perKey int) string {
	if len(snap.FindingKeys) == 0 {
		return "No findings yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d sources, %d findings across %d topics.\n", len(snap.Sources), countEvidence(snap), len(snap.FindingKeys))
	for _, key := range snap.FindingKeys {
		evidence := snap.Findings[key]
		fmt.Fprintf(&b, "\n%s (%d):\n", key, len(evidence))
		start := 0
		if perKey > 0 && len(evidence) > perKey {
			start = len(evidence) - perKey
		}
		for _, ev := range evidence[start:] {
			fmt.Fprintf(&b, "- %s\n", ev.Claim)
		}
	}
	return b.String()
}

func countEvidence(snap research.Snapshot) int {
	n := 0
	for _, evidence := range snap.Findings {
		n += len(evidence)
	}
	return n
}

package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/kagent-dev/sage/pkg/cache"
)

// Planner decomposes a research goal into the sub-questions that make up
// the session outline.
type Planner interface {
	Plan(goal string) []string
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(goal string) []string

func (f PlannerFunc) Plan(goal string) []string { return f(goal) }

// DefaultFacets are the research angles used when a goal is a single clause.
var DefaultFacets = []string{
	"overview of %s",
	"recent developments in %s",
	"data and statistics on %s",
}

var clauseSeparator = regexp.MustCompile(`(?i)\s*(?:[;,?]|\band\b|\bversus\b|\bvs\.?(?:\s|$))\s*`)

// ClausePlanner splits a goal on conjunctions and punctuation. A goal that
// yields a single clause is expanded with Facets instead.
type ClausePlanner struct {
	Facets []string
}

// NewClausePlanner returns a ClausePlanner using DefaultFacets.
func NewClausePlanner() *ClausePlanner {
	return &ClausePlanner{Facets: DefaultFacets}
}

func (p *ClausePlanner) Plan(goal string) []string {
	goal = strings.Join(strings.Fields(goal), " ")
	if goal == "" {
		return nil
	}

	var clauses []string
	seen := make(map[string]bool)
	for _, part := range clauseSeparator.Split(goal, -1) {
		part = strings.TrimFunc(part, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
		if len(tokens(part)) == 0 {
			continue
		}
		key := cache.NormalizeKey(part)
		if seen[key] {
			continue
		}
		seen[key] = true
		clauses = append(clauses, part)
	}
	if len(clauses) > 1 {
		return clauses
	}

	subject := strings.TrimRight(goal, "?.! ")
	if len(p.Facets) == 0 {
		return []string{subject}
	}
	outline := make([]string, 0, len(p.Facets))
	for _, facet := range p.Facets {
		outline = append(outline, fmt.Sprintf(facet, subject))
	}
	return outline
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true, "for": true,
	"to": true, "and": true, "or": true, "is": true, "are": true, "what": true, "how": true,
	"with": true, "by": true, "at": true, "from": true, "about": true, "its": true, "it": true,
	"this": true, "that": true, "be": true, "as": true, "was": true, "were": true,
}

// tokens returns the distinct folded content words of s.
func tokens(s string) map[string]bool {
	fields := strings.FieldsFunc(cache.NormalizeKey(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

// Assign picks the outline entry a document belongs to. Words shared with the
// query that fetched the document count double. When nothing overlaps, or the
// outline is empty, the normalized query is the key.
func Assign(outline []string, query, content string) string {
	queryTokens := tokens(query)
	contentTokens := tokens(content)

	best, bestScore := "", 0
	for _, sub := range outline {
		subTokens := tokens(sub)
		score := 2*overlap(queryTokens, subTokens) + overlap(contentTokens, subTokens)
		if score > bestScore {
			best, bestScore = sub, score
		}
	}
	if best == "" {
		return cache.NormalizeKey(query)
	}
	return best
}

package quality

import (
	"fmt"

	"github.com/kagent-dev/sage/pkg/research"
)

// Verifier detects conflicting evidence.
type Verifier interface {
	Verify(snap research.Snapshot) []research.Contradiction
}

// PolarityVerifier flags a finding whose evidence, from different sources,
// carries opposing trend markers.
type PolarityVerifier struct {
	Positive []string
	Negative []string
}

// NewPolarityVerifier returns a verifier with English trend markers.
func NewPolarityVerifier() *PolarityVerifier {
	return &PolarityVerifier{
		Positive: []string{"increase", "increased", "increasing", "rise", "rose", "rising", "growth", "grew", "growing", "higher", "gain", "gains", "surge", "surged"},
		Negative: []string{"decrease", "decreased", "decreasing", "decline", "declined", "declining", "fall", "fell", "falling", "drop", "dropped", "lower", "loss", "losses", "shrank", "slump"},
	}
}

func (v *PolarityVerifier) Verify(snap research.Snapshot) []research.Contradiction {
	positive := markerSet(v.Positive)
	negative := markerSet(v.Negative)

	var found []research.Contradiction
	for _, key := range snap.FindingKeys {
		var up, down *research.Evidence
		for i := range snap.Findings[key] {
			ev := &snap.Findings[key][i]
			words := tokens(ev.Claim)
			pos, neg := overlap(words, positive) > 0, overlap(words, negative) > 0
			switch {
			case pos && !neg && up == nil:
				up = ev
			case neg && !pos && down == nil:
				down = ev
			}
		}
		if up == nil || down == nil || up.Digest == down.Digest {
			continue
		}
		if up.SourceURL != "" && up.SourceURL == down.SourceURL {
			continue
		}
		found = append(found, research.Contradiction{
			Key:    key,
			Detail: fmt.Sprintf("%s reports an increase while %s reports a decrease", sourceLabel(up), sourceLabel(down)),
		})
	}
	return found
}

func markerSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func sourceLabel(ev *research.Evidence) string {
	if ev.SourceURL != "" {
		return ev.SourceURL
	}
	return ev.Tool
}

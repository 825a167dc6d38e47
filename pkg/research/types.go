package research

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/kagent-dev/sage/pkg/cache"
)

// Phase is the orchestration phase of a session.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseGathering    Phase = "gathering"
	PhaseAnalysis     Phase = "analysis"
	PhaseVerification Phase = "verification"
	PhaseQualityCheck Phase = "quality_check"
	PhaseFinalizing   Phase = "finalizing"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Status is the lifecycle status of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// SourceType classifies where a source came from.
type SourceType string

const (
	SourceGeneral  SourceType = "general"
	SourceNews     SourceType = "news"
	SourceAcademic SourceType = "academic"
	SourceMarket   SourceType = "market"
	SourceScrape   SourceType = "scrape"
)

// ParseSourceType maps a free-form type to a known SourceType, defaulting to general.
func ParseSourceType(s string) SourceType {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case SourceNews:
		return SourceNews
	case SourceAcademic:
		return SourceAcademic
	case SourceMarket:
		return SourceMarket
	case SourceScrape:
		return SourceScrape
	default:
		return SourceGeneral
	}
}

// Source is one retrieved document.
type Source struct {
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Type        SourceType `json:"type"`
	RetrievedAt time.Time  `json:"retrieved_at"`
	Digest      string     `json:"content_digest"`
}

// Evidence supports a finding.
type Evidence struct {
	Claim      string     `json:"claim"`
	SourceURL  string     `json:"source_url,omitempty"`
	SourceType SourceType `json:"source_type"`
	Tool       string     `json:"tool"`
	Iteration  int        `json:"iteration"`
	Digest     string     `json:"digest"`
}

// Attempt records one dispatched tool call, successful or not.
type Attempt struct {
	Iteration  int                    `json:"iteration"`
	Tool       string                 `json:"tool"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Target     string                 `json:"target,omitempty"`
	FromCache  bool                   `json:"from_cache"`
	NewSources int                    `json:"new_sources"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	Error      string                 `json:"error,omitempty"`
	At         time.Time              `json:"at"`
}

// Failed reports whether the attempt produced an error result.
func (a Attempt) Failed() bool {
	return a.ErrorCode != ""
}

// Contradiction is a conflict logged during verification.
type Contradiction struct {
	Key       string `json:"key"`
	Detail    string `json:"detail"`
	Iteration int    `json:"iteration"`
}

// Gap identifies the sub-question that most lacks evidence.
type Gap struct {
	SubQuestion    string   `json:"sub_question"`
	Evidence       int      `json:"evidence"`
	FailedTools    []string `json:"failed_tools,omitempty"`
	SuggestedQuery string   `json:"suggested_query"`
}

// Assessment is the output of the quality gate.
type Assessment struct {
	Score     float64            `json:"score"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Gap       *Gap               `json:"gap,omitempty"`
}

// Limits bound a session.
type Limits struct {
	MaxIterations    int     `json:"max_iterations"`
	QualityThreshold float64 `json:"quality_threshold"`
	MinSources       int     `json:"min_sources"`
}

// Digest content-addresses a document: the folded content, or the URL when
// the content is empty.
func Digest(url, content string) string {
	basis := cache.NormalizeKey(content)
	if basis == "" {
		basis = strings.TrimSpace(url)
	}
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])
}

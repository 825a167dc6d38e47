package research

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

var transitions = map[Phase][]Phase{
	PhasePlanning:     {PhaseGathering},
	PhaseGathering:    {PhaseAnalysis, PhaseFinalizing},
	PhaseAnalysis:     {PhaseVerification},
	PhaseVerification: {PhaseQualityCheck},
	PhaseQualityCheck: {PhaseFinalizing, PhaseGathering},
}

// Context is the mutable state of one research session.
//
// A Context has a single writer, the orchestration loop. The mutex exists so
// that other goroutines (status endpoints, event consumers) can take
// consistent snapshots while the loop runs.
type Context struct {
	mu sync.RWMutex

	id        string
	goal      string
	limits    Limits
	startTime time.Time
	endTime   time.Time

	phase     Phase
	status    Status
	iteration int

	outline        []string
	sources        []Source
	digests        map[string]struct{}
	findings       map[string][]Evidence
	findingOrder   []string
	attempts       []Attempt
	contradictions []Contradiction

	qualityScore float64
	scored       bool
	gap          *Gap

	summary string
	report  string
	caveat  string
	reason  string
}

// NewContext starts a session for goal in the Planning phase.
func NewContext(goal string, limits Limits) *Context {
	return NewContextWithID(uuid.NewString(), goal, limits)
}

// NewContextWithID is NewContext with a caller-chosen session id.
func NewContextWithID(id, goal string, limits Limits) *Context {
	return &Context{
		id:        id,
		goal:      strings.TrimSpace(goal),
		limits:    limits,
		startTime: time.Now().UTC(),
		phase:     PhasePlanning,
		status:    StatusRunning,
		digests:   make(map[string]struct{}),
		findings:  make(map[string][]Evidence),
	}
}

func (c *Context) ID() string     { return c.id }
func (c *Context) Goal() string   { return c.goal }
func (c *Context) Limits() Limits { return c.limits }

func (c *Context) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Context) Iteration() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iteration
}

func (c *Context) Report() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// QuotaReached reports whether the iteration ceiling has been hit.
func (c *Context) QuotaReached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iteration >= c.limits.MaxIterations
}

// Advance moves to next if the transition is legal. Failed is reachable only
// through Abort and Done only through Complete.
func (c *Context) Advance(next Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(next)
}

func (c *Context) advanceLocked(next Phase) error {
	for _, allowed := range transitions[c.phase] {
		if allowed == next {
			c.phase = next
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrCodeInvalidTransition, "illegal transition %s -> %s", c.phase, next)
}

// NextIteration starts a new loop turn. It fails with QUOTA_EXCEEDED once
// max_iterations turns have been taken.
func (c *Context) NextIteration() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.iteration >= c.limits.MaxIterations {
		return c.iteration, apperrors.Newf(apperrors.ErrCodeQuotaExceeded, "iteration limit %d reached", c.limits.MaxIterations)
	}
	c.iteration++
	return c.iteration, nil
}

// SetOutline records the sub-questions produced during planning.
func (c *Context) SetOutline(outline []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outline = append([]string(nil), outline...)
}

// AddSource appends src unless a source with the same digest is already known.
// It reports whether the source was new.
func (c *Context) AddSource(src Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.digests[src.Digest]; seen {
		return false
	}
	c.digests[src.Digest] = struct{}{}
	c.sources = append(c.sources, src)
	return true
}

// AddEvidence appends evidence under key. Existing evidence is never replaced.
func (c *Context) AddEvidence(key string, ev Evidence) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.findings[key]; !ok {
		c.findingOrder = append(c.findingOrder, key)
	}
	c.findings[key] = append(c.findings[key], ev)
}

// RecordAttempt appends a dispatched call to the attempt log.
func (c *Context) RecordAttempt(a Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
}

// LogContradiction records a conflict found during verification, ignoring
// one already logged for the same key and detail.
func (c *Context) LogContradiction(ct Contradiction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.contradictions {
		if existing.Key == ct.Key && existing.Detail == ct.Detail {
			return false
		}
	}
	c.contradictions = append(c.contradictions, ct)
	return true
}

// ApplyAssessment stores the quality gate's verdict. The score is only ever
// derived here.
func (c *Context) ApplyAssessment(a Assessment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.qualityScore = a.Score
	c.scored = true
	c.gap = a.Gap
}

// SetGap replaces the gap targeted by the next gathering turn without
// rescoring the session.
func (c *Context) SetGap(gap *Gap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gap = gap
}

func (c *Context) SetSummary(summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
}

func (c *Context) SetReport(report string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = report
}

func (c *Context) SetCaveat(caveat string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caveat = caveat
}

// Complete moves a Finalizing session to Done.
func (c *Context) Complete(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseFinalizing {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition, "illegal transition %s -> %s", c.phase, PhaseDone)
	}
	c.phase = PhaseDone
	c.status = StatusCompleted
	c.endTime = now.UTC()
	return nil
}

// Abort ends a running session from any phase. When no report exists yet the
// partial report is compiled from the findings gathered so far.
func (c *Context) Abort(reason string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase.Terminal() {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition, "session already %s", c.status)
	}
	c.phase = PhaseFailed
	c.status = StatusAborted
	c.reason = reason
	c.endTime = now.UTC()
	if c.report == "" {
		c.report = c.partialReportLocked()
	}
	return nil
}

// PartialReport renders the findings gathered so far.
func (c *Context) PartialReport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partialReportLocked()
}

func (c *Context) partialReportLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Partial findings: %s\n", c.goal)
	if len(c.findingOrder) == 0 {
		b.WriteString("\nNo findings were gathered.\n")
		return b.String()
	}
	for _, key := range c.findingOrder {
		fmt.Fprintf(&b, "\n## %s\n", key)
		for _, ev := range c.findings[key] {
			if ev.SourceURL != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", ev.Claim, ev.SourceURL)
			} else {
				fmt.Fprintf(&b, "- %s\n", ev.Claim)
			}
		}
	}
	return b.String()
}

// Snapshot is a read-only copy of a Context.
type Snapshot struct {
	SessionID      string                `json:"session_id"`
	Goal           string                `json:"goal"`
	Limits         Limits                `json:"limits"`
	Phase          Phase                 `json:"phase"`
	Status         Status                `json:"status"`
	Iteration      int                   `json:"iteration"`
	Outline        []string              `json:"outline,omitempty"`
	Sources        []Source              `json:"sources"`
	Findings       map[string][]Evidence `json:"findings"`
	FindingKeys    []string              `json:"finding_keys"`
	Attempts       []Attempt             `json:"attempts"`
	Contradictions []Contradiction       `json:"contradictions,omitempty"`
	QualityScore   float64               `json:"quality_score"`
	Scored         bool                  `json:"scored"`
	Gap            *Gap                  `json:"gap,omitempty"`
	Summary        string                `json:"summary,omitempty"`
	Report         string                `json:"report,omitempty"`
	Caveat         string                `json:"caveat,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time,omitempty"`
}

// Snapshot copies the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	findings := make(map[string][]Evidence, len(c.findings))
	for key, evidence := range c.findings {
		findings[key] = append([]Evidence(nil), evidence...)
	}

	var gap *Gap
	if c.gap != nil {
		g := *c.gap
		g.FailedTools = append([]string(nil), c.gap.FailedTools...)
		gap = &g
	}

	return Snapshot{
		SessionID:      c.id,
		Goal:           c.goal,
		Limits:         c.limits,
		Phase:          c.phase,
		Status:         c.status,
		Iteration:      c.iteration,
		Outline:        append([]string(nil), c.outline...),
		Sources:        append([]Source(nil), c.sources...),
		Findings:       findings,
		FindingKeys:    append([]string(nil), c.findingOrder...),
		Attempts:       append([]Attempt(nil), c.attempts...),
		Contradictions: append([]Contradiction(nil), c.contradictions...),
		QualityScore:   c.qualityScore,
		Scored:         c.scored,
		Gap:            gap,
		Summary:        c.summary,
		Report:         c.report,
		Caveat:         c.caveat,
		Reason:         c.reason,
		StartTime:      c.startTime,
		EndTime:        c.endTime,
	}
}

// FailedAttempts returns the attempts that produced an error result.
func (s Snapshot) FailedAttempts() []Attempt {
	var failed []Attempt
	for _, a := range s.Attempts {
		if a.Failed() {
			failed = append(failed, a)
		}
	}
	return failed
}

// SourceTypes returns the distinct source types seen, sorted.
func (s Snapshot) SourceTypes() []SourceType {
	seen := make(map[SourceType]struct{})
	for _, src := range s.Sources {
		seen[src.Type] = struct{}{}
	}
	types := make([]SourceType, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Duration is the elapsed session time, up to now for running sessions.
func (s Snapshot) Duration(now time.Time) time.Duration {
	if !s.EndTime.IsZero() {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

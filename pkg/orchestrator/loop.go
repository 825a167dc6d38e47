package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kagent-dev/sage/internal/metrics"
	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/events"
	"github.com/kagent-dev/sage/pkg/oracle"
	"github.com/kagent-dev/sage/pkg/quality"
	"github.com/kagent-dev/sage/pkg/research"
	"github.com/kagent-dev/sage/pkg/tools"
)

const (
	DefaultOracleTimeout  = 2 * time.Minute
	DefaultPersistTimeout = 10 * time.Second

	// maxDecisionAttempts is the first decision plus one corrective retry.
	maxDecisionAttempts = 2
	summaryClaimsPerKey = 3
	maxClaimLength      = 280
	maxRecentFailures   = 3
)

// Dispatcher executes tool calls. *tools.Dispatcher implements it.
type Dispatcher interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Loop drives research sessions from Planning to Done or Failed.
type Loop struct {
	dispatcher     Dispatcher
	oracle         oracle.Oracle
	gate           *quality.Gate
	store          cache.Store
	publisher      events.Publisher
	metrics        *metrics.Metrics
	oracleTimeout  time.Duration
	persistTimeout time.Duration
	now            func() time.Time
	tracer         trace.Tracer
}

// Option configures a Loop
type Option func(*Loop)

// WithGate replaces the default quality gate.
func WithGate(g *quality.Gate) Option { return func(l *Loop) { l.gate = g } }

// WithStore persists session records to store.
func WithStore(store cache.Store) Option { return func(l *Loop) { l.store = store } }

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option { return func(l *Loop) { l.publisher = p } }

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

// WithOracleTimeout bounds each oracle call.
func WithOracleTimeout(d time.Duration) Option { return func(l *Loop) { l.oracleTimeout = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// New creates a Loop.
func New(dispatcher Dispatcher, o oracle.Oracle, opts ...Option) *Loop {
	l := &Loop{
		dispatcher:     dispatcher,
		oracle:         o,
		gate:           quality.NewGate(),
		publisher:      events.Nop{},
		oracleTimeout:  DefaultOracleTimeout,
		persistTimeout: DefaultPersistTimeout,
		now:            time.Now,
		tracer:         otel.Tracer("github.com/kagent-dev/sage/pkg/orchestrator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives rc to a terminal phase and persists its record. The Outcome is
// always returned. The error is nil for completed sessions and a
// SESSION_ABORTED error wrapping the cause for aborted ones.
func (l *Loop) Run(ctx context.Context, rc *research.Context) (*Outcome, error) {
	ctx, span := l.tracer.Start(ctx, "research.session", trace.WithAttributes(
		attribute.String("session.id", rc.ID()),
		attribute.Int("session.max_iterations", rc.Limits().MaxIterations),
	))
	defer span.End()

	log := logr.FromContextOrDiscard(ctx).WithName("orchestrator").WithValues("session", rc.ID())
	ctx = logr.NewContext(ctx, log)

	limits := rc.Limits()
	log.Info("Starting research session",
		"goal", rc.Goal(),
		"maxIterations", limits.MaxIterations,
		"qualityThreshold", limits.QualityThreshold,
		"minSources", limits.MinSources)

	l.metrics.SessionStarted()
	l.publish(ctx, rc, events.SessionStarted, map[string]interface{}{"goal": rc.Goal()})

	runErr := l.drive(ctx, rc)
	outcome, err := l.finish(ctx, rc, runErr)

	span.SetAttributes(
		attribute.String("session.status", string(outcome.Status)),
		attribute.Int("session.iterations", outcome.Iterations),
		attribute.Float64("session.quality_score", outcome.QualityScore),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Reason)
	}
	return outcome, err
}

// drive runs phase steps until the session reaches Finalizing and obtains
// its report, or a step fails.
func (l *Loop) drive(ctx context.Context, rc *research.Context) error {
	for {
		phase := rc.Phase()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before %s: %w", phase, err)
		}

		var err error
		switch phase {
		case research.PhasePlanning:
			err = l.plan(ctx, rc)
		case research.PhaseGathering:
			err = l.gather(ctx, rc)
		case research.PhaseAnalysis:
			err = l.analyse(ctx, rc)
		case research.PhaseVerification:
			err = l.verify(ctx, rc)
		case research.PhaseQualityCheck:
			err = l.check(ctx, rc)
		case research.PhaseFinalizing:
			return l.finalize(ctx, rc)
		default:
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition, "cannot run a session in phase %s", phase)
		}
		if err != nil {
			return err
		}
	}
}

func (l *Loop) advance(ctx context.Context, rc *research.Context, next research.Phase) error {
	from := rc.Phase()
	if err := rc.Advance(next); err != nil {
		return err
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("Phase changed", "from", from, "to", next, "iteration", rc.Iteration())
	l.publish(ctx, rc, events.PhaseChanged, map[string]interface{}{"from": string(from)})
	return nil
}

func (l *Loop) plan(ctx context.Context, rc *research.Context) error {
	outline := l.gate.Plan(rc.Goal())
	rc.SetOutline(outline)
	logr.FromContextOrDiscard(ctx).Info("Research outline created", "subQuestions", len(outline))
	return l.advance(ctx, rc, research.PhaseGathering)
}

func (l *Loop) gather(ctx context.Context, rc *research.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	iteration, err := rc.NextIteration()
	if err != nil {
		l.forceFinalization(ctx, rc)
		return l.advance(ctx, rc, research.PhaseFinalizing)
	}
	log.Info("Starting iteration", "iteration", iteration)

	snap := rc.Snapshot()
	decision, err := l.decide(ctx, l.request(snap, research.PhaseGathering, l.dispatcher.Definitions()))
	if err != nil {
		return err
	}

	if decision.Kind == oracle.KindFinalAnswer {
		log.Info("Oracle produced the final report", "iteration", iteration)
		rc.SetReport(decision.Report)
		return l.advance(ctx, rc, research.PhaseFinalizing)
	}

	added := l.dispatch(ctx, rc, iteration, snap, decision.Call)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled during %s: %w", decision.Call.Tool, err)
	}

	if added > 0 || rc.QuotaReached() {
		return l.advance(ctx, rc, research.PhaseAnalysis)
	}

	gap := quality.FindGap(rc.Snapshot())
	rc.SetGap(gap)
	log.V(1).Info("No new sources, retargeting", "subQuestion", gap.SubQuestion, "failedTools", gap.FailedTools)
	return nil
}

// dispatch executes one tool call and folds its documents into the context.
// It returns the number of new sources.
func (l *Loop) dispatch(ctx context.Context, rc *research.Context, iteration int, snap research.Snapshot, call *oracle.ToolCall) int {
	log := logr.FromContextOrDiscard(ctx)

	query := tools.StringArg(call.Arguments, "query")
	if query == "" {
		query = tools.StringArg(call.Arguments, "url")
	}
	target := quality.Assign(snap.Outline, query, "")
	if query == "" && snap.Gap != nil {
		target = snap.Gap.SubQuestion
	}

	result := l.dispatcher.Invoke(ctx, call.Tool, call.Arguments)
	now := l.now().UTC()

	attempt := research.Attempt{
		Iteration: iteration,
		Tool:      call.Tool,
		Arguments: result.Arguments,
		Target:    target,
		FromCache: result.FromCache,
		ErrorCode: result.ErrorCode,
		Error:     result.Error,
		At:        now,
	}

	if !result.Failed() && result.Payload != nil {
		sourceType := research.ParseSourceType(result.Payload.SourceType)
		for _, doc := range result.Payload.Documents {
			digest := research.Digest(doc.URL, doc.Content)
			if !rc.AddSource(research.Source{
				URL:         doc.URL,
				Title:       doc.Title,
				Type:        sourceType,
				RetrievedAt: now,
				Digest:      digest,
			}) {
				continue
			}
			attempt.NewSources++

			key := quality.Assign(snap.Outline, query, doc.Title+" "+doc.Content)
			rc.AddEvidence(key, research.Evidence{
				Claim:      claim(doc),
				SourceURL:  doc.URL,
				SourceType: sourceType,
				Tool:       call.Tool,
				Iteration:  iteration,
				Digest:     digest,
			})
		}
	}
	rc.RecordAttempt(attempt)

	if result.Failed() {
		log.Info("Tool call failed", "tool", call.Tool, "code", result.ErrorCode, "iteration", iteration)
	} else {
		log.Info("Tool call completed", "tool", call.Tool, "fromCache", result.FromCache, "newSources", attempt.NewSources, "iteration", iteration)
	}

	l.publish(ctx, rc, events.ToolResult, map[string]interface{}{
		"tool":        call.Tool,
		"from_cache":  result.FromCache,
		"new_sources": attempt.NewSources,
		"error_code":  result.ErrorCode,
	})
	return attempt.NewSources
}

func (l *Loop) analyse(ctx context.Context, rc *research.Context) error {
	rc.SetSummary(quality.Summarize(rc.Snapshot(), summaryClaimsPerKey))
	return l.advance(ctx, rc, research.PhaseVerification)
}

func (l *Loop) verify(ctx context.Context, rc *research.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	snap := rc.Snapshot()
	for _, ct := range l.gate.Verify(snap) {
		ct.Iteration = snap.Iteration
		if rc.LogContradiction(ct) {
			log.Info("Contradiction logged", "key", ct.Key, "detail", ct.Detail)
		}
	}
	return l.advance(ctx, rc, research.PhaseQualityCheck)
}

func (l *Loop) check(ctx context.Context, rc *research.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	snap := rc.Snapshot()
	limits := snap.Limits
	assessment := l.gate.Assess(snap)
	rc.ApplyAssessment(assessment)

	log.Info("Quality assessed",
		"score", assessment.Score,
		"threshold", limits.QualityThreshold,
		"iteration", snap.Iteration)

	switch {
	case assessment.Score >= limits.QualityThreshold:
		return l.advance(ctx, rc, research.PhaseFinalizing)
	case snap.Iteration < limits.MaxIterations:
		if gap := assessment.Gap; gap != nil {
			log.V(1).Info("Targeting gap", "subQuestion", gap.SubQuestion, "evidence", gap.Evidence, "failedTools", gap.FailedTools)
		}
		return l.advance(ctx, rc, research.PhaseGathering)
	default:
		l.forceFinalization(ctx, rc)
		return l.advance(ctx, rc, research.PhaseFinalizing)
	}
}

// forceFinalization records why the session stops before reaching the
// quality threshold.
func (l *Loop) forceFinalization(ctx context.Context, rc *research.Context) {
	snap := rc.Snapshot()
	caveat := fmt.Sprintf("%s: iteration limit of %d reached before the quality threshold of %.1f (score %.1f); findings may be incomplete.",
		apperrors.ErrCodeQuotaExceeded, snap.Limits.MaxIterations, snap.Limits.QualityThreshold, snap.QualityScore)
	rc.SetCaveat(caveat)
	logr.FromContextOrDiscard(ctx).Info("Forcing finalization", "iteration", snap.Iteration, "score", snap.QualityScore)
}

func (l *Loop) finalize(ctx context.Context, rc *research.Context) error {
	snap := rc.Snapshot()
	if !snap.Scored {
		rc.ApplyAssessment(l.gate.Assess(snap))
		snap = rc.Snapshot()
	}

	report := snap.Report
	if report == "" {
		req := l.request(snap, research.PhaseFinalizing, nil)
		decision, err := l.decide(ctx, req)
		if err != nil {
			return err
		}
		report = decision.Report
	}

	if snap.Caveat != "" {
		report = strings.TrimRight(report, "\n") + "\n\n> **Caveat:** " + snap.Caveat + "\n"
	}
	rc.SetReport(report)
	return nil
}

func (l *Loop) request(snap research.Snapshot, phase research.Phase, defs []tools.Definition) oracle.Request {
	return oracle.Request{
		SessionID:      snap.SessionID,
		Goal:           snap.Goal,
		Phase:          phase,
		Iteration:      snap.Iteration,
		MaxIterations:  snap.Limits.MaxIterations,
		Summary:        quality.Summarize(snap, summaryClaimsPerKey),
		Gap:            snap.Gap,
		RecentFailures: recentFailures(snap, maxRecentFailures),
		Caveat:         snap.Caveat,
		Tools:          defs,
	}
}

// recentFailures returns up to n of the latest failed attempts, oldest first.
func recentFailures(snap research.Snapshot, n int) []research.Attempt {
	failed := snap.FailedAttempts()
	if len(failed) > n {
		failed = failed[len(failed)-n:]
	}
	return failed
}

// decide asks the oracle, allowing one corrective retry for a malformed
// decision. A second failure is a MALFORMED_DECISION error.
func (l *Loop) decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	log := logr.FromContextOrDiscard(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxDecisionAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if l.oracleTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, l.oracleTimeout)
		}
		callCtx, span := l.tracer.Start(callCtx, "oracle.decide", trace.WithAttributes(
			attribute.String("research.phase", string(req.Phase)),
			attribute.Int("oracle.attempt", attempt),
		))
		decision, err := l.oracle.Decide(callCtx, req)
		span.End()
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return oracle.Decision{}, fmt.Errorf("cancelled while waiting for the oracle: %w", ctxErr)
		}

		if err == nil {
			err = oracle.Check(req, decision)
		}
		if err == nil {
			l.metrics.OracleDecision(string(decision.Kind))
			return decision, nil
		}

		l.metrics.OracleDecision(string(oracle.KindMalformed))
		log.Error(err, "Rejected oracle decision", "attempt", attempt, "phase", req.Phase)
		lastErr = err
		req.Corrective = oracle.Corrective(req, err)
	}

	return oracle.Decision{}, apperrors.New(apperrors.ErrCodeMalformedDecision,
		fmt.Sprintf("no valid decision after %d attempts", maxDecisionAttempts), lastErr)
}

// finish moves the session to its terminal phase, persists the record and
// builds the outcome.
func (l *Loop) finish(ctx context.Context, rc *research.Context, runErr error) (*Outcome, error) {
	log := logr.FromContextOrDiscard(ctx)
	now := l.now()

	if runErr == nil {
		runErr = rc.Complete(now)
	}

	var err error
	if runErr != nil {
		if abortErr := rc.Abort(runErr.Error(), now); abortErr != nil {
			log.Error(abortErr, "Failed to abort session")
		}
		err = apperrors.New(apperrors.ErrCodeSessionAborted, "research session aborted", runErr)
	}

	snap := rc.Snapshot()
	detached := context.WithoutCancel(ctx)
	l.persist(detached, snap)
	l.metrics.SessionFinished(string(snap.Status), snap.Iteration, snap.QualityScore)
	l.publish(detached, rc, events.SessionFinished, map[string]interface{}{
		"status":        string(snap.Status),
		"quality_score": snap.QualityScore,
		"reason":        snap.Reason,
	})

	outcome := newOutcome(snap)
	if err != nil {
		log.Error(runErr, "Research session aborted", "phase", snap.Phase, "iterations", outcome.Iterations)
	} else {
		log.Info("Research session completed",
			"iterations", outcome.Iterations,
			"sources", outcome.Sources,
			"qualityScore", outcome.QualityScore,
			"failedAttempts", len(outcome.FailedAttempts),
			"duration", outcome.Duration)
	}
	return outcome, err
}

func (l *Loop) persist(ctx context.Context, snap research.Snapshot) {
	if l.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.persistTimeout)
	defer cancel()

	if err := l.store.SaveSession(ctx, Record(snap)); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "Failed to persist session record")
	}
}

func (l *Loop) publish(ctx context.Context, rc *research.Context, typ events.Type, data map[string]interface{}) {
	event := events.Event{
		SessionID:  rc.ID(),
		Type:       typ,
		Phase:      string(rc.Phase()),
		Iteration:  rc.Iteration(),
		Data:       data,
		OccurredAt: l.now().UTC(),
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "Failed to publish event", "type", typ)
	}
}

// claim condenses a document into a one-line piece of evidence.
func claim(doc tools.Document) string {
	text := strings.Join(strings.Fields(doc.Content), " ")
	title := strings.Join(strings.Fields(doc.Title), " ")
	switch {
	case text == "" && title == "":
		return doc.URL
	case text == "":
		text = title
	case title != "" && !strings.HasPrefix(text, title):
		text = title + ": " + text
	}

	if utf8.RuneCountInString(text) <= maxClaimLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxClaimLength])) + "..."
}

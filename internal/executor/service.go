package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/orchestrator"
	"github.com/kagent-dev/sage/pkg/research"
)

const (
	DefaultMaxConcurrent = 4
	DefaultRetention     = time.Hour
)

// Runner drives one session to completion. *orchestrator.Loop implements it.
type Runner interface {
	Run(ctx context.Context, rc *research.Context) (*orchestrator.Outcome, error)
}

// Request starts a research session. Nil limits fall back to the configured
// defaults.
type Request struct {
	Goal             string   `json:"goal" validate:"required,min=3,max=2000"`
	MaxIterations    *int     `json:"max_iterations,omitempty" validate:"omitempty,min=1,max=100"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty" validate:"omitempty,min=0,max=10"`
	MinSources       *int     `json:"min_sources,omitempty" validate:"omitempty,min=1,max=100"`
}

// Session is the externally visible state of a live or persisted session.
type Session struct {
	ID             string                `json:"session_id"`
	Goal           string                `json:"goal"`
	Status         string                `json:"status"`
	Phase          string                `json:"phase,omitempty"`
	Iteration      int                   `json:"iteration"`
	MaxIterations  int                   `json:"max_iterations,omitempty"`
	QualityScore   float64               `json:"quality_score"`
	Sources        int                   `json:"sources"`
	FailedAttempts int                   `json:"failed_attempts"`
	Report         string                `json:"report,omitempty"`
	Caveat         string                `json:"caveat,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        *time.Time            `json:"end_time,omitempty"`
	Outcome        *orchestrator.Outcome `json:"outcome,omitempty"`
}

// Options configures a Service
type Options struct {
	Defaults      research.Limits
	MaxConcurrent int
	// Retention is how long finished sessions stay queryable in memory.
	// Older ones are served from the store.
	Retention time.Duration
	Logger    logr.Logger
}

type run struct {
	rc      *research.Context
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *orchestrator.Outcome
	err     error
}

// Service runs research sessions concurrently, each in its own goroutine.
type Service struct {
	runner   Runner
	store    cache.Store
	defaults research.Limits
	sem      *semaphore.Weighted
	validate *validator.Validate
	log      logr.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.RWMutex
	active   map[string]*run
	finished *gocache.Cache
	closed   bool
}

// NewService creates a new executor service
func NewService(runner Runner, store cache.Store, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:    runner,
		store:     store,
		defaults:  opts.Defaults,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       opts.Logger.WithName("executor"),
		baseCtx:   baseCtx,
		cancelAll: cancel,
		active:    make(map[string]*run),
		finished:  gocache.New(opts.Retention, opts.Retention/2),
	}
}

// Limits resolves the session limits for req.
func (s *Service) Limits(req Request) research.Limits {
	limits := s.defaults
	if req.MaxIterations != nil {
		limits.MaxIterations = *req.MaxIterations
	}
	if req.QualityThreshold != nil {
		limits.QualityThreshold = *req.QualityThreshold
	}
	if req.MinSources != nil {
		limits.MinSources = *req.MinSources
	}
	return limits
}

// Start validates req and launches the session in the background. It
// returns the new session's initial state.
func (s *Service) Start(req Request) (*Session, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid research request", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionAborted, "executor is shutting down")
	}

	rc := research.NewContext(req.Goal, s.Limits(req))
	log := s.log.WithValues("session", rc.ID())
	ctx, cancel := context.WithCancel(logr.NewContext(s.baseCtx, log))

	r := &run{rc: rc, cancel: cancel, done: make(chan struct{})}
	s.active[rc.ID()] = r
	s.wg.Add(1)
	go s.execute(ctx, r)

	log.Info("Research session accepted", "goal", req.Goal)
	return fromSnapshot(rc.Snapshot(), nil), nil
}

func (s *Service) execute(ctx context.Context, r *run) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()

	log := logr.FromContextOrDiscard(ctx)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.V(1).Info("Session cancelled while queued")
	} else {
		defer s.sem.Release(1)
	}

	outcome, err := s.runner.Run(ctx, r.rc)

	s.mu.Lock()
	r.outcome, r.err = outcome, err
	delete(s.active, r.rc.ID())
	s.finished.SetDefault(r.rc.ID(), r)
	s.mu.Unlock()
}

// Run starts a session and waits for it to finish.
func (s *Service) Run(ctx context.Context, req Request) (*orchestrator.Outcome, error) {
	started, err := s.Start(req)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, started.ID)
}

// Wait blocks until the session finishes. Cancelling ctx cancels the session
// and still waits for its record to be persisted.
func (s *Service) Wait(ctx context.Context, id string) (*orchestrator.Outcome, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %s is not running", id)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.cancel()
		<-r.done
	}
	return r.outcome, r.err
}

func (s *Service) lookup(id string) (*run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.active[id]; ok {
		return r, true
	}
	if v, ok := s.finished.Get(id); ok {
		return v.(*run), true
	}
	return nil, false
}

// Get returns the live state of a session, or its persisted record.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if r, ok := s.lookup(id); ok {
		select {
		case <-r.done:
			return fromSnapshot(r.rc.Snapshot(), r.outcome), nil
		default:
			return fromSnapshot(r.rc.Snapshot(), nil), nil
		}
	}

	if s.store == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %s not found", id)
	}
	record, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %s not found", id)
	}
	return fromRecord(*record), nil
}

// Cancel stops a running session. It is aborted at its next phase boundary.
func (s *Service) Cancel(id string) error {
	s.mu.RLock()
	r, ok := s.active[id]
	s.mu.RUnlock()
	if !ok {
		if _, finished := s.lookup(id); finished {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition, "session %s already finished", id)
		}
		return apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %s is not running", id)
	}

	r.cancel()
	s.log.Info("Research session cancellation requested", "session", id)
	return nil
}

// List returns running sessions followed by the most recent persisted ones.
func (s *Service) List(ctx context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.active))
	seen := make(map[string]bool, len(s.active))
	for id, r := range s.active {
		sessions = append(sessions, *fromSnapshot(r.rc.Snapshot(), nil))
		seen[id] = true
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.After(sessions[j].StartTime) })

	if s.store == nil || (limit > 0 && len(sessions) >= limit) {
		return truncate(sessions, limit), nil
	}

	records, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return truncate(sessions, limit), fmt.Errorf("failed to list stored sessions: %w", err)
	}
	for _, record := range records {
		if !seen[record.SessionID] {
			sessions = append(sessions, *fromRecord(record))
		}
	}
	return truncate(sessions, limit), nil
}

// Running reports the number of sessions in flight.
func (s *Service) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Shutdown cancels all running sessions and waits for their records to be
// persisted, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	running := len(s.active)
	s.mu.Unlock()

	s.log.Info("Shutting down executor", "running", running)
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

func truncate(sessions []Session, limit int) []Session {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}

func fromSnapshot(snap research.Snapshot, outcome *orchestrator.Outcome) *Session {
	session := &Session{
		ID:             snap.SessionID,
		Goal:           snap.Goal,
		Status:         string(snap.Status),
		Phase:          string(snap.Phase),
		Iteration:      snap.Iteration,
		MaxIterations:  snap.Limits.MaxIterations,
		QualityScore:   snap.QualityScore,
		Sources:        len(snap.Sources),
		FailedAttempts: len(snap.FailedAttempts()),
		Caveat:         snap.Caveat,
		Reason:         snap.Reason,
		StartTime:      snap.StartTime,
		Outcome:        outcome,
	}
	if snap.Phase.Terminal() {
		session.Report = snap.Report
		end := snap.EndTime
		session.EndTime = &end
	}
	return session
}

func fromRecord(record cache.SessionRecord) *Session {
	session := &Session{
		ID:           record.SessionID,
		Goal:         record.Goal,
		Status:       record.Status,
		Iteration:    record.Iterations,
		QualityScore: record.QualityScore,
		Report:       record.FinalReport,
		Reason:       record.Reason,
		StartTime:    record.StartTime,
	}
	if !record.EndTime.IsZero() {
		end := record.EndTime
		session.EndTime = &end
	}
	return session
}

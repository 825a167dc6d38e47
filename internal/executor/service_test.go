package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/oracle"
	"github.com/kagent-dev/sage/pkg/orchestrator"
	"github.com/kagent-dev/sage/pkg/research"
	"github.com/kagent-dev/sage/pkg/tools"
)

var defaults = research.Limits{MaxIterations: 5, QualityThreshold: 7, MinSources: 2}

func newService(t *testing.T, o oracle.Oracle, maxConcurrent int) (*Service, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore()
	loop := orchestrator.New(tools.NewDispatcher(tools.NewRegistry(), store), o, orchestrator.WithStore(store))
	svc := NewService(loop, store, Options{Defaults: defaults, MaxConcurrent: maxConcurrent})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, store
}

func answer(report string) oracle.Oracle {
	return oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		return oracle.Final(report), nil
	})
}

// blockingOracle signals entry and waits for release or cancellation.
type blockingOracle struct {
	entered chan string
	release chan struct{}
	current int32
	peak    int32
}

func newBlockingOracle() *blockingOracle {
	return &blockingOracle{entered: make(chan string, 16), release: make(chan struct{})}
}

func (o *blockingOracle) Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	n := atomic.AddInt32(&o.current, 1)
	defer atomic.AddInt32(&o.current, -1)
	for {
		peak := atomic.LoadInt32(&o.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&o.peak, peak, n) {
			break
		}
	}

	o.entered <- req.SessionID
	select {
	case <-o.release:
		return oracle.Final("released"), nil
	case <-ctx.Done():
		return oracle.Decision{}, ctx.Err()
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestStart_ValidatesRequest(t *testing.T) {
	svc, _ := newService(t, answer("unused"), 1)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty goal", req: Request{Goal: "   "}},
		{name: "short goal", req: Request{Goal: "ev"}},
		{name: "zero iterations", req: Request{Goal: "ev market", MaxIterations: intPtr(0)}},
		{name: "threshold above ten", req: Request{Goal: "ev market", QualityThreshold: floatPtr(12)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestLimits(t *testing.T) {
	svc, _ := newService(t, answer("unused"), 1)

	assert.Equal(t, defaults, svc.Limits(Request{Goal: "ev market"}))
	assert.Equal(t,
		research.Limits{MaxIterations: 2, QualityThreshold: 9, MinSources: 2},
		svc.Limits(Request{Goal: "ev market", MaxIterations: intPtr(2), QualityThreshold: floatPtr(9)}))
}

func TestRun_CompletesAndPersists(t *testing.T) {
	svc, store := newService(t, answer("Paris"), 2)

	outcome, err := svc.Run(context.Background(), Request{Goal: "capital of France"})
	require.NoError(t, err)
	assert.Equal(t, research.StatusCompleted, outcome.Status)
	assert.Equal(t, "Paris", outcome.Report)

	session, err := svc.Get(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", session.Status)
	assert.Equal(t, "Paris", session.Report)
	require.NotNil(t, session.EndTime)
	assert.NotNil(t, session.Outcome)

	record, err := store.GetSession(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Paris", record.FinalReport)
	assert.Zero(t, svc.Running())
}

func TestGet(t *testing.T) {
	svc, store := newService(t, answer("unused"), 1)
	ctx := context.Background()

	_, err := svc.Get(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSession(ctx, cache.SessionRecord{
		SessionID:    "stored-1",
		Goal:         "heat pumps",
		StartTime:    start,
		EndTime:      start.Add(time.Minute),
		Status:       "completed",
		FinalReport:  "Heat pump report",
		Iterations:   4,
		QualityScore: 7.5,
	}))

	session, err := svc.Get(ctx, "stored-1")
	require.NoError(t, err)
	assert.Equal(t, "heat pumps", session.Goal)
	assert.Equal(t, 4, session.Iteration)
	assert.Equal(t, "Heat pump report", session.Report)
	assert.Nil(t, session.Outcome)
}

func TestCancel(t *testing.T) {
	o := newBlockingOracle()
	svc, store := newService(t, o, 1)

	started, err := svc.Start(Request{Goal: "grid storage"})
	require.NoError(t, err)
	assert.Equal(t, "running", started.Status)

	<-o.entered
	live, err := svc.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, "gathering", live.Phase)
	assert.Nil(t, live.EndTime)

	require.NoError(t, svc.Cancel(started.ID))

	outcome, err := svc.Wait(context.Background(), started.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, research.StatusAborted, outcome.Status)

	record, err := store.GetSession(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "aborted", record.Status)

	err = svc.Cancel(started.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	err = svc.Cancel("missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
}

func TestConcurrencyIsBounded(t *testing.T) {
	o := newBlockingOracle()
	svc, _ := newService(t, o, 1)

	var ids []string
	for _, goal := range []string{"solar adoption", "wind adoption"} {
		started, err := svc.Start(Request{Goal: goal})
		require.NoError(t, err)
		ids = append(ids, started.ID)
	}

	<-o.entered
	assert.Equal(t, 2, svc.Running())
	select {
	case <-o.entered:
		t.Fatal("second session ran while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(o.release)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			outcome, err := svc.Wait(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, "released", outcome.Report)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&o.peak))
}

func TestList(t *testing.T) {
	o := newBlockingOracle()
	svc, store := newService(t, o, 1)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, cache.SessionRecord{
		SessionID: "old",
		Goal:      "older goal",
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(-50 * time.Minute),
		Status:    "completed",
	}))

	started, err := svc.Start(Request{Goal: "current goal"})
	require.NoError(t, err)
	<-o.entered

	sessions, err := svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, started.ID, sessions[0].ID)
	assert.Equal(t, "running", sessions[0].Status)
	assert.Equal(t, "old", sessions[1].ID)

	limited, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestShutdown(t *testing.T) {
	o := newBlockingOracle()
	svc, store := newService(t, o, 2)

	started, err := svc.Start(Request{Goal: "ocean acidification"})
	require.NoError(t, err)
	<-o.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	record, err := store.GetSession(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "aborted", record.Status)

	_, err = svc.Start(Request{Goal: "after shutdown"})
	assert.Error(t, err)
}

package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// countingTool returns one document per call and counts invocations.
func countingTool(name string, calls *int32) Tool {
	return NewFuncTool(name, "counts calls", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		atomic.AddInt32(calls, 1)
		return &Payload{
			SourceType: "general",
			Query:      StringArg(args, "query"),
			Documents:  []Document{{URL: "https://example.com/ev", Title: "EV", Content: "EV sales grew"}},
		}, nil
	})
}

func newDispatcher(t *testing.T, store cache.Store, tools []Tool, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	return NewDispatcher(registry, store, opts...)
}

// faultyStore fails reads and/or writes on demand.
type faultyStore struct {
	cache.Store
	getErr error
	putErr error
	puts   int32
}

func (s *faultyStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key string, entry cache.Entry) error {
	atomic.AddInt32(&s.puts, 1)
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, key, entry)
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := newDispatcher(t, cache.NewMemoryStore(), nil)

	result := d.Invoke(context.Background(), "nonexistent", map[string]interface{}{"query": "ev"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeUnknownTool, result.ErrorCode)
	assert.Nil(t, result.Payload)
}

func TestDispatcher_InvalidArgumentsNeverReachHandler(t *testing.T) {
	var calls int32
	d := newDispatcher(t, cache.NewMemoryStore(), []Tool{countingTool("web_search", &calls)})

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "missing query", args: map[string]interface{}{}},
		{name: "wrong type", args: map[string]interface{}{"query": 12}},
		{name: "too short", args: map[string]interface{}{"query": "x"}},
		{name: "out of range", args: map[string]interface{}{"query": "ev market", "max_results": 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := d.Invoke(context.Background(), "web_search", tt.args)
			require.True(t, result.Failed())
			assert.Equal(t, apperrors.ErrCodeInvalidArguments, result.ErrorCode)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDispatcher_CacheHitForNormalizedQuery(t *testing.T) {
	var calls int32
	d := newDispatcher(t, cache.NewMemoryStore(), []Tool{countingTool("web_search", &calls)})
	ctx := context.Background()

	first := d.Invoke(ctx, "web_search", map[string]interface{}{"query": "Electric Vehicle Market 2024"})
	require.False(t, first.Failed(), first.Error)
	assert.False(t, first.FromCache)

	second := d.Invoke(ctx, "web_search", map[string]interface{}{"query": "electric vehicle market 2024 "})
	require.False(t, second.Failed(), second.Error)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, first.Payload.Documents, second.Payload.Documents)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcher_StaleEntryCallsTool(t *testing.T) {
	var calls int32
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d := newDispatcher(t, cache.NewMemoryStore(), []Tool{countingTool("web_search", &calls)},
		WithClock(clock), WithFreshnessWindow(time.Hour))
	ctx := context.Background()
	args := map[string]interface{}{"query": "battery prices"}

	require.False(t, d.Invoke(ctx, "web_search", args).Failed())

	now = now.Add(30 * time.Minute)
	assert.True(t, d.Invoke(ctx, "web_search", args).FromCache)

	now = now.Add(2 * time.Hour)
	result := d.Invoke(ctx, "web_search", args)
	assert.False(t, result.FromCache)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcher_HandlerFailureIsIsolated(t *testing.T) {
	failing := NewFuncTool("flaky_search", "always fails", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		return nil, errors.New("upstream returned 503")
	})
	store := cache.NewMemoryStore()
	d := newDispatcher(t, store, []Tool{failing})

	result := d.Invoke(context.Background(), "flaky_search", map[string]interface{}{"query": "ev market"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeToolExecution, result.ErrorCode)
	assert.Contains(t, result.Error, "upstream returned 503")

	entry, err := store.Get(context.Background(), result.CacheKey)
	require.NoError(t, err)
	assert.Nil(t, entry, "failures must not be cached")
}

func TestDispatcher_HandlerPanicIsIsolated(t *testing.T) {
	panicking := NewFuncTool("broken_search", "panics", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		panic("nil map write")
	})
	d := newDispatcher(t, nil, []Tool{panicking})

	result := d.Invoke(context.Background(), "broken_search", map[string]interface{}{"query": "ev market"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeToolExecution, result.ErrorCode)
	assert.Contains(t, result.Error, "nil map write")
}

func TestDispatcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	blocking := NewFuncTool("slow_search", "ignores its context", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		<-release
		return &Payload{}, nil
	})
	d := newDispatcher(t, nil, []Tool{blocking}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	result := d.Invoke(context.Background(), "slow_search", map[string]interface{}{"query": "ev market"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeToolTimeout, result.ErrorCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatcher_ContextAwareTimeout(t *testing.T) {
	waiting := NewFuncTool("ctx_search", "honours its context", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDispatcher(t, nil, []Tool{waiting}, WithTimeout(20*time.Millisecond))

	result := d.Invoke(context.Background(), "ctx_search", map[string]interface{}{"query": "ev market"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeToolTimeout, result.ErrorCode)
}

func TestDispatcher_CancelledCaller(t *testing.T) {
	waiting := NewFuncTool("ctx_search", "honours its context", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDispatcher(t, nil, []Tool{waiting})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.Invoke(ctx, "ctx_search", map[string]interface{}{"query": "ev market"})

	require.True(t, result.Failed())
	assert.Equal(t, apperrors.ErrCodeToolExecution, result.ErrorCode)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestDispatcher_CacheWriteFailureIsSwallowed(t *testing.T) {
	var calls int32
	store := &faultyStore{
		Store:  cache.NewMemoryStore(),
		putErr: apperrors.New(apperrors.ErrCodeCacheWrite, "disk full", nil),
	}
	d := newDispatcher(t, store, []Tool{countingTool("web_search", &calls)})

	result := d.Invoke(context.Background(), "web_search", map[string]interface{}{"query": "ev market"})

	require.False(t, result.Failed(), result.Error)
	require.NotNil(t, result.Payload)
	assert.Len(t, result.Payload.Documents, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.puts))
}

func TestDispatcher_UnavailableCacheStillCallsTool(t *testing.T) {
	var calls int32
	store := &faultyStore{
		Store:  cache.NewMemoryStore(),
		getErr: apperrors.New(apperrors.ErrCodeCacheUnavailable, "connection refused", nil),
	}
	d := newDispatcher(t, store, []Tool{countingTool("web_search", &calls)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result := d.Invoke(ctx, "web_search", map[string]interface{}{"query": "ev market"})
		require.False(t, result.Failed(), result.Error)
		assert.False(t, result.FromCache)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcher_DefaultsAppliedBeforeValidation(t *testing.T) {
	var seen map[string]interface{}
	tool := NewFuncTool("web_search", "", querySchema(), func(ctx context.Context, args map[string]interface{}) (*Payload, error) {
		seen = args
		return &Payload{}, nil
	})
	d := newDispatcher(t, nil, []Tool{tool})

	result := d.Invoke(context.Background(), "web_search", map[string]interface{}{"query": "ev market"})

	require.False(t, result.Failed(), result.Error)
	assert.Equal(t, 5, seen["max_results"])
	assert.NotNil(t, result.Payload)
}

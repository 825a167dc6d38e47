package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kagent-dev/sage/internal/metrics"
	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultFreshnessWindow = 24 * time.Hour
)

// Result is the outcome of one tool invocation. Failures are carried in Err
// rather than returned, so a failing tool never aborts the caller.
type Result struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	CacheKey  string                 `json:"cache_key,omitempty"`
	Payload   *Payload               `json:"payload,omitempty"`
	FromCache bool                   `json:"from_cache"`
	Duration  time.Duration          `json:"duration"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Err       *apperrors.AppError    `json:"-"`
}

// Failed reports whether the invocation produced an error result.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Dispatcher validates and executes tool calls, consulting the cache first.
type Dispatcher struct {
	registry  *Registry
	store     cache.Store
	freshness time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	tracer    trace.Tracer
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithFreshnessWindow sets how long cached results are preferred over live calls.
func WithFreshnessWindow(window time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.freshness = window }
}

// WithTimeout sets the per-call handler timeout.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMetrics records invocation and cache metrics.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher seals registry and returns a dispatcher over it. A nil store
// disables caching.
func NewDispatcher(registry *Registry, store cache.Store, opts ...DispatcherOption) *Dispatcher {
	registry.Seal()

	d := &Dispatcher{
		registry:  registry,
		store:     store,
		freshness: DefaultFreshnessWindow,
		timeout:   DefaultTimeout,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/kagent-dev/sage/pkg/tools"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Definitions describes the registered tools.
func (d *Dispatcher) Definitions() []Definition {
	return d.registry.Definitions()
}

// Invoke runs the named tool. It never returns an error: unknown tools,
// invalid arguments, handler failures and timeouts all come back as a Result
// with Err set.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]interface{}) *Result {
	ctx, span := d.tracer.Start(ctx, "tools.invoke", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	log := logr.FromContextOrDiscard(ctx).WithName("dispatcher").WithValues("tool", name)
	result := &Result{Tool: name, Arguments: args}

	tool, err := d.registry.Get(name)
	if err != nil {
		return d.fail(log, span, result, err.(*apperrors.AppError), metrics.OutcomeRejected)
	}

	schema := tool.Schema()
	args = schema.WithDefaults(args)
	result.Arguments = args
	if err := schema.Validate(d.registry.validate, args); err != nil {
		return d.fail(log, span, result, err.(*apperrors.AppError), metrics.OutcomeRejected)
	}

	result.CacheKey = schema.CacheKey(name, args)
	if payload := d.lookup(ctx, log, result.CacheKey); payload != nil {
		result.Payload = payload
		result.FromCache = true
		span.SetAttributes(attribute.Bool("tool.from_cache", true))
		d.metrics.ObserveTool(name, metrics.OutcomeCacheHit, 0)
		log.V(1).Info("Served tool call from cache", "key", result.CacheKey)
		return result
	}

	start := d.now()
	payload, appErr := d.run(ctx, tool, args)
	result.Duration = d.now().Sub(start)
	if appErr != nil {
		outcome := metrics.OutcomeError
		if appErr.Code == apperrors.ErrCodeToolTimeout {
			outcome = metrics.OutcomeTimeout
		}
		d.metrics.ObserveTool(name, outcome, result.Duration)
		return d.fail(log, span, result, appErr, "")
	}

	if payload == nil {
		payload = &Payload{}
	}
	result.Payload = payload
	d.metrics.ObserveTool(name, metrics.OutcomeSuccess, result.Duration)
	log.V(1).Info("Tool execution completed", "documents", len(payload.Documents), "duration", result.Duration)

	d.save(ctx, log, result.CacheKey, payload)
	return result
}

func (d *Dispatcher) lookup(ctx context.Context, log logr.Logger, key string) *Payload {
	if d.store == nil {
		return nil
	}

	entry, err := d.store.Get(ctx, key)
	if err != nil {
		d.metrics.CacheLookup(metrics.LookupUnavailable)
		log.Error(err, "Cache lookup failed, calling tool directly", "key", key)
		return nil
	}
	if entry == nil {
		d.metrics.CacheLookup(metrics.LookupMiss)
		return nil
	}
	if !cache.Fresh(entry, d.freshness, d.now()) {
		d.metrics.CacheLookup(metrics.LookupStale)
		return nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(entry.Value), &payload); err != nil {
		d.metrics.CacheLookup(metrics.LookupMiss)
		log.V(1).Info("Ignoring undecodable cache entry", "key", key, "error", err.Error())
		return nil
	}
	d.metrics.CacheLookup(metrics.LookupHit)
	return &payload
}

// save writes a successful result back to the cache. Failures are logged and
// swallowed.
func (d *Dispatcher) save(ctx context.Context, log logr.Logger, key string, payload *Payload) {
	if d.store == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error(err, "Failed to encode tool result for cache", "key", key)
		return
	}

	err = d.store.Put(ctx, key, cache.Entry{
		Value:      string(data),
		Timestamp:  d.now(),
		SourceType: payload.SourceType,
	})
	if err != nil {
		d.metrics.CacheWriteFailed()
		log.Error(err, "Failed to write tool result to cache", "key", key)
	}
}

type runOutcome struct {
	payload *Payload
	err     error
}

// run executes the handler in its own goroutine so that a handler ignoring
// its context still cannot hold the caller past the timeout.
func (d *Dispatcher) run(ctx context.Context, tool Tool, args map[string]interface{}) (*Payload, *apperrors.AppError) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		payload, err := tool.Run(callCtx, args)
		done <- runOutcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.payload, nil
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, d.timeoutError(tool.Name(), out.err)
		}
		return nil, apperrors.New(apperrors.ErrCodeToolExecution, fmt.Sprintf("tool %s failed", tool.Name()), out.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, apperrors.New(apperrors.ErrCodeToolExecution, fmt.Sprintf("tool %s cancelled", tool.Name()), ctx.Err())
		}
		return nil, d.timeoutError(tool.Name(), callCtx.Err())
	}
}

func (d *Dispatcher) timeoutError(name string, cause error) *apperrors.AppError {
	return apperrors.New(apperrors.ErrCodeToolTimeout, fmt.Sprintf("tool %s exceeded %s", name, d.timeout), cause)
}

func (d *Dispatcher) fail(log logr.Logger, span trace.Span, result *Result, err *apperrors.AppError, outcome string) *Result {
	result.Err = err
	result.ErrorCode = err.Code
	result.Error = err.Error()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Code)
	if outcome != "" {
		d.metrics.ObserveTool(result.Tool, outcome, 0)
	}
	log.Error(err, "Tool execution failed", "code", err.Code)
	return result
}

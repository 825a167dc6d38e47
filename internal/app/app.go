package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/kagent-dev/sage/internal/config"
	"github.com/kagent-dev/sage/internal/executor"
	"github.com/kagent-dev/sage/internal/metrics"
	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/events"
	"github.com/kagent-dev/sage/pkg/oracle"
	"github.com/kagent-dev/sage/pkg/oracle/llm"
	"github.com/kagent-dev/sage/pkg/orchestrator"
	"github.com/kagent-dev/sage/pkg/tools"
	"github.com/kagent-dev/sage/pkg/tools/search"
)

// Version is stamped at build time.
var Version = "dev"

// App holds the wired components shared by the CLI and the server.
type App struct {
	Config     *config.Config
	Log        logr.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Store      cache.Store
	Tools      *tools.Registry
	Dispatcher *tools.Dispatcher
	Bus        *events.Bus
	Oracle     oracle.Oracle
	Loop       *orchestrator.Loop
	Sessions   *executor.Service

	closers []func() error
}

type options struct {
	oracle        oracle.Oracle
	registerTools func(*tools.Registry) error
	httpClient    *http.Client
	skipOracle    bool
}

// Option customizes New.
type Option func(*options)

// WithOracle uses o instead of the configured LLM provider.
func WithOracle(o oracle.Oracle) Option { return func(opts *options) { opts.oracle = o } }

// WithTools replaces the built-in search tools.
func WithTools(register func(*tools.Registry) error) Option {
	return func(opts *options) { opts.registerTools = register }
}

// WithHTTPClient sets the client used by the search tools.
func WithHTTPClient(c *http.Client) Option { return func(opts *options) { opts.httpClient = c } }

// WithoutOracle wires only the tool layer, for commands that never start a
// session.
func WithoutOracle() Option { return func(opts *options) { opts.skipOracle = true } }

// New wires the application from cfg. The cache is opened eagerly; when it
// cannot be reached the app runs uncached.
func New(ctx context.Context, cfg *config.Config, log logr.Logger, opts ...Option) (*App, error) {
	o := &options{httpClient: &http.Client{Timeout: cfg.Tools.Timeout}}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	ctx = logr.NewContext(ctx, log)
	a.Store = a.openStore(ctx)

	a.Tools = tools.NewRegistry()
	register := o.registerTools
	if register == nil {
		register = func(r *tools.Registry) error { return search.Register(r, searchOptions(cfg, o.httpClient)) }
	}
	if err := register(a.Tools); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	a.Dispatcher = tools.NewDispatcher(a.Tools, a.Store,
		tools.WithFreshnessWindow(cfg.Cache.FreshnessWindow),
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithMetrics(a.Metrics))

	if o.skipOracle {
		return a, nil
	}

	a.Oracle = o.oracle
	if a.Oracle == nil {
		built, err := newOracle(cfg.Oracle, log)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.Oracle = built
	}

	a.Bus = events.NewBus(log)
	a.closers = append(a.closers, a.Bus.Close)
	publisher := events.Multi{a.Bus}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			log.Error(err, "NATS event sink unavailable, continuing without it", "url", cfg.Events.NATSURL)
		} else {
			publisher = append(publisher, nats)
			a.closers = append(a.closers, nats.Close)
		}
	}

	a.Loop = orchestrator.New(a.Dispatcher, a.Oracle,
		orchestrator.WithStore(a.Store),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithOracleTimeout(cfg.Research.OracleTimeout))

	a.Sessions = executor.NewService(a.Loop, a.Store, executor.Options{
		Defaults:      cfg.Limits(),
		MaxConcurrent: cfg.Executor.MaxConcurrentSessions,
		Logger:        log,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context) cache.Store {
	cfg := a.Config.Cache
	store, err := cache.Open(ctx, cache.Options{Driver: cfg.Driver, DSN: cfg.DSN, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		a.Log.Error(err, "Cache store unavailable, running uncached", "driver", cfg.Driver)
		return cache.Unavailable(err)
	}
	a.Log.V(1).Info("Cache store opened", "driver", cfg.Driver)
	a.closers = append(a.closers, store.Close)
	return store
}

// newOracle builds the provider chain: the primary first, then every
// fallback that has a key.
func newOracle(cfg config.OracleConfig, log logr.Logger) (oracle.Oracle, error) {
	chain := llm.NewChain()
	primary, err := llm.NewProvider(llm.ProviderConfig{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if err := chain.Add(primary, cfg.Model); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "invalid oracle provider", err)
	}

	for _, f := range cfg.Fallbacks {
		if f.APIKey == "" {
			log.Info("Skipping fallback provider without API key", "provider", f.Provider, "keyEnv", f.APIKeyEnv)
			continue
		}
		provider, err := llm.NewProvider(llm.ProviderConfig{Provider: f.Provider, APIKey: f.APIKey, BaseURL: f.BaseURL})
		if err != nil {
			return nil, err
		}
		if err := chain.Add(provider, f.Model); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "invalid fallback provider", err)
		}
	}

	log.V(1).Info("Oracle providers", "order", chain.Names())
	return llm.NewChainOracle(chain, llm.WithTemperature(cfg.Temperature), llm.WithMaxTokens(cfg.MaxTokens))
}

func searchOptions(cfg *config.Config, client *http.Client) search.Options {
	return search.Options{
		TavilyAPIKey:   cfg.Tools.TavilyAPIKey,
		HTTPClient:     client,
		UserAgent:      cfg.Tools.UserAgent,
		NewsLanguage:   cfg.Tools.NewsLanguage,
		NewsRegion:     cfg.Tools.NewsRegion,
		DuckDuckGoRate: rate.Limit(cfg.Tools.DuckDuckGoRate),
		ScrapeMaxChars: cfg.Tools.ScrapeMaxChars,
	}
}

// Close stops running sessions, waits for their records and releases every
// resource, reporting all failures.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.Sessions != nil {
		timeout := a.Config.Executor.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := a.Sessions.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

package sage

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagent-dev/sage/internal/app"
	"github.com/kagent-dev/sage/internal/config"
	"github.com/kagent-dev/sage/internal/logging"
	"github.com/kagent-dev/sage/internal/telemetry"
)

// DefaultConfigFile is used when --config is not given and the file exists.
const DefaultConfigFile = "sage.yaml"

// GlobalConfig holds the flags shared by every command
type GlobalConfig struct {
	ConfigFile string
	EnvFiles   []string
	Verbose    bool
	NoColor    bool

	viper *viper.Viper
}

// flagBindings maps persistent flags to configuration keys.
var flagBindings = []struct {
	flag string
	key  string
}{
	{"max-iterations", "research.max_iterations"},
	{"quality-threshold", "research.quality_threshold"},
	{"min-sources", "research.min_sources"},
	{"cache-driver", "cache.driver"},
	{"cache-dsn", "cache.dsn"},
	{"provider", "oracle.provider"},
	{"model", "oracle.model"},
	{"log-level", "logging.level"},
	{"log-file", "logging.file"},
}

// NewRootCmd creates the sage command tree
func NewRootCmd() *cobra.Command {
	cfg := &GlobalConfig{viper: config.NewViper()}

	cmd := &cobra.Command{
		Use:   "sage",
		Short: "Autonomous research assistant",
		Long: `Sage researches a goal by searching the web, news, academic and market
sources, cross-checking what it finds and writing a report once the
evidence is good enough.

Tool results are cached and shared between sessions, so repeated queries
are answered without network calls.

Examples:
  sage run "State of solid-state battery manufacturing in 2025"
  sage run "EV adoption in Norway" --max-iterations 10 --output auto
  sage serve --port 8080
  sage sessions list
  sage tools list`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfg.NoColor {
				color.NoColor = true
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.ConfigFile, "config", "", "Path to configuration file (default sage.yaml when present)")
	flags.StringSliceVar(&cfg.EnvFiles, "env-file", []string{".env"}, "Environment files to load before reading configuration")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output")
	flags.Int("max-iterations", 0, "Maximum research iterations per session")
	flags.Float64("quality-threshold", 0, "Quality score required to finalize, 0-10")
	flags.Int("min-sources", 0, "Sources to gather before analysis")
	flags.String("cache-driver", "", "Cache backend: sqlite, postgres, memory or redis")
	flags.String("cache-dsn", "", "Cache connection string or sqlite file")
	flags.String("provider", "", "LLM provider: openai, anthropic or gemini")
	flags.String("model", "", "LLM model name")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Write rotated JSON logs to this file")

	for _, b := range flagBindings {
		_ = cfg.viper.BindPFlag(b.key, flags.Lookup(b.flag))
	}

	cmd.AddCommand(NewRunCmd(cfg))
	cmd.AddCommand(NewServeCmd(cfg))
	cmd.AddCommand(NewSessionsCmd(cfg))
	cmd.AddCommand(NewToolsCmd(cfg))
	cmd.AddCommand(NewMCPCmd(cfg))
	cmd.AddCommand(NewConfigCmd(cfg))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// configPath returns the explicit config file, or the default one when it
// exists.
func (g *GlobalConfig) configPath() string {
	if g.ConfigFile != "" {
		return g.ConfigFile
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// LoadConfig reads env files, the config file and flag overrides.
func (g *GlobalConfig) LoadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(g.EnvFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath(), g.viper)
	if err != nil {
		return nil, err
	}
	if g.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime is the process-level setup shared by commands that build an App.
type runtime struct {
	cfg      *config.Config
	log      logr.Logger
	app      *app.App
	flush    func()
	shutdown telemetry.Shutdown
}

// newRuntime loads configuration, installs logging and tracing, and wires
// the application. Callers must defer close.
func (g *GlobalConfig) newRuntime(ctx context.Context, jsonLogs bool, opts ...app.Option) (*runtime, error) {
	cfg, err := g.LoadConfig()
	if err != nil {
		return nil, err
	}

	log, flush, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		JSONConsole: jsonLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	ctx = logr.NewContext(ctx, log)

	shutdown, err := telemetry.InitTracer(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     app.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Error(err, "Tracing disabled")
		shutdown = func(context.Context) error { return nil }
	}

	a, err := app.New(ctx, cfg, log, opts...)
	if err != nil {
		_ = shutdown(ctx)
		flush()
		return nil, err
	}

	return &runtime{cfg: cfg, log: log, app: a, flush: flush, shutdown: shutdown}, nil
}

func (r *runtime) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := r.app.Close(ctx); err != nil {
		r.log.Error(err, "Failed to close application")
	}
	if err := r.shutdown(ctx); err != nil {
		r.log.Error(err, "Failed to flush traces")
	}
	r.flush()
}

// NewVersionCmd prints the build version
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sage version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

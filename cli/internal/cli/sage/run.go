package sage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stoewer/go-strcase"

	"github.com/kagent-dev/sage/internal/executor"
	"github.com/kagent-dev/sage/pkg/events"
	"github.com/kagent-dev/sage/pkg/orchestrator"
	"github.com/kagent-dev/sage/pkg/research"
)

// AutoOutput asks run to pick a report file name from the goal.
const AutoOutput = "auto"

const maxSlugLength = 60

// RunConfig holds configuration for the run command
type RunConfig struct {
	Goal   string
	Output string
	JSON   bool
	Quiet  bool
}

// NewRunCmd creates the run command
func NewRunCmd(global *GlobalConfig) *cobra.Command {
	cfg := &RunConfig{}

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Research a goal and print the report",
		Long: `Run a research session to completion and print the final report.

The session stops when the quality gate passes or the iteration limit is
reached. In the latter case the report carries a caveat. Press Ctrl+C to
abort; the partial session is still recorded.

Examples:
  sage run "Impact of heat pumps on European gas demand"
  sage run "Lithium price outlook" --output auto
  sage run "Lithium price outlook" --output report.md --max-iterations 8
  sage run "Lithium price outlook" --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Goal = args[0]
			return runResearch(cmd.Context(), global, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "Write the report to a file; \"auto\" derives the name from the goal")
	cmd.Flags().BoolVar(&cfg.JSON, "json", false, "Print the full outcome as JSON")
	cmd.Flags().BoolVarP(&cfg.Quiet, "quiet", "q", false, "Do not show progress")

	return cmd
}

func runResearch(ctx context.Context, global *GlobalConfig, cfg *RunConfig, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := global.newRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	started, err := rt.app.Sessions.Start(executor.Request{Goal: cfg.Goal})
	if err != nil {
		return err
	}

	var spin *progress
	if !cfg.Quiet {
		spin = newProgress(stderr)
		spin.Start()
		if updates, err := rt.app.Bus.Subscribe(ctx, started.ID); err == nil {
			go spin.follow(updates)
		}
	}

	outcome, err := rt.app.Sessions.Wait(ctx, started.ID)
	if spin != nil {
		spin.Stop()
	}
	if outcome == nil {
		return err
	}

	if cfg.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(outcome); encErr != nil {
			return encErr
		}
		return err
	}

	if outcome.Status == research.StatusCompleted {
		if cfg.Output != "" {
			path := cfg.Output
			if path == AutoOutput {
				path = ReportFileName(outcome.Goal, outcome.EndTime)
			}
			if writeErr := os.WriteFile(path, []byte(outcome.Report), 0644); writeErr != nil {
				return fmt.Errorf("failed to write report: %w", writeErr)
			}
			fmt.Fprintf(stderr, "Report written to %s\n", path)
		} else {
			fmt.Fprintln(stdout, outcome.Report)
		}
	}
	fmt.Fprintln(stderr, Summary(outcome))
	return err
}

// ReportFileName derives a markdown file name from the goal and finish date.
func ReportFileName(goal string, at time.Time) string {
	slug := strcase.KebabCase(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, goal))
	slug = strings.Trim(strings.Join(strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == ' ' }), "-"), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "research"
	}
	return fmt.Sprintf("%s-%s.md", slug, at.Format("2006-01-02"))
}

// Summary renders a one-line colored status of the outcome.
func Summary(o *orchestrator.Outcome) string {
	status := color.GreenString(string(o.Status))
	switch {
	case o.Status == research.StatusAborted:
		status = color.RedString(string(o.Status))
	case o.Caveat != "":
		status = color.YellowString("%s with caveat", o.Status)
	}

	line := fmt.Sprintf("%s  %s  iterations=%d sources=%d quality=%.1f duration=%s",
		status, o.SessionID, o.Iterations, o.Sources, o.QualityScore, o.Duration.Round(time.Millisecond))
	if len(o.FailedAttempts) > 0 {
		line += fmt.Sprintf(" failed_attempts=%d", len(o.FailedAttempts))
	}
	if o.Reason != "" {
		line += "\n" + color.RedString("reason: ") + o.Reason
	}
	return line
}

type progress struct {
	*spinner.Spinner
}

func newProgress(w io.Writer) *progress {
	s := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " planning"
	return &progress{Spinner: s}
}

func (p *progress) follow(updates <-chan events.Event) {
	for event := range updates {
		if suffix := progressLine(event); suffix != "" {
			p.Lock()
			p.Suffix = " " + suffix
			p.Unlock()
		}
	}
}

func progressLine(event events.Event) string {
	switch event.Type {
	case events.PhaseChanged:
		return fmt.Sprintf("%s (iteration %d)", strings.ReplaceAll(event.Phase, "_", " "), event.Iteration)
	case events.ToolResult:
		tool, _ := event.Data["tool"].(string)
		return fmt.Sprintf("%s (iteration %d) %s", strings.ReplaceAll(event.Phase, "_", " "), event.Iteration, tool)
	default:
		return ""
	}
}

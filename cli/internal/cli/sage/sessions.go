package sage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/sage/internal/app"
	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// NewSessionsCmd creates the sessions command
func NewSessionsCmd(global *GlobalConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded research sessions",
		Long: `List and show the session records kept in the cache store.

Examples:
  sage sessions list --limit 10
  sage sessions show 5f0c1a2e-...`,
	}

	cmd.AddCommand(newSessionsListCmd(global))
	cmd.AddCommand(newSessionsShowCmd(global))
	return cmd
}

func newSessionsListCmd(global *GlobalConfig) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), global, func(ctx context.Context, store cache.Store) error {
				records, err := store.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				RenderSessions(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to list")
	return cmd
}

func newSessionsShowCmd(global *GlobalConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a recorded session and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), global, func(ctx context.Context, store cache.Store) error {
				record, err := store.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if record == nil {
					return apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %s not found", args[0])
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(record)
				}
				RenderSessions(out, []cache.SessionRecord{*record})
				if record.Reason != "" {
					fmt.Fprintf(out, "\nReason: %s\n", record.Reason)
				}
				if record.FinalReport != "" {
					fmt.Fprintf(out, "\n%s\n", record.FinalReport)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the record as JSON")
	return cmd
}

// withStore runs fn against the configured cache store without wiring an
// oracle.
func withStore(ctx context.Context, global *GlobalConfig, fn func(context.Context, cache.Store) error) error {
	rt, err := global.newRuntime(ctx, false, app.WithoutOracle())
	if err != nil {
		return err
	}
	defer rt.close(ctx)
	return fn(ctx, rt.app.Store)
}

// RenderSessions writes records as a table.
func RenderSessions(w io.Writer, records []cache.SessionRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Session", "Status", "Goal", "Iterations", "Quality", "Started", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Goal", WidthMax: 48},
		{Name: "Iterations", Align: text.AlignRight},
		{Name: "Quality", Align: text.AlignRight},
	})
	for _, r := range records {
		duration := "-"
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.SessionID,
			r.Status,
			r.Goal,
			r.Iterations,
			fmt.Sprintf("%.1f", r.QualityScore),
			r.StartTime.Local().Format("2006-01-02 15:04"),
			duration,
		})
	}
	t.Render()
}

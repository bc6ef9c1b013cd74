package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/pipeline"
	"github.com/teemow/inboxflow/internal/server"
)

func newRunCmd() *cobra.Command {
	var (
		query       string
		maxResults  int
		retryFailed bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of messages and exit",
		Long: `Resume executions a previous process left unfinished, then list messages
matching the query and run each one through fetch, summarize and write.

Messages that already have a Notion page are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("query") {
				a.cfg.Gmail.Query = query
			}
			if cmd.Flags().Changed("max-results") {
				a.cfg.Gmail.MaxResults = maxResults
			}
			if cmd.Flags().Changed("retry-failed") {
				a.cfg.Pipeline.RetryFailed = retryFailed
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := a.startInstrumentation(ctx); err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			deps, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			summary, err := runBatch(ctx, a, deps.orchestrator)
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "Gmail search query (default gmail.query from config)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum messages to list (default gmail.max_results from config)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Process messages whose earlier execution failed")
	return cmd
}

// runBatch resumes unfinished executions and then runs a fresh batch. The
// summary covers both even when an error cut the batch short.
func runBatch(ctx context.Context, a *app, orch *pipeline.Orchestrator) (server.BatchSummary, error) {
	logger := logging.WithPipeline(a.logger, a.cfg.Pipeline.ID)

	resumed, err := orch.Resume(ctx)
	if err != nil {
		summary := summarize(time.Now(), resumed)
		summary.Error = err.Error()
		return summary, err
	}
	if resumed.Total() > 0 {
		logger.Info("resumed unfinished executions",
			"succeeded", len(resumed.Succeeded),
			"failed", len(resumed.Failed),
			"interrupted", len(resumed.Interrupted))
	}

	fresh, err := orch.Run(ctx)
	summary := summarize(time.Now(), resumed, fresh)
	if err != nil {
		summary.Error = err.Error()
		logger.Error("batch aborted", logging.Err(err))
		return summary, err
	}
	logger.Info("batch finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"interrupted", summary.Interrupted)
	return summary, nil
}

func summarize(at time.Time, results ...*pipeline.BatchResult) server.BatchSummary {
	s := server.BatchSummary{FinishedAt: at}
	for _, r := range results {
		if r == nil {
			continue
		}
		s.Succeeded += len(r.Succeeded)
		s.Failed += len(r.Failed)
		s.Skipped += len(r.Skipped)
		s.Interrupted += len(r.Interrupted)
	}
	return s
}

func printSummary(w io.Writer, s server.BatchSummary) {
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped, %d interrupted\n",
		s.Succeeded, s.Failed, s.Skipped, s.Interrupted)
	if s.Failed > 0 {
		fmt.Fprintln(w, "Run `inboxflow executions --status failed` for details.")
	}
}

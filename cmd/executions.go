package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/model"
	"github.com/teemow/inboxflow/internal/store"
)

func newExecutionsCmd() *cobra.Command {
	var (
		limit        int
		status       string
		allPipelines bool
	)

	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "List recent execution records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			st, err := a.executionStore()
			if err != nil {
				return err
			}
			defer st.Close()

			pipelineID := a.cfg.Pipeline.ID
			if allPipelines {
				pipelineID = ""
			}

			var recs []model.ExecutionRecord
			if status != "" {
				s, err := parseStatus(status)
				if err != nil {
					return err
				}
				if allPipelines {
					return apperrors.Configf("executions", "--status needs a single pipeline")
				}
				recs, err = st.ListByStatus(cmd.Context(), pipelineID, s)
				if err != nil {
					return err
				}
				if limit > 0 && len(recs) > limit {
					recs = recs[len(recs)-limit:]
				}
			} else {
				recs, err = st.ListRecent(cmd.Context(), pipelineID, limit)
				if err != nil {
					return err
				}
			}

			printExecutions(cmd.OutOrStdout(), recs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "Maximum records to show")
	cmd.Flags().StringVar(&status, "status", "", "Only show records with this status (pending, retrying, succeeded, failed)")
	cmd.Flags().BoolVar(&allPipelines, "all-pipelines", false, "Include records of every pipeline id")
	return cmd
}

func parseStatus(s string) (model.Status, error) {
	switch st := model.Status(strings.ToLower(s)); st {
	case model.StatusPending, model.StatusRetrying, model.StatusSucceeded, model.StatusFailed:
		return st, nil
	}
	return "", apperrors.Configf("executions", "unknown status %q", s)
}

func printExecutions(w io.Writer, recs []model.ExecutionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No executions recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPIPELINE\tMESSAGE\tSTAGE\tSTATUS\tATTEMPTS\tDOCUMENT\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.PipelineID, r.MessageID, r.Stage, r.Status, r.Attempts,
			orDash(r.DocumentID), orDash(truncate(r.Error, 80)))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

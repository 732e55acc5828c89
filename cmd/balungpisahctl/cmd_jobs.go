package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"balungpisah/pkg/domain"
)

func newJobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry extraction jobs",
	}
	cmd.AddCommand(newJobsListCmd(opts), newJobsGetCmd(opts), newJobsRetryCmd(opts))
	return cmd
}

func newJobsListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extraction jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("jobs list: %w", err)
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			target := joinURL(opts.extractorURL, "internal", "jobs")
			if len(q) > 0 {
				target += "?" + q.Encode()
			}
			var body struct {
				Jobs []domain.ReportJob `json:"jobs"`
			}
			if _, err := c.do(cmd.Context(), http.MethodGet, target, audienceExtractor, nil, &body); err != nil {
				return fmt.Errorf("jobs list: %w", err)
			}
			if len(body.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREPORT\tSTATUS\tRETRIES\tSUBMITTED\tERROR")
			for _, j := range body.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.ReportID, j.Status, j.RetryCount, j.SubmittedAt.Format(time.RFC3339), j.ErrorMessage)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (submitted, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (server default when 0)")
	return cmd
}

func newJobsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one extraction job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("jobs get: %w", err)
			}
			var job domain.ReportJob
			if _, err := c.do(cmd.Context(), http.MethodGet, joinURL(opts.extractorURL, "internal", "jobs", url.PathEscape(args[0])), audienceExtractor, nil, &job); err != nil {
				return fmt.Errorf("jobs get: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s\n  report:   %s\n  status:   %s\n  retries:  %d\n", job.ID, job.ReportID, job.Status, job.RetryCount)
			if job.NextAttemptAt != nil {
				fmt.Fprintf(out, "  next:     %s\n", job.NextAttemptAt.Format(time.RFC3339))
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "  error:    %s\n", job.ErrorMessage)
			}
			return nil
		},
	}
}

func newJobsRetryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Queue a fresh attempt for a failed job",
		Long:  "Failed jobs are never picked up again on their own. retry queues a new job\nfor the same report, or reports the job that is already waiting.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("jobs retry: %w", err)
			}
			job, created, err := retryJob(cmd.Context(), c, opts.extractorURL, args[0])
			if err != nil {
				return fmt.Errorf("jobs retry: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for report %s\n", job.ID, job.ReportID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is already waiting for report %s\n", job.ID, job.ReportID)
			return nil
		},
	}
}

func retryJob(ctx context.Context, c *client, base, id string) (domain.ReportJob, bool, error) {
	var body struct {
		Job     domain.ReportJob `json:"job"`
		Created bool             `json:"created"`
	}
	if _, err := c.do(ctx, http.MethodPost, joinURL(base, "internal", "jobs", url.PathEscape(id), "retry"), audienceExtractor, nil, &body); err != nil {
		return domain.ReportJob{}, false, err
	}
	return body.Job, body.Created, nil
}

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/report"
)

// intakeBasePath prefixes every intake route, internal ones included.
const intakeBasePath = "/api/citizen-report-agent"

func newReportsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Apply review actions to reports",
	}
	cmd.AddCommand(newReportsTransitionCmd(opts))
	return cmd
}

func newReportsTransitionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transition <report-id> <status>",
		Short: "Move a report along its review lifecycle",
		Long:  "Moves a report to verified, in_progress, resolved or rejected. draft -> pending\nis reserved for extraction and is refused by the intake service.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, ok := report.ParseStatus(strings.TrimSpace(args[1]))
			if !ok {
				return fmt.Errorf("reports transition: unknown status %q", args[1])
			}
			c, err := opts.client()
			if err != nil {
				return fmt.Errorf("reports transition: %w", err)
			}
			target := strings.TrimRight(opts.intakeURL, "/") + intakeBasePath + "/internal/reports/" + url.PathEscape(args[0]) + "/transition"
			var rep domain.Report
			if _, err := c.do(cmd.Context(), http.MethodPost, target, audienceIntake, map[string]string{"status": string(to)}, &rep); err != nil {
				return fmt.Errorf("reports transition: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report %s (%s) is now %s\n", rep.ID, rep.ReferenceNumber, rep.Status)
			return nil
		},
	}
}

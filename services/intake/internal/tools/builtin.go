package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/store"
)

const (
	SearchReportsName   = "search_reports"
	GetReportStatusName = "get_report_status"
	CreateReportName    = "create_report"
)

// Builtins returns the intake assistant's tool set backed by the report store.
func Builtins(reports store.ReportStore) []Tool {
	return []Tool{
		SearchReports(reports),
		GetReportStatus(reports),
		CreateReport(reports),
	}
}

type reportSummary struct {
	ReferenceNumber string              `json:"reference_number"`
	Title           string              `json:"title"`
	Status          domain.ReportStatus `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
}

func summarize(r domain.Report) reportSummary {
	return reportSummary{
		ReferenceNumber: r.ReferenceNumber,
		Title:           r.Title,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
	}
}

func SearchReports(reports store.ReportStore) Tool {
	return Tool{
		Def: mcp.NewTool(SearchReportsName,
			mcp.WithDescription("Search the citizen's earlier reports by title or description, to avoid duplicate reports."),
			mcp.WithString("query", mcp.Description("Words to search for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5, max 20)")),
		),
		ReadOnly: true,
		Handler: func(ctx context.Context, inv Invocation, req mcp.CallToolRequest) (any, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return nil, errors.New("query is required")
			}
			limit := req.GetInt("limit", 5)
			if limit <= 0 || limit > 20 {
				limit = 5
			}
			found, err := reports.SearchReports(ctx, inv.User.UserID, query, limit)
			if err != nil {
				return nil, fmt.Errorf("search reports: %w", err)
			}
			out := make([]reportSummary, 0, len(found))
			for _, r := range found {
				out = append(out, summarize(r))
			}
			return map[string]any{"reports": out}, nil
		},
	}
}

func GetReportStatus(reports store.ReportStore) Tool {
	return Tool{
		Def: mcp.NewTool(GetReportStatusName,
			mcp.WithDescription("Look up the status of one of the citizen's reports by reference number."),
			mcp.WithString("reference_number", mcp.Description("Reference number such as RPT-2026-0001234"), mcp.Required()),
		),
		ReadOnly: true,
		Handler: func(ctx context.Context, inv Invocation, req mcp.CallToolRequest) (any, error) {
			ref, err := req.RequireString("reference_number")
			if err != nil || strings.TrimSpace(ref) == "" {
				return nil, errors.New("reference_number is required")
			}
			r, found, err := reports.GetReportByReference(ctx, inv.User.UserID, ref)
			if err != nil {
				return nil, fmt.Errorf("get report: %w", err)
			}
			if !found {
				return nil, fmt.Errorf("report %s not found", strings.ToUpper(strings.TrimSpace(ref)))
			}
			return summarize(r), nil
		},
	}
}

// CreateReport records the assistant's decision on the thread's draft report.
// It changes neither the report status nor the job queue; extraction does that.
func CreateReport(reports store.ReportStore) Tool {
	return Tool{
		Def: mcp.NewTool(CreateReportName,
			mcp.WithDescription("End the conversation by submitting a report or closing without one. "+
				"Use 'submit' when the citizen described a reportable issue with enough detail. "+
				"Use 'close' when there is nothing to report."),
			mcp.WithString("action", mcp.Description("'submit' or 'close'"), mcp.Required(), mcp.Enum("submit", "close")),
			mcp.WithNumber("confidence", mcp.Description("Confidence from 0.0 to 1.0 that the decision is right"), mcp.Required()),
		),
		Handler: func(ctx context.Context, inv Invocation, req mcp.CallToolRequest) (any, error) {
			action, err := req.RequireString("action")
			if err != nil {
				return nil, errors.New("action is required")
			}
			confidence, err := req.RequireFloat("confidence")
			if err != nil {
				return nil, errors.New("confidence is required")
			}
			if confidence < 0 || confidence > 1 {
				return nil, errors.New("confidence must be between 0 and 1")
			}
			r, err := reports.EnsureReport(ctx, inv.Thread)
			if err != nil {
				return nil, fmt.Errorf("ensure report: %w", err)
			}
			if err := reports.RecordIntent(ctx, r.ID, action, confidence); err != nil {
				return nil, fmt.Errorf("record intent: %w", err)
			}
			return map[string]any{
				"reference_number": r.ReferenceNumber,
				"status":           r.Status,
				"action":           action,
			}, nil
		},
	}
}

package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

const (
	defaultReportFormat     = "json"
	defaultReportPeriodDays = 7
	maxReportPeriodDays     = 90
	// inlineReportLimit is the rendered size above which the report is
	// parked in the artifact store instead of returned inline.
	inlineReportLimit = 100_000
	// reportScanLimit caps how many recent jobs one report reads.
	reportScanLimit = 1000
)

// artifactKey is the result key the job adapter lifts into manifest outputs.
const artifactKey = "artifact"

var reportTypes = map[string]struct{}{
	"usage-summary": {},
	"job-analytics": {},
	"tenant-usage":  {},
}

// reportExtensions maps formats to artifact file extensions.
var reportExtensions = map[string]string{
	"json": "json",
	"csv":  "csv",
	"html": "html",
}

// reportPayload selects a report over the tenant's recent jobs.
type reportPayload struct {
	ReportType string `json:"report_type"`
	Format     string `json:"format"`
	PeriodDays int    `json:"period_days"`
}

func (p *reportPayload) normalize() {
	if p.Format == "" {
		p.Format = defaultReportFormat
	}
	p.Format = strings.ToLower(p.Format)
	if p.PeriodDays == 0 {
		p.PeriodDays = defaultReportPeriodDays
	}
}

// ReportGenerate renders operational reports over the job store. Bodies
// above the inline limit are written to the artifact store and the result
// carries the ref instead of the report.
type ReportGenerate struct {
	queue     domain.JobQueue
	artifacts *artifact.FSStore
	now       func() time.Time
}

// NewReportGenerate wires the connector to the job store and artifact root.
func NewReportGenerate(queue domain.JobQueue, artifacts *artifact.FSStore) *ReportGenerate {
	return &ReportGenerate{queue: queue, artifacts: artifacts, now: time.Now}
}

// ID implements connector.Connector.
func (c *ReportGenerate) ID() string { return "report_generate" }

// Validate checks the report selection.
func (c *ReportGenerate) Validate(req connector.Request) []domain.Issue {
	var p reportPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return []domain.Issue{{Field: "payload", Code: "invalid", Message: err.Error()}}
	}
	p.normalize()

	var issues []domain.Issue
	if _, ok := reportTypes[p.ReportType]; !ok {
		issues = append(issues, domain.Issue{Field: "report_type", Code: "invalid", Message: fmt.Sprintf("unknown report type %q", p.ReportType)})
	}
	if _, ok := reportExtensions[p.Format]; !ok {
		issues = append(issues, domain.Issue{Field: "format", Code: "invalid", Message: "format must be json, csv or html"})
	}
	if p.PeriodDays < 1 || p.PeriodDays > maxReportPeriodDays {
		issues = append(issues, domain.Issue{Field: "period_days", Code: "out_of_range", Message: "period_days must be within 1..90"})
	}
	return issues
}

// Target implements connector.Connector; report generation never dials out.
func (c *ReportGenerate) Target(connector.Request) (*url.URL, error) { return nil, nil }

// Execute reads the tenant's recent jobs and renders the selected report.
func (c *ReportGenerate) Execute(ctx context.Context, req connector.Request) (*connector.Response, error) {
	if req.DryRun {
		return dryRunResponse(c.ID(), req), nil
	}
	var p reportPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return nil, err
	}
	p.normalize()

	since := c.now().UTC().AddDate(0, 0, -p.PeriodDays)
	jobs, err := c.queue.List(ctx, req.Context.TenantID, domain.JobFilter{Limit: reportScanLimit})
	if err != nil {
		return nil, fmt.Errorf("op=builtin.report_generate: list jobs: %w", err)
	}
	recent := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if !j.CreatedAt.Before(since) {
			recent = append(recent, j)
		}
	}

	report := buildReport(p.ReportType, req.Context.TenantID, p.PeriodDays, recent)
	body, err := renderReport(report, p.Format, p.ReportType)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"report_type": p.ReportType,
		"format":      p.Format,
		"metadata": map[string]any{
			"generated_at":      c.now().UTC().Format(time.RFC3339),
			"jobs_scanned":      len(recent),
			"output_size_bytes": len(body),
		},
	}

	if len(body) > inlineReportLimit {
		ref := fmt.Sprintf("reports/%s/%s.%s", req.Context.TenantID, reportRunID(req.Context), reportExtensions[p.Format])
		desc, err := c.artifacts.Put(ref, "report."+reportExtensions[p.Format], "report", body)
		if err != nil {
			return nil, fmt.Errorf("op=builtin.report_generate: store artifact: %w", err)
		}
		data["artifact_ref"] = ref
		data[artifactKey] = desc
	} else if p.Format == defaultReportFormat {
		data["report"] = report
	} else {
		data["report"] = string(body)
	}
	return &connector.Response{Data: data}, nil
}

// reportRunID keys the artifact by job when the invocation runs inside one.
func reportRunID(invCtx connector.InvocationContext) string {
	if invCtx.JobID != "" {
		return invCtx.JobID
	}
	return invCtx.TraceID
}

// buildReport computes the report body for one type. All nested values stay
// JSON-generic so every renderer handles them uniformly.
func buildReport(reportType, tenantID string, periodDays int, jobs []domain.Job) map[string]any {
	switch reportType {
	case "job-analytics":
		statusCounts := map[string]int{}
		totalAttempts := 0
		for _, j := range jobs {
			statusCounts[string(j.Status)]++
			totalAttempts += j.AttemptNo
		}
		avg := 0.0
		if len(jobs) > 0 {
			avg = float64(totalAttempts) / float64(len(jobs))
		}
		return map[string]any{
			"period_days":      periodDays,
			"total_jobs":       len(jobs),
			"status_breakdown": countsToAny(statusCounts),
			"avg_attempts":     avg,
		}
	case "tenant-usage":
		types := map[string]struct{}{}
		for _, j := range jobs {
			types[j.Type] = struct{}{}
		}
		return map[string]any{
			"tenant_id":      tenantID,
			"period_days":    periodDays,
			"job_count":      len(jobs),
			"job_type_count": len(types),
		}
	default: // usage-summary
		byType := map[string]int{}
		succeeded, failed := 0, 0
		for _, j := range jobs {
			byType[j.Type]++
			switch j.Status {
			case domain.JobSucceeded:
				succeeded++
			case domain.JobFailed, domain.JobDead:
				failed++
			}
		}
		return map[string]any{
			"period_days":  periodDays,
			"total_jobs":   len(jobs),
			"jobs_by_type": countsToAny(byType),
			"succeeded":    succeeded,
			"failed":       failed,
		}
	}
}

func countsToAny(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// renderReport serializes the report into the requested format. JSON is
// canonical so repeated runs over identical data hash identically.
func renderReport(report map[string]any, format, title string) ([]byte, error) {
	switch format {
	case "csv":
		return renderReportCSV(report)
	case "html":
		return renderReportHTML(report, "Report: "+title), nil
	default:
		b, err := canonjson.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("op=builtin.report_generate: encode report: %w", err)
		}
		return b, nil
	}
}

// renderReportCSV emits the two-column key/value form, keys sorted.
func renderReportCSV(report map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"Key", "Value"}}
	for _, k := range sortedKeys(report) {
		rows = append(rows, []string{k, csvCell(report[k])})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("op=builtin.report_generate: encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func csvCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := canonjson.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// renderReportHTML renders the single-table page operators download.
func renderReportHTML(report map[string]any, title string) []byte {
	var rows strings.Builder
	for _, k := range sortedKeys(report) {
		rows.WriteString("<tr><th>")
		rows.WriteString(html.EscapeString(k))
		rows.WriteString("</th><td>")
		rows.WriteString(htmlCell(report[k]))
		rows.WriteString("</td></tr>\n")
	}
	page := fmt.Sprintf(reportPageTemplate, html.EscapeString(title), html.EscapeString(title), rows.String())
	return []byte(page)
}

func htmlCell(v any) string {
	switch t := v.(type) {
	case nil:
		return "<em>null</em>"
	case string:
		return html.EscapeString(t)
	case map[string]any, []any:
		// Encode without JSON's own HTML escaping so html.EscapeString is
		// the single escape layer.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t); err != nil {
			return html.EscapeString(fmt.Sprint(t))
		}
		return "<pre>" + html.EscapeString(strings.TrimRight(buf.String(), "\n")) + "</pre>"
	default:
		return html.EscapeString(fmt.Sprint(t))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const reportPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>%s</title>
  <style>
    body { font-family: system-ui, sans-serif; padding: 2rem; max-width: 1200px; margin: 0 auto; }
    table { width: 100%%; border-collapse: collapse; margin-top: 1rem; }
    th, td { padding: 0.75rem; text-align: left; border-bottom: 1px solid #ddd; }
    th { background-color: #f5f5f5; font-weight: 600; }
    pre { background: #f5f5f5; padding: 0.5rem; border-radius: 4px; overflow-x: auto; }
  </style>
</head>
<body>
  <h1>%s</h1>
  <table>%s</table>
</body>
</html>
`

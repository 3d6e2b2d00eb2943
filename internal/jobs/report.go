package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"newsflow/internal/content"
	"newsflow/internal/domain"
	"newsflow/internal/schedule"
	"newsflow/internal/task"
)

// ReportParams is the opaque job parameter payload for report schedules.
type ReportParams struct {
	ReportType    string `json:"report_type"`
	TitleTemplate string `json:"title_template"`
	// RangeDays overrides the cadence-derived period for custom schedules.
	RangeDays int `json:"range_days"`
}

// reportBuilder produces the periodic-report job: derive the reporting
// period from the schedule's cadence, gather the period's material, call the
// generation service through the global gate and persist the result.
func reportBuilder(d Deps) schedule.JobBuilder {
	return func(s domain.Schedule) task.JobFunc {
		return func(ctx context.Context, p *task.Progress) (any, error) {
			var params ReportParams
			if len(s.Params) > 0 {
				if err := json.Unmarshal(s.Params, &params); err != nil {
					return nil, fmt.Errorf("invalid report params: %w", err)
				}
			}
			if params.ReportType == "" {
				params.ReportType = "summary"
			}

			now := time.Now().UTC()
			p.Report(10, 100, "report generation started: "+s.Name)

			start, end := reportRange(s.Cadence, now, params.RangeDays)
			p.Report(20, 100, fmt.Sprintf("reporting period %s to %s",
				start.Format("2006-01-02"), end.Format("2006-01-02")))

			count, err := d.Content.CountArticles(ctx, s.OwnerID, start, end)
			if err != nil {
				return nil, fmt.Errorf("count articles: %w", err)
			}
			titles, err := d.Content.ListArticleTitles(ctx, s.OwnerID, start, end, 200)
			if err != nil {
				return nil, fmt.Errorf("list articles: %w", err)
			}
			p.Report(40, 100, fmt.Sprintf("gathered %d articles", count))

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var body string
			err = d.GenExec.Do(ctx, "generate", func(ctx context.Context) error {
				text, gerr := d.Generator.Generate(ctx, reportPrompt(params.ReportType, start, end, titles))
				if gerr != nil {
					return gerr
				}
				body = text
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("generate report: %w", err)
			}
			p.Report(70, 100, "report body generated")

			title := renderTitle(params.TitleTemplate, params.ReportType, end)
			reportID, err := d.Content.SaveReport(ctx, content.Report{
				OwnerID:     s.OwnerID,
				Title:       title,
				ReportType:  params.ReportType,
				Body:        body,
				PeriodStart: start,
				PeriodEnd:   end,
			})
			if err != nil {
				return nil, fmt.Errorf("save report: %w", err)
			}

			p.Report(100, 100, "report saved: "+title)
			return map[string]any{
				"report_id":          reportID,
				"report_title":       title,
				"articles_in_period": count,
				"period_start":       start.Format(time.RFC3339),
				"period_end":         end.Format(time.RFC3339),
			}, nil
		}
	}
}

// reportRange maps a cadence onto the preceding whole period: yesterday,
// last Monday-to-Sunday week, last calendar month, or a trailing window.
func reportRange(c domain.Cadence, now time.Time, rangeDays int) (time.Time, time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch c {
	case domain.CadenceDaily:
		return day.AddDate(0, 0, -1), day
	case domain.CadenceWeekly:
		sinceMonday := (int(now.Weekday()) + 6) % 7
		lastMonday := day.AddDate(0, 0, -(sinceMonday + 7))
		return lastMonday, lastMonday.AddDate(0, 0, 7)
	case domain.CadenceMonthly:
		firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfThis.AddDate(0, -1, 0), firstOfThis
	default:
		if rangeDays <= 0 {
			rangeDays = 1
		}
		return now.AddDate(0, 0, -rangeDays), now
	}
}

func reportPrompt(reportType string, start, end time.Time, titles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s report covering %s to %s based on these articles:\n",
		reportType, start.Format("2006-01-02"), end.Format("2006-01-02"))
	for _, t := range titles {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	if len(titles) == 0 {
		b.WriteString("(no articles were collected in this period)\n")
	}
	return b.String()
}

func renderTitle(template, reportType string, end time.Time) string {
	if template == "" {
		template = reportType + " report {date}"
	}
	return strings.ReplaceAll(template, "{date}", end.Format("2006-01-02"))
}

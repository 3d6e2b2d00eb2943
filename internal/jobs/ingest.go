package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"newsflow/internal/batch"
	"newsflow/internal/content"
	"newsflow/internal/domain"
	"newsflow/internal/fetch"
	"newsflow/internal/schedule"
	"newsflow/internal/task"
)

// IngestParams is the opaque job parameter payload for feed_ingest schedules.
type IngestParams struct {
	URLs           []string `json:"urls"`
	SkipDuplicates bool     `json:"skip_duplicates"`
}

// ingestBuilder produces the feed-ingest job: a fetch phase taking 60% of
// the progress bar, then an integration phase taking the remaining 40%.
// Failures are isolated per item; the job only fails as a whole on bad
// parameters or cancellation.
func ingestBuilder(d Deps) schedule.JobBuilder {
	return func(s domain.Schedule) task.JobFunc {
		return func(ctx context.Context, p *task.Progress) (any, error) {
			var params IngestParams
			if len(s.Params) > 0 {
				if err := json.Unmarshal(s.Params, &params); err != nil {
					return nil, fmt.Errorf("invalid ingest params: %w", err)
				}
			}
			if len(params.URLs) == 0 {
				p.Report(100, 100, "no feed URLs configured")
				return map[string]any{"articles_found": 0}, nil
			}
			log.Info().
				Str("task_id", p.TaskID()).
				Str("owner_id", s.OwnerID).
				Int("urls", len(params.URLs)).
				Msg("feed ingest started")

			runner := batch.NewRunner(d.Batch)
			noCommit := func(context.Context, []batch.ItemOutcome) error { return nil }

			p.Report(0, 100, fmt.Sprintf("fetching %d URLs", len(params.URLs)))

			contents := map[string]fetch.Content{}
			fetchRes, err := runner.Run(ctx, params.URLs,
				func(ctx context.Context, rawURL string) (batch.Action, error) {
					var c fetch.Content
					err := d.FetchExec.Do(ctx, fetch.Domain(rawURL), func(ctx context.Context) error {
						var ferr error
						c, ferr = d.Fetcher.Fetch(ctx, rawURL)
						return ferr
					})
					if err != nil {
						return batch.ActionFailed, err
					}
					contents[rawURL] = c
					return batch.ActionCreated, nil
				},
				noCommit, p, batch.Span{Offset: 0, Width: 60})
			if err != nil {
				return nil, err
			}

			p.Message("integrating fetched content")

			// Integration runs only over what the fetch phase brought back,
			// preserving the configured order.
			fetched := make([]string, 0, len(contents))
			for _, u := range params.URLs {
				if _, ok := contents[u]; ok {
					fetched = append(fetched, u)
				}
			}

			res, err := runner.Run(ctx, fetched,
				func(ctx context.Context, rawURL string) (batch.Action, error) {
					return d.integrate(ctx, s.OwnerID, contents[rawURL], params.SkipDuplicates)
				},
				noCommit, p, batch.Span{Offset: 60, Width: 40})
			if err != nil {
				return nil, err
			}
			res.Failed = append(fetchRes.Failed, res.Failed...)

			created, updated, duplicate, failed := res.Counts()
			p.Report(100, 100, fmt.Sprintf("ingest finished: created=%d updated=%d duplicate=%d failed=%d",
				created, updated, duplicate, failed))

			return map[string]any{
				"articles_found":   len(params.URLs),
				"articles_created": created,
				"articles_updated": updated,
				"duplicates":       duplicate,
				"failures":         failed,
				"outcome":          res,
			}, nil
		}
	}
}

// integrate enriches one fetched item and persists it. A failed generation
// call degrades to an unenriched article rather than failing the item: the
// content itself is already in hand.
func (d Deps) integrate(ctx context.Context, ownerID string, c fetch.Content, skipDuplicates bool) (batch.Action, error) {
	summary := ""
	genErr := d.GenExec.Do(ctx, "generate", func(ctx context.Context) error {
		text, err := d.Generator.Generate(ctx, summaryPrompt(c))
		if err != nil {
			return err
		}
		summary = text
		return nil
	})
	if genErr != nil {
		log.Warn().Err(genErr).Str("url", c.URL).Msg("summary generation failed, storing unenriched")
	}

	result, _, err := d.Content.UpsertArticle(ctx, content.Article{
		OwnerID: ownerID,
		URL:     c.URL,
		Title:   c.URL,
		Summary: summary,
	}, skipDuplicates)
	if err != nil {
		return batch.ActionFailed, err
	}
	switch result {
	case content.Updated:
		return batch.ActionUpdated, nil
	case content.Duplicate:
		return batch.ActionDuplicate, nil
	default:
		return batch.ActionCreated, nil
	}
}

func summaryPrompt(c fetch.Content) string {
	body := c.Body
	if len(body) > 4000 {
		body = body[:4000]
	}
	return fmt.Sprintf("Summarize the following article in 3 sentences.\n\nURL: %s\n\n%s", c.URL, body)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/batch"
	"newsflow/internal/content"
	"newsflow/internal/domain"
	"newsflow/internal/fetch"
	"newsflow/internal/ratelimit"
	"newsflow/internal/task"
)

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (fetch.Content, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	err := f.fail[rawURL]
	f.mu.Unlock()
	if err != nil {
		return fetch.Content{}, err
	}
	return fetch.Content{URL: rawURL, Body: []byte("body of " + rawURL), FetchedAt: time.Now().UTC()}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "generated text", nil
}

type fakeContent struct {
	mu       sync.Mutex
	articles map[string]content.Article // keyed by URL
	reports  []content.Report
	titles   []string
}

func newFakeContent() *fakeContent {
	return &fakeContent{articles: map[string]content.Article{}}
}

func (s *fakeContent) UpsertArticle(ctx context.Context, a content.Article, skipDuplicates bool) (content.UpsertResult, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.articles[a.URL]; ok {
		if skipDuplicates {
			return content.Duplicate, existing.ID, nil
		}
		s.articles[a.URL] = a
		return content.Updated, existing.ID, nil
	}
	a.ID = fmt.Sprintf("art_%d", len(s.articles)+1)
	s.articles[a.URL] = a
	return content.Created, a.ID, nil
}

func (s *fakeContent) SaveReport(ctx context.Context, r content.Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = fmt.Sprintf("rpt_%d", len(s.reports)+1)
	s.reports = append(s.reports, r)
	return r.ID, nil
}

func (s *fakeContent) ListArticleTitles(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]string, error) {
	return s.titles, nil
}

func (s *fakeContent) CountArticles(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	return len(s.titles), nil
}

func testDeps(f *fakeFetcher, g *fakeGenerator, c *fakeContent) Deps {
	return Deps{
		Fetcher:   f,
		Generator: g,
		Content:   c,
		FetchExec: ratelimit.New(ratelimit.Config{MaxAttempts: 1}),
		GenExec:   ratelimit.New(ratelimit.Config{MaxAttempts: 1}),
		Batch:     batch.Config{BatchSize: 1},
	}
}

// runJob executes one job through a registry and returns the settled record.
func runJob(t *testing.T, d Deps, s domain.Schedule) domain.TaskRecord {
	t.Helper()
	builder, ok := Builders(d)[s.JobType]
	require.True(t, ok, "job type %q not registered", s.JobType)

	reg := task.NewRegistry(0)
	id, err := reg.Submit(context.Background(), task.SubmitOptions{Total: 100}, builder(s))
	require.NoError(t, err)
	reg.Wait()
	rec, ok := reg.Get(id)
	require.True(t, ok)
	return rec
}

func ingestSchedule(t *testing.T, p IngestParams) domain.Schedule {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.Schedule{
		ID: "sch_ingest", OwnerID: "own_1", Name: "ingest",
		Cadence: domain.CadenceDaily, JobType: JobFeedIngest, Params: raw,
	}
}

func TestIngestHappyPath(t *testing.T) {
	f := &fakeFetcher{}
	g := &fakeGenerator{}
	c := newFakeContent()
	s := ingestSchedule(t, IngestParams{URLs: []string{
		"https://a.example/1", "https://b.example/2",
	}})

	rec := runJob(t, testDeps(f, g, c), s)
	require.Equal(t, domain.TaskCompleted, rec.Status)

	result := rec.Result.(map[string]any)
	assert.Equal(t, 2, result["articles_created"])
	assert.Equal(t, 0, result["failures"])
	assert.Len(t, c.articles, 2)
	assert.Equal(t, "generated text", c.articles["https://a.example/1"].Summary)
	assert.Equal(t, 100, rec.Current)
}

func TestIngestFetchFailureIsolated(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"https://b.example/2": errors.New("HTTP 404")}}
	g := &fakeGenerator{}
	c := newFakeContent()
	s := ingestSchedule(t, IngestParams{URLs: []string{
		"https://a.example/1", "https://b.example/2", "https://c.example/3",
	}})

	rec := runJob(t, testDeps(f, g, c), s)
	require.Equal(t, domain.TaskCompleted, rec.Status, "item failures never fail the job")

	result := rec.Result.(map[string]any)
	assert.Equal(t, 2, result["articles_created"])
	assert.Equal(t, 1, result["failures"])
	assert.Len(t, c.articles, 2)
}

func TestIngestGenerationFailureDegrades(t *testing.T) {
	f := &fakeFetcher{}
	g := &fakeGenerator{err: errors.New("HTTP 500")}
	c := newFakeContent()
	s := ingestSchedule(t, IngestParams{URLs: []string{"https://a.example/1"}})

	rec := runJob(t, testDeps(f, g, c), s)
	require.Equal(t, domain.TaskCompleted, rec.Status)

	result := rec.Result.(map[string]any)
	assert.Equal(t, 1, result["articles_created"], "article stored without enrichment")
	assert.Empty(t, c.articles["https://a.example/1"].Summary)
}

func TestIngestSkipDuplicates(t *testing.T) {
	f := &fakeFetcher{}
	g := &fakeGenerator{}
	c := newFakeContent()
	_, _, err := c.UpsertArticle(context.Background(), content.Article{URL: "https://a.example/1"}, false)
	require.NoError(t, err)

	s := ingestSchedule(t, IngestParams{URLs: []string{"https://a.example/1"}, SkipDuplicates: true})
	rec := runJob(t, testDeps(f, g, c), s)
	require.Equal(t, domain.TaskCompleted, rec.Status)

	result := rec.Result.(map[string]any)
	assert.Equal(t, 0, result["articles_created"])
	assert.Equal(t, 1, result["duplicates"])
}

func TestIngestNoURLs(t *testing.T) {
	s := ingestSchedule(t, IngestParams{})
	rec := runJob(t, testDeps(&fakeFetcher{}, &fakeGenerator{}, newFakeContent()), s)
	require.Equal(t, domain.TaskCompleted, rec.Status)
	result := rec.Result.(map[string]any)
	assert.Equal(t, 0, result["articles_found"])
}

func TestIngestBadParams(t *testing.T) {
	s := domain.Schedule{
		ID: "sch_bad", OwnerID: "own_1", JobType: JobFeedIngest,
		Params: json.RawMessage(`{"urls": "not-a-list"}`),
	}
	rec := runJob(t, testDeps(&fakeFetcher{}, &fakeGenerator{}, newFakeContent()), s)
	require.Equal(t, domain.TaskFailed, rec.Status)
	assert.Contains(t, rec.Error, "invalid ingest params")
}

func TestReportHappyPath(t *testing.T) {
	g := &fakeGenerator{}
	c := newFakeContent()
	c.titles = []string{"first headline", "second headline"}

	raw, err := json.Marshal(ReportParams{ReportType: "weekly", TitleTemplate: "Weekly digest {date}"})
	require.NoError(t, err)
	s := domain.Schedule{
		ID: "sch_report", OwnerID: "own_1", Name: "weekly report",
		Cadence: domain.CadenceWeekly, Weekday: time.Monday, JobType: JobReport, Params: raw,
	}

	rec := runJob(t, testDeps(&fakeFetcher{}, g, c), s)
	require.Equal(t, domain.TaskCompleted, rec.Status)

	require.Len(t, c.reports, 1)
	rep := c.reports[0]
	assert.Equal(t, "own_1", rep.OwnerID)
	assert.Equal(t, "generated text", rep.Body)
	assert.Contains(t, rep.Title, "Weekly digest")
	assert.Equal(t, 7*24*time.Hour, rep.PeriodEnd.Sub(rep.PeriodStart))

	require.Len(t, g.prompts, 1)
	assert.Contains(t, g.prompts[0], "first headline")

	result := rec.Result.(map[string]any)
	assert.Equal(t, 2, result["articles_in_period"])
}

func TestReportGenerationFailureFailsJob(t *testing.T) {
	g := &fakeGenerator{err: errors.New("HTTP 500")}
	c := newFakeContent()
	s := domain.Schedule{
		ID: "sch_report", OwnerID: "own_1", Cadence: domain.CadenceDaily, JobType: JobReport,
	}

	rec := runJob(t, testDeps(&fakeFetcher{}, g, c), s)
	require.Equal(t, domain.TaskFailed, rec.Status)
	assert.Contains(t, rec.Error, "generate report")
	assert.Empty(t, c.reports)
}

func TestReportRanges(t *testing.T) {
	now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC) // a Wednesday

	start, end := reportRange(domain.CadenceDaily, now, 0)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), end)

	start, end = reportRange(domain.CadenceWeekly, now, 0)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), start, "previous Monday-to-Sunday week")
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), end)

	start, end = reportRange(domain.CadenceMonthly, now, 0)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), end)

	start, end = reportRange(domain.CadenceCustom, now, 10)
	assert.Equal(t, now.AddDate(0, 0, -10), start)
	assert.Equal(t, now, end)
}

func TestRenderTitle(t *testing.T) {
	end := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "Digest 2025-03-10", renderTitle("Digest {date}", "summary", end))
	assert.Equal(t, "summary report 2025-03-10", renderTitle("", "summary", end))
}

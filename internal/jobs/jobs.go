// Package jobs holds the job functions the dispatcher can run, registered by
// job type name. Each job reports progress through the registry handle, polls
// its context at safe points, and routes every outbound call through a
// rate-limited executor.
package jobs

import (
	"newsflow/internal/batch"
	"newsflow/internal/content"
	"newsflow/internal/fetch"
	"newsflow/internal/generate"
	"newsflow/internal/ratelimit"
	"newsflow/internal/schedule"
)

const (
	JobFeedIngest = "feed_ingest"
	JobReport     = "report"
)

// Deps carries the collaborators shared by all jobs. Executors are process-
// wide: FetchExec gates per target domain, GenExec is the single global gate
// in front of the shared generation service.
type Deps struct {
	Fetcher   fetch.Fetcher
	Generator generate.Client
	Content   content.Store
	FetchExec *ratelimit.Executor
	GenExec   *ratelimit.Executor
	Batch     batch.Config
}

// Builders returns the dispatcher's job-type registry.
func Builders(d Deps) map[string]schedule.JobBuilder {
	return map[string]schedule.JobBuilder{
		JobFeedIngest: ingestBuilder(d),
		JobReport:     reportBuilder(d),
	}
}

package batch

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
	"newsflow/internal/task"
)

// Action is the outcome of processing a single work item.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDuplicate Action = "duplicate"
	ActionFailed    Action = "failed"
)

// ItemFunc processes one work item. Returning an error records the item as
// failed without affecting its siblings.
type ItemFunc func(ctx context.Context, item string) (Action, error)

// CommitFunc persists one chunk's outcomes before the run moves on. If it
// returns an error the whole chunk is recorded as failed and processing
// continues with the next chunk.
type CommitFunc func(ctx context.Context, chunk []ItemOutcome) error

// ItemOutcome pairs an item with what happened to it.
type ItemOutcome struct {
	Item   string
	Action Action
	Err    error
}

// Span maps a run's 0..100% internal progress onto a slice of the caller's
// overall bar, so multi-phase jobs can weight phases (e.g. fetch 60%,
// integration 40%).
type Span struct {
	Offset int
	Width  int
}

// Full is the identity span.
var Full = Span{Offset: 0, Width: 100}

func (s Span) percent(done, total int) int {
	if total <= 0 {
		return s.Offset
	}
	return s.Offset + done*s.Width/total
}

// Config tunes a batch run. The zero value processes one item per chunk with
// no delays, which is the maximum-isolation setting.
type Config struct {
	BatchSize    int
	ItemDelay    time.Duration
	BatchDelay   time.Duration
	// ReclaimEvery triggers Reclaim after every N processed items to bound
	// long-run memory growth. 0 disables it.
	ReclaimEvery int
	Reclaim      func()
}

// DefaultConfig mirrors the production ingest settings: single-item chunks,
// 15s between items, 60s between chunks, memory reclaim every 10 items.
func DefaultConfig() Config {
	return Config{
		BatchSize:    1,
		ItemDelay:    15 * time.Second,
		BatchDelay:   60 * time.Second,
		ReclaimEvery: 10,
	}
}

// Runner splits ordered work into sequentially committed chunks. Chunks are
// never processed concurrently: the strict ordering is what keeps the
// rate-limited executor's gating meaningful, and is itself the throttle
// against unbounded outbound traffic.
type Runner struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Reclaim == nil {
		cfg.Reclaim = func() { debug.FreeOSMemory() }
	}
	return &Runner{cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes items chunk by chunk. Progress is emitted through p (which
// may be nil) mapped into span. Cancellation is observed between items and
// between chunks; the accumulated result is returned alongside ctx.Err() so
// callers keep whatever progress was committed.
func (r *Runner) Run(
	ctx context.Context,
	items []string,
	process ItemFunc,
	commit CommitFunc,
	p *task.Progress,
	span Span,
) (domain.BatchResult, error) {
	var res domain.BatchResult
	total := len(items)
	processed := 0

	for start := 0; start < total; start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + r.cfg.BatchSize
		if end > total {
			end = total
		}
		chunk := items[start:end]

		outcomes := make([]ItemOutcome, 0, len(chunk))
		for i, item := range chunk {
			if err := ctx.Err(); err != nil {
				// The chunk never reached commit, so nothing in it counts
				// as created/updated; report the items as failed.
				r.recordUncommitted(&res, outcomes, err)
				return res, err
			}
			if p != nil {
				p.Report(span.percent(processed, total), 100, "processing "+item)
			}

			action, err := process(ctx, item)
			if err != nil {
				log.Warn().Str("item", item).Err(err).Msg("item failed")
				outcomes = append(outcomes, ItemOutcome{Item: item, Action: ActionFailed, Err: err})
			} else {
				outcomes = append(outcomes, ItemOutcome{Item: item, Action: action})
			}
			processed++

			if r.cfg.ReclaimEvery > 0 && processed%r.cfg.ReclaimEvery == 0 {
				r.cfg.Reclaim()
			}
			if i < len(chunk)-1 {
				if err := r.sleep(ctx, r.cfg.ItemDelay); err != nil {
					r.recordUncommitted(&res, outcomes, err)
					return res, err
				}
			}
		}

		if err := commit(ctx, outcomes); err != nil {
			// A failed commit loses only this chunk, never prior progress.
			log.Error().Err(err).Int("chunk_start", start).Msg("chunk commit failed")
			for i := range outcomes {
				outcomes[i].Action = ActionFailed
				if outcomes[i].Err == nil {
					outcomes[i].Err = err
				}
			}
		}
		r.record(&res, outcomes)

		if p != nil {
			p.Report(span.percent(processed, total), 100, "committed items")
		}

		if end < total {
			if err := r.sleep(ctx, r.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
	}

	if p != nil {
		c, u, d, f := res.Counts()
		p.Report(span.percent(total, total), 100, "batch finished")
		p.Detail("batch", map[string]int{"created": c, "updated": u, "duplicate": d, "failed": f})
	}
	return res, nil
}

// recordUncommitted downgrades a chunk that was interrupted before its commit:
// whatever the items' processing outcomes were, none of them were persisted.
func (r *Runner) recordUncommitted(res *domain.BatchResult, outcomes []ItemOutcome, cause error) {
	for i := range outcomes {
		outcomes[i].Action = ActionFailed
		if outcomes[i].Err == nil {
			outcomes[i].Err = cause
		}
	}
	r.record(res, outcomes)
}

func (r *Runner) record(res *domain.BatchResult, outcomes []ItemOutcome) {
	for _, o := range outcomes {
		switch o.Action {
		case ActionCreated:
			res.Created = append(res.Created, o.Item)
		case ActionUpdated:
			res.Updated = append(res.Updated, o.Item)
		case ActionDuplicate:
			res.Duplicate = append(res.Duplicate, o.Item)
		default:
			res.Failed = append(res.Failed, o.Item)
		}
	}
}

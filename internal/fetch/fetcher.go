package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/apklens/apklens/internal/catalog"
	apkerrors "github.com/apklens/apklens/internal/core/errors"
	"github.com/apklens/apklens/internal/partition"
	"github.com/apklens/apklens/internal/segment"
	"github.com/apklens/apklens/internal/telemetry"
)

// shardAlphabet is the character set of the upstream order keys (license
// plates are digits and uppercase letters).
const shardAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Options tunes a Fetcher. Durations are already parsed; validation happens
// at config load.
type Options struct {
	PageSize       int
	SamplePercent  int
	LookbackDays   int
	MaxWorkers     int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RunBudget      time.Duration
	ForceRefresh   bool
	PrefixShardLen int
}

// Fetcher drives rate-adaptive, resumable ingestion of all catalog datasets
// into partition segments. Pages within a partition are fetched sequentially
// in key order; partitions run concurrently under the adaptive gate.
type Fetcher struct {
	opts    Options
	cat     *catalog.Catalog
	store   *partition.Store
	client  *Client
	gate    *Gate
	metrics *telemetry.Collector
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewFetcher wires a fetcher. The gate carries the min/max worker window and
// throttle cooldown.
func NewFetcher(opts Options, cat *catalog.Catalog, store *partition.Store, client *Client, gate *Gate, metrics *telemetry.Collector, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		opts:    opts,
		cat:     cat,
		store:   store,
		client:  client,
		gate:    gate,
		metrics: metrics,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run plans partitions for every dataset and fetches them to completion,
// resuming prior progress. Partitions that exhaust their retries are marked
// FAILED_RETRYABLE and reported in the returned error; a schema error aborts
// the whole run. Exceeding the wall-clock budget is a clean stop: remaining
// partitions stay resumable.
func (f *Fetcher) Run(ctx context.Context) error {
	if f.opts.ForceRefresh {
		runID := f.store.NewRun()
		f.logger.Info("[Fetcher] Force refresh requested, restarting all partitions", "run_id", runID)
		for _, p := range f.store.List() {
			p.Reset()
			if err := f.store.Update(p); err != nil {
				return err
			}
		}
	}

	plan := f.plan()
	f.logger.Info("[Fetcher] Run planned",
		"run_id", f.store.RunID(),
		"partitions", len(plan),
		"window", f.gate.Window())

	runCtx := ctx
	var cancel context.CancelFunc
	if f.opts.RunBudget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, f.opts.RunBudget)
		defer cancel()
	}

	var (
		mu       sync.Mutex
		failures error
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(f.opts.MaxWorkers)

	for _, p := range plan {
		if !p.Resumable() {
			continue
		}
		p := p
		g.Go(func() error {
			err := f.fetchPartition(gctx, p)
			switch {
			case err == nil:
				return nil
			case apkerrors.IsSchema(err):
				// column drift poisons every later stage; stop the run
				return err
			case gctx.Err() != nil:
				return nil // budget or cancellation, partition stays resumable
			default:
				mu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("partition %s: %w", p.ID(), err))
				mu.Unlock()
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		f.logger.Warn("[Fetcher] Wall-clock budget exhausted, stopping with resumable partitions",
			"budget", f.opts.RunBudget)
	}
	f.reportStates()
	return failures
}

// plan registers every partition of every dataset with the manifest and
// returns the list to work on.
func (f *Fetcher) plan() []partition.Partition {
	var plan []partition.Partition
	for _, ds := range f.cat.List() {
		if !ds.Sharded {
			plan = append(plan, f.store.Ensure(ds.Name, ""))
			continue
		}
		for _, prefix := range shardPrefixes(f.opts.PrefixShardLen) {
			plan = append(plan, f.store.Ensure(ds.Name, prefix))
		}
	}
	return plan
}

func shardPrefixes(length int) []string {
	prefixes := make([]string, 0, len(shardAlphabet))
	for _, c := range shardAlphabet {
		prefixes = append(prefixes, string(c))
	}
	for l := 1; l < length; l++ {
		next := make([]string, 0, len(prefixes)*len(shardAlphabet))
		for _, p := range prefixes {
			for _, c := range shardAlphabet {
				next = append(next, p+string(c))
			}
		}
		prefixes = next
	}
	return prefixes
}

// whereClause combines the dataset filter, the shard prefix constraint and
// the lookback window into one upstream predicate.
func (f *Fetcher) whereClause(ds catalog.Dataset, prefix string) string {
	clauses := make([]string, 0, 3)
	if ds.Where != "" {
		clauses = append(clauses, ds.Where)
	}
	if prefix != "" {
		clauses = append(clauses, fmt.Sprintf("starts_with(%s, '%s')", ds.OrderKey, prefix))
	}
	if f.opts.LookbackDays > 0 && ds.LookbackColumn != "" {
		cutoff := f.now().AddDate(0, 0, -f.opts.LookbackDays).Format("20060102")
		clauses = append(clauses, fmt.Sprintf("%s >= '%s'", ds.LookbackColumn, cutoff))
	}
	switch len(clauses) {
	case 0:
		return ""
	case 1:
		return clauses[0]
	default:
		out := clauses[0]
		for _, c := range clauses[1:] {
			out = out + " AND " + c
		}
		return out
	}
}

func (f *Fetcher) fetchPartition(ctx context.Context, p partition.Partition) error {
	ds, err := f.cat.Get(p.Dataset)
	if err != nil {
		return err
	}
	where := f.whereClause(ds, p.Prefix)

	// Sampling caps the partition at a fraction of its upstream size.
	var rowTarget int64 = -1
	if f.opts.SamplePercent < 100 {
		total, err := f.countWithRetry(ctx, ds.RemoteID, where)
		if err != nil {
			return err
		}
		rowTarget = total * int64(f.opts.SamplePercent) / 100
	}

	header := segment.Header{Dataset: ds.Name, Prefix: p.Prefix, Columns: ds.Columns}
	path := f.store.SegmentPath(p)

	var w *segment.Writer
	if p.PagesFetched == 0 {
		w, err = segment.Create(path, header)
	} else {
		w, err = segment.Resume(path, header, p.BytesWritten)
	}
	if err != nil {
		return f.failPartition(p, err)
	}
	defer w.Close()

	pageSize := int64(f.opts.PageSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rowTarget >= 0 && p.RowCount >= rowTarget {
			break
		}

		limit := pageSize
		if rowTarget >= 0 && rowTarget-p.RowCount < limit {
			limit = rowTarget - p.RowCount
		}
		req := PageRequest{
			RemoteID: ds.RemoteID,
			Select:   ds.Columns,
			Where:    where,
			Order:    ds.OrderKey,
			Limit:    limit,
			Offset:   int64(p.PagesFetched) * pageSize,
		}

		rows, err := f.fetchPageWithRetry(ctx, ds.Name, req)
		if err != nil {
			return f.failPartition(p, err)
		}

		bytesWritten, err := w.AppendPage(rows)
		if err != nil {
			return f.failPartition(p, err)
		}

		p.RecordPage(int64(len(rows)), bytesWritten)
		if err := f.store.Update(p); err != nil {
			return err
		}
		f.metrics.PagesFetchedTotal.WithLabelValues(ds.Name).Inc()
		f.metrics.RowsFetchedTotal.WithLabelValues(ds.Name).Add(float64(len(rows)))

		if int64(len(rows)) < limit {
			break // short page: partition exhausted
		}
	}

	p.MarkComplete()
	if err := f.store.Update(p); err != nil {
		return err
	}
	f.logger.Info("[Fetcher] Partition complete",
		"partition", p.ID(), "pages", p.PagesFetched, "rows", p.RowCount)
	return nil
}

// failPartition records the failure in the manifest and returns cause. A
// manifest flush failure is joined in so the lost FAILED_RETRYABLE record is
// visible to the caller.
func (f *Fetcher) failPartition(p partition.Partition, cause error) error {
	p.MarkFailed(cause)
	if err := f.store.Update(p); err != nil {
		return multierror.Append(cause, fmt.Errorf("recording failure for %s: %w", p.ID(), err))
	}
	return cause
}

// fetchPageWithRetry runs one page request under the gate with classified
// retries: rate limits shrink the window and back off, transient failures
// just back off, permanent failures return immediately.
func (f *Fetcher) fetchPageWithRetry(ctx context.Context, dataset string, req PageRequest) ([]segment.Row, error) {
	var lastErr error
	for attempt := 0; attempt < f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		if !f.gate.Acquire(ctx) {
			return nil, ctx.Err()
		}
		start := f.now()
		rows, err := f.client.FetchPage(ctx, req)
		f.gate.Release()
		f.metrics.PageDuration.WithLabelValues(dataset).Observe(f.now().Sub(start).Seconds())

		if err == nil {
			f.gate.OnSuccess()
			f.metrics.WorkerWindow.Set(float64(f.gate.Window()))
			return rows, nil
		}

		lastErr = err
		kind := apkerrors.KindOf(err)
		f.metrics.FetchErrorsTotal.WithLabelValues(dataset, kind.String()).Inc()
		switch {
		case apkerrors.IsRateLimit(err):
			f.gate.OnThrottle()
			f.metrics.ThrottleEventsTotal.Inc()
			f.metrics.WorkerWindow.Set(float64(f.gate.Window()))
			f.logger.Warn("[Fetcher] Upstream throttled, shrinking window",
				"dataset", dataset, "window", f.gate.Window(), "attempt", attempt+1)
		case apkerrors.IsRetryable(err):
			f.logger.Warn("[Fetcher] Transient fetch failure, backing off",
				"dataset", dataset, "attempt", attempt+1, "error", err)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", f.opts.MaxRetries, lastErr)
}

func (f *Fetcher) countWithRetry(ctx context.Context, remoteID, where string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return 0, err
			}
		}
		if !f.gate.Acquire(ctx) {
			return 0, ctx.Err()
		}
		n, err := f.client.Count(ctx, remoteID, where)
		f.gate.Release()
		if err == nil {
			return n, nil
		}
		lastErr = err
		if apkerrors.IsRateLimit(err) {
			f.gate.OnThrottle()
			f.metrics.ThrottleEventsTotal.Inc()
		} else if !apkerrors.IsRetryable(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("retries exhausted after %d attempts: %w", f.opts.MaxRetries, lastErr)
}

// backoff returns the delay before retry n (zero-based): base doubled per
// attempt, capped.
func (f *Fetcher) backoff(n int) time.Duration {
	d := f.opts.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= f.opts.BackoffCap {
			return f.opts.BackoffCap
		}
	}
	if d > f.opts.BackoffCap {
		d = f.opts.BackoffCap
	}
	return d
}

func (f *Fetcher) reportStates() {
	counts := make(map[string]int)
	for _, p := range f.store.List() {
		counts[string(p.State)]++
	}
	f.metrics.ObservePartitionStates(counts)
}

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apklens/apklens/internal/catalog"
	apkerrors "github.com/apklens/apklens/internal/core/errors"
	"github.com/apklens/apklens/internal/partition"
	"github.com/apklens/apklens/internal/segment"
	"github.com/apklens/apklens/internal/telemetry"
)

func testCatalog(t *testing.T, defs map[string]string) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	for name, content := range defs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
	}
	cat, err := catalog.Load(dir)
	require.NoError(t, err)
	return cat
}

func fuelCatalog(t *testing.T) *catalog.Catalog {
	return testCatalog(t, map[string]string{
		"fuel": `
name: fuel
remote_id: 8ys7-d773
order_key: kenteken
columns: [kenteken, brandstof_omschrijving]
`,
	})
}

func newTestFetcher(t *testing.T, baseURL string, opts Options) (*Fetcher, *partition.Store, *catalog.Catalog) {
	return newTestFetcherWithCatalog(t, baseURL, opts, fuelCatalog(t))
}

func newTestFetcherWithCatalog(t *testing.T, baseURL string, opts Options, cat *catalog.Catalog) (*Fetcher, *partition.Store, *catalog.Catalog) {
	t.Helper()
	store, err := partition.OpenStore(t.TempDir())
	require.NoError(t, err)

	if opts.PageSize == 0 {
		opts.PageSize = 2
	}
	if opts.SamplePercent == 0 {
		opts.SamplePercent = 100
	}
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = 4
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = 4 * time.Millisecond
	}
	if opts.PrefixShardLen == 0 {
		opts.PrefixShardLen = 1
	}

	metrics, _ := telemetry.NewCollector("apklens_test_" + strconv.FormatInt(time.Now().UnixNano(), 36))
	client := NewClient(baseURL, "", time.Second)
	gate := NewGate(2, opts.MaxWorkers, 30*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := NewFetcher(opts, cat, store, client, gate, metrics, logger)
	f.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f, store, cat
}

// pagedServer serves rows in key order honoring $limit and $offset.
func pagedServer(t *testing.T, rows []map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := strconv.Atoi(r.URL.Query().Get("$limit"))
		require.NoError(t, err)
		offset, err := strconv.Atoi(r.URL.Query().Get("$offset"))
		require.NoError(t, err)

		end := offset + limit
		if offset > len(rows) {
			offset = len(rows)
		}
		if end > len(rows) {
			end = len(rows)
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows[offset:end]))
	}))
}

func fuelRows(n int) []map[string]string {
	rows := make([]map[string]string, n)
	for i := range rows {
		rows[i] = map[string]string{
			"kenteken":               fmt.Sprintf("AA%04d", i),
			"brandstof_omschrijving": "Benzine",
		}
	}
	return rows
}

func readAllRows(t *testing.T, path string) []segment.Row {
	t.Helper()
	r, err := segment.Open(path)
	require.NoError(t, err)
	defer r.Close()

	var out []segment.Row
	for {
		rows, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rows...)
	}
}

func TestRunFetchesToCompletion(t *testing.T) {
	srv := pagedServer(t, fuelRows(5))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{PageSize: 2})
	require.NoError(t, f.Run(context.Background()))

	p, ok := store.Get("fuel")
	require.True(t, ok)
	require.Equal(t, partition.StateComplete, p.State)
	require.Equal(t, 3, p.PagesFetched) // 2+2+1
	require.Equal(t, int64(5), p.RowCount)

	rows := readAllRows(t, store.SegmentPath(p))
	require.Len(t, rows, 5)
	require.Equal(t, "AA0000", rows[0]["kenteken"])
	require.Equal(t, "AA0004", rows[4]["kenteken"])
}

func TestRunResumesFromDurablePages(t *testing.T) {
	var offsets []int
	var mu sync.Mutex
	all := fuelRows(5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		mu.Lock()
		offsets = append(offsets, offset)
		mu.Unlock()
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		json.NewEncoder(w).Encode(all[offset:end])
	}))
	defer srv.Close()

	f, store, cat := newTestFetcher(t, srv.URL, Options{PageSize: 2})

	// seed one durable page, as if a prior run died after flushing it
	ds, err := cat.Get("fuel")
	require.NoError(t, err)
	p := store.Ensure("fuel", "")
	w, err := segment.Create(store.SegmentPath(p), segment.Header{Dataset: ds.Name, Columns: ds.Columns})
	require.NoError(t, err)
	bytesWritten, err := w.AppendPage([]segment.Row{
		{"kenteken": "AA0000", "brandstof_omschrijving": "Benzine"},
		{"kenteken": "AA0001", "brandstof_omschrijving": "Benzine"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	p.RecordPage(2, bytesWritten)
	require.NoError(t, store.Update(p))

	require.NoError(t, f.Run(context.Background()))

	// the durable first page was never re-requested
	for _, off := range offsets {
		require.GreaterOrEqual(t, off, 2)
	}

	done, _ := store.Get("fuel")
	require.Equal(t, partition.StateComplete, done.State)
	require.Equal(t, int64(5), done.RowCount)
	require.Len(t, readAllRows(t, store.SegmentPath(done)), 5)
}

func TestRunSkipsCompletePartitions(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{})
	p := store.Ensure("fuel", "")
	p.MarkComplete()
	require.NoError(t, store.Update(p))

	require.NoError(t, f.Run(context.Background()))
	require.Zero(t, requests)
}

func TestRunForceRefreshRestartsPartitions(t *testing.T) {
	srv := pagedServer(t, fuelRows(1))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{ForceRefresh: true})
	oldRun := store.RunID()
	p := store.Ensure("fuel", "")
	p.MarkComplete()
	require.NoError(t, store.Update(p))

	require.NoError(t, f.Run(context.Background()))

	require.NotEqual(t, oldRun, store.RunID())
	got, _ := store.Get("fuel")
	require.Equal(t, partition.StateComplete, got.State)
	require.Equal(t, int64(1), got.RowCount)
}

func TestRunRecoversFromThrottling(t *testing.T) {
	var mu sync.Mutex
	throttled := 0
	all := fuelRows(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		first := throttled == 0
		if first {
			throttled++
		}
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		json.NewEncoder(w).Encode(all[offset:end])
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{PageSize: 10, MaxWorkers: 8})
	require.NoError(t, f.Run(context.Background()))

	require.Equal(t, 4, f.gate.Window()) // halved from 8
	p, _ := store.Get("fuel")
	require.Equal(t, partition.StateComplete, p.State)
	require.Equal(t, int64(3), p.RowCount)
}

func TestRunMarksExhaustedPartitionsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{MaxRetries: 2})
	err := f.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "partition fuel")

	p, _ := store.Get("fuel")
	require.Equal(t, partition.StateFailedRetryable, p.State)
	require.NotEmpty(t, p.LastError)
	require.True(t, p.Resumable())
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{MaxRetries: 3})
	err := f.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")

	require.Equal(t, 1, requests)
	p, _ := store.Get("fuel")
	require.Equal(t, partition.StateFailedRetryable, p.State)
}

func TestFailPartitionReportsManifestFlushError(t *testing.T) {
	dir := t.TempDir()
	store, err := partition.OpenStore(dir)
	require.NoError(t, err)
	p := store.Ensure("fuel", "")

	f := &Fetcher{store: store}
	require.NoError(t, os.RemoveAll(dir))

	cause := fmt.Errorf("page fetch failed")
	err = f.failPartition(p, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "recording failure")
}

func TestRunAbortsOnSchemaDrift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"kenteken":"AA0000","nieuwe_kolom":"x"}]`))
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{})
	err := f.Run(context.Background())
	require.Error(t, err)
	require.True(t, apkerrors.IsSchema(err))

	p, _ := store.Get("fuel")
	require.Equal(t, partition.StateFailedRetryable, p.State)
}

func TestRunAppliesSampling(t *testing.T) {
	all := fuelRows(100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$select") == "count(*) AS total" {
			w.Write([]byte(`[{"total":"100"}]`))
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		json.NewEncoder(w).Encode(all[offset:end])
	}))
	defer srv.Close()

	f, store, _ := newTestFetcher(t, srv.URL, Options{PageSize: 4, SamplePercent: 10})
	require.NoError(t, f.Run(context.Background()))

	p, _ := store.Get("fuel")
	require.Equal(t, partition.StateComplete, p.State)
	require.Equal(t, int64(10), p.RowCount)
}

func TestShardPrefixes(t *testing.T) {
	one := shardPrefixes(1)
	require.Len(t, one, 36)
	require.Equal(t, "0", one[0])
	require.Equal(t, "Z", one[35])

	two := shardPrefixes(2)
	require.Len(t, two, 36*36)
	require.Equal(t, "00", two[0])
	require.Equal(t, "ZZ", two[len(two)-1])
}

func TestWhereClauseComposition(t *testing.T) {
	cat := testCatalog(t, map[string]string{
		"inspections": `
name: inspections
remote_id: sgfe-77wx
order_key: kenteken
columns: [kenteken, meld_datum_door_keuringsinstantie]
where: "soort_erkenning_omschrijving='APK Lichte voertuigen'"
sharded: true
lookback_column: meld_datum_door_keuringsinstantie
`,
	})
	f, _, _ := newTestFetcherWithCatalog(t, "http://unused", Options{LookbackDays: 30}, cat)
	f.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	ds, err := cat.Get("inspections")
	require.NoError(t, err)

	where := f.whereClause(ds, "K")
	require.Equal(t,
		"soort_erkenning_omschrijving='APK Lichte voertuigen'"+
			" AND starts_with(kenteken, 'K')"+
			" AND meld_datum_door_keuringsinstantie >= '20260213'",
		where)

	f.opts.LookbackDays = 0
	require.Equal(t,
		"soort_erkenning_omschrijving='APK Lichte voertuigen' AND starts_with(kenteken, 'K')",
		f.whereClause(ds, "K"))
}

func TestBackoffProgression(t *testing.T) {
	f := &Fetcher{opts: Options{BackoffBase: 2 * time.Second, BackoffCap: 32 * time.Second}}

	require.Equal(t, 2*time.Second, f.backoff(0))
	require.Equal(t, 4*time.Second, f.backoff(1))
	require.Equal(t, 8*time.Second, f.backoff(2))
	require.Equal(t, 16*time.Second, f.backoff(3))
	require.Equal(t, 32*time.Second, f.backoff(4))
	require.Equal(t, 32*time.Second, f.backoff(10))
}

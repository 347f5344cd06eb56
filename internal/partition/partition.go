package partition

import (
	"fmt"
	"time"
)

// State tracks a partition through the fetch lifecycle.
type State string

const (
	StatePending         State = "PENDING"
	StateInProgress      State = "IN_PROGRESS"
	StateComplete        State = "COMPLETE"
	StateFailedRetryable State = "FAILED_RETRYABLE"
)

// Partition is one independently resumable unit of a dataset: either the
// whole dataset, or one key-prefix shard of it.
type Partition struct {
	Dataset      string    `json:"dataset"`
	Prefix       string    `json:"prefix,omitempty"` // empty for unsharded datasets
	State        State     `json:"state"`
	PagesFetched int       `json:"pages_fetched"`
	RowCount     int64     `json:"row_count"`
	BytesWritten int64     `json:"bytes_written"` // segment size at last durable page
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ID returns the manifest key for the partition, e.g. "vehicles/K".
func (p *Partition) ID() string {
	if p.Prefix == "" {
		return p.Dataset
	}
	return p.Dataset + "/" + p.Prefix
}

// SegmentName returns the on-disk segment file name for the partition.
func (p *Partition) SegmentName() string {
	if p.Prefix == "" {
		return p.Dataset + ".seg"
	}
	return fmt.Sprintf("%s_%s.seg", p.Dataset, p.Prefix)
}

// Resumable reports whether a run may pick this partition up.
func (p *Partition) Resumable() bool {
	return p.State != StateComplete
}

// RecordPage advances progress after a page has been made durable.
func (p *Partition) RecordPage(rows int64, bytesWritten int64) {
	p.State = StateInProgress
	p.PagesFetched++
	p.RowCount += rows
	p.BytesWritten = bytesWritten
	p.LastError = ""
	p.UpdatedAt = time.Now().UTC()
}

// MarkComplete finalizes the partition.
func (p *Partition) MarkComplete() {
	p.State = StateComplete
	p.LastError = ""
	p.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a retryable failure; durable pages are kept so the next
// run resumes from PagesFetched rather than restarting.
func (p *Partition) MarkFailed(err error) {
	p.State = StateFailedRetryable
	if err != nil {
		p.LastError = err.Error()
	}
	p.UpdatedAt = time.Now().UTC()
}

// Reset returns the partition to its initial state for a forced refetch.
func (p *Partition) Reset() {
	p.State = StatePending
	p.PagesFetched = 0
	p.RowCount = 0
	p.BytesWritten = 0
	p.LastError = ""
	p.UpdatedAt = time.Now().UTC()
}

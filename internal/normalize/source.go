package normalize

import (
	"io"

	"github.com/apklens/apklens/internal/segment"
)

// Source yields dataset rows in order-key order. Segment partitions are
// written in key order and shard prefixes sort lexicographically, so reading
// a dataset's segment files in prefix order yields a globally sorted stream.
type Source interface {
	Next() (segment.Row, error) // io.EOF after the last row
	Close() error
}

// SegmentSource streams rows out of a list of segment files in sequence.
type SegmentSource struct {
	paths []string
	r     *segment.Reader
	buf   []segment.Row
	idx   int
}

// NewSegmentSource creates a source over paths, read in the given order.
func NewSegmentSource(paths []string) *SegmentSource {
	return &SegmentSource{paths: paths}
}

func (s *SegmentSource) Next() (segment.Row, error) {
	for {
		if s.idx < len(s.buf) {
			row := s.buf[s.idx]
			s.idx++
			return row, nil
		}

		if s.r == nil {
			if len(s.paths) == 0 {
				return nil, io.EOF
			}
			r, err := segment.Open(s.paths[0])
			if err != nil {
				return nil, err
			}
			s.paths = s.paths[1:]
			s.r = r
		}

		rows, err := s.r.Next()
		if err == io.EOF {
			s.r.Close()
			s.r = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		s.buf = rows
		s.idx = 0
	}
}

func (s *SegmentSource) Close() error {
	if s.r != nil {
		err := s.r.Close()
		s.r = nil
		return err
	}
	return nil
}

// sliceSource serves in-memory rows; used by tests.
type sliceSource struct {
	rows []segment.Row
}

func (s *sliceSource) Next() (segment.Row, error) {
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	row := s.rows[0]
	s.rows = s.rows[1:]
	return row, nil
}

func (s *sliceSource) Close() error { return nil }

// groupCursor batches consecutive rows sharing a key column value. The
// underlying source must be sorted by that column.
type groupCursor struct {
	src     Source
	keyCol  string
	pending segment.Row
	hasRow  bool
	done    bool
}

func newGroupCursor(src Source, keyCol string) *groupCursor {
	return &groupCursor{src: src, keyCol: keyCol}
}

// nextGroup returns the next key and all its rows, or io.EOF.
func (c *groupCursor) nextGroup() (string, []segment.Row, error) {
	if c.done {
		return "", nil, io.EOF
	}

	if !c.hasRow {
		row, err := c.src.Next()
		if err == io.EOF {
			c.done = true
			return "", nil, io.EOF
		}
		if err != nil {
			return "", nil, err
		}
		c.pending = row
		c.hasRow = true
	}

	key := c.pending[c.keyCol]
	group := []segment.Row{c.pending}
	c.hasRow = false

	for {
		row, err := c.src.Next()
		if err == io.EOF {
			c.done = true
			return key, group, nil
		}
		if err != nil {
			return "", nil, err
		}
		if row[c.keyCol] != key {
			c.pending = row
			c.hasRow = true
			return key, group, nil
		}
		group = append(group, row)
	}
}

// seeker advances a sorted group cursor to requested keys. Requested keys
// must be non-decreasing; groups skipped over are dropped.
type seeker struct {
	c       *groupCursor
	key     string
	rows    []segment.Row
	started bool
	done    bool
}

func newSeeker(c *groupCursor) *seeker {
	return &seeker{c: c}
}

// seek returns the rows for key, or nil when the stream has no such group.
func (s *seeker) seek(key string) ([]segment.Row, error) {
	for {
		if s.done {
			return nil, nil
		}
		if s.started && s.key >= key {
			break
		}
		k, rows, err := s.c.nextGroup()
		if err == io.EOF {
			s.done = true
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s.key, s.rows, s.started = k, rows, true
	}
	if s.key == key {
		return s.rows, nil
	}
	return nil, nil
}

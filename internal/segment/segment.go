// Package segment implements the on-disk page store for fetched partitions.
//
// A segment file holds one partition: a small JSON header naming the dataset
// and its column layout, followed by one self-delimiting block per fetched
// page. Blocks are column-major and snappy-compressed, and each block is
// length-prefixed so a writer can append pages and a reader can stream them
// without an index. Resume after a crash truncates the file to the last
// byte count the manifest recorded, which is always a block boundary.
package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang/snappy"

	apkerrors "github.com/apklens/apklens/internal/core/errors"
)

var magic = []byte("APKSEG1\n")

// Header identifies the partition a segment file belongs to and fixes its
// column layout. Blocks are decoded against Columns in order.
type Header struct {
	Dataset   string    `json:"dataset"`
	Prefix    string    `json:"prefix,omitempty"`
	Columns   []string  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
}

// block is the wire shape of one page. Values[i] is the column Columns[i];
// a nil entry is a null (the upstream record omitted the field).
type block struct {
	Rows   int         `json:"rows"`
	Values [][]*string `json:"values"`
}

// Row is one decoded record. Null columns are absent from the map.
type Row map[string]string

// Writer appends page blocks to a segment file.
type Writer struct {
	f       *os.File
	header  Header
	written int64
}

// Create opens a new segment file, replacing any existing one, and writes
// the header.
func Create(path string, header Header) (*Writer, error) {
	if len(header.Columns) == 0 {
		return nil, fmt.Errorf("segment %s: header has no columns", path)
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating segment %s: %w", path, err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding segment header: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	for _, chunk := range [][]byte{magic, lenBuf[:], headerJSON} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing segment header: %w", err)
		}
	}

	written := int64(len(magic) + 4 + len(headerJSON))
	return &Writer{f: f, header: header, written: written}, nil
}

// Resume reopens an existing segment for appending. The file is truncated to
// durableBytes, the byte count the manifest recorded after the last fully
// flushed page, discarding any partial block from an interrupted run. The
// stored column layout must match the requested one.
func Resume(path string, header Header, durableBytes int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", path, err)
	}

	stored, headerLen, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := sameLayout(stored, header); err != nil {
		f.Close()
		return nil, err
	}
	if durableBytes < headerLen {
		f.Close()
		return nil, apkerrors.Integrityf("segment %s: durable byte count %d is inside the header", path, durableBytes)
	}

	if err := f.Truncate(durableBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating segment %s: %w", path, err)
	}
	if _, err := f.Seek(durableBytes, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking segment %s: %w", path, err)
	}

	return &Writer{f: f, header: stored, written: durableBytes}, nil
}

func sameLayout(stored, want Header) error {
	if want.Dataset != "" && stored.Dataset != want.Dataset {
		return apkerrors.Schemaf("segment holds dataset %q, expected %q", stored.Dataset, want.Dataset)
	}
	if len(stored.Columns) != len(want.Columns) {
		return apkerrors.Schemaf("segment has %d columns, expected %d", len(stored.Columns), len(want.Columns))
	}
	for i, col := range stored.Columns {
		if col != want.Columns[i] {
			return apkerrors.Schemaf("segment column %d is %q, expected %q", i, col, want.Columns[i])
		}
	}
	return nil
}

// AppendPage writes one page of records as a compressed block and flushes it.
// A record field not present in the segment's column layout is a schema error;
// a layout column missing from a record is stored as null. Returns the total
// durable byte count after the flush, for the manifest.
func (w *Writer) AppendPage(records []Row) (int64, error) {
	blk := block{
		Rows:   len(records),
		Values: make([][]*string, len(w.header.Columns)),
	}
	colIndex := make(map[string]int, len(w.header.Columns))
	for i, col := range w.header.Columns {
		blk.Values[i] = make([]*string, len(records))
		colIndex[col] = i
	}

	for rowIdx, rec := range records {
		for field, value := range rec {
			i, ok := colIndex[field]
			if !ok {
				return 0, apkerrors.Schemaf("dataset %s: unknown column %q in upstream record", w.header.Dataset, field)
			}
			v := value
			blk.Values[i][rowIdx] = &v
		}
	}

	payload, err := json.Marshal(blk)
	if err != nil {
		return 0, fmt.Errorf("encoding page block: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("writing block length: %w", err)
	}
	if _, err := w.f.Write(compressed); err != nil {
		return 0, fmt.Errorf("writing block: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, fmt.Errorf("flushing block: %w", err)
	}

	w.written += int64(4 + len(compressed))
	return w.written, nil
}

// BytesWritten returns the durable size of the segment.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader streams page blocks back out of a segment file.
type Reader struct {
	f      *os.File
	header Header
}

// Open opens a segment for reading and decodes its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", path, err)
	}
	header, _, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, header: header}, nil
}

func readHeader(f *os.File) (Header, int64, error) {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, 0, apkerrors.Schemaf("reading segment magic: %v", err)
	}
	if string(buf) != string(magic) {
		return Header{}, 0, apkerrors.Schemaf("not a segment file (bad magic %q)", buf)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return Header{}, 0, apkerrors.Schemaf("reading segment header length: %v", err)
	}
	headerJSON := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return Header{}, 0, apkerrors.Schemaf("reading segment header: %v", err)
	}

	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return Header{}, 0, apkerrors.Schemaf("parsing segment header: %v", err)
	}
	if len(h.Columns) == 0 {
		return Header{}, 0, apkerrors.Schemaf("segment header has no columns")
	}

	total := int64(len(magic) + 4 + len(headerJSON))
	return h, total, nil
}

// Header returns the segment's header.
func (r *Reader) Header() Header {
	return r.header
}

// Next decodes the next page block into rows. Returns io.EOF after the last
// block.
func (r *Reader) Next() ([]Row, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.f, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, apkerrors.Integrityf("truncated block length: %v", err)
	}

	compressed := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r.f, compressed); err != nil {
		return nil, apkerrors.Integrityf("truncated block: %v", err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, apkerrors.Integrityf("corrupt block: %v", err)
	}

	var blk block
	if err := json.Unmarshal(payload, &blk); err != nil {
		return nil, apkerrors.Integrityf("decoding block: %v", err)
	}
	if len(blk.Values) != len(r.header.Columns) {
		return nil, apkerrors.Schemaf("block has %d columns, header has %d", len(blk.Values), len(r.header.Columns))
	}
	for colIdx, vals := range blk.Values {
		if len(vals) != blk.Rows {
			return nil, apkerrors.Integrityf("block column %q has %d values for %d rows", r.header.Columns[colIdx], len(vals), blk.Rows)
		}
	}

	rows := make([]Row, blk.Rows)
	for rowIdx := range rows {
		row := make(Row, len(r.header.Columns))
		for colIdx, col := range r.header.Columns {
			if v := blk.Values[colIdx][rowIdx]; v != nil {
				row[col] = *v
			}
		}
		rows[rowIdx] = row
	}
	return rows, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

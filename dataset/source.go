package dataset

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Source yields one labelled sample per call. Sources used by the prefetch
// pipeline loop over their data: reaching the end rewinds rather than failing.
type Source interface {
	Next() (*Datum, error)
}

// MemorySource loops over an in-memory list of datums
type MemorySource struct {
	mu       sync.Mutex
	datums   []*Datum
	position int
}

// NewMemorySource creates a looping source over datums
func NewMemorySource(datums []*Datum) (*MemorySource, error) {
	if len(datums) == 0 {
		return nil, errors.New("memory source needs at least one datum")
	}
	return &MemorySource{datums: datums}, nil
}

// Next returns the next datum, wrapping around at the end
func (ms *MemorySource) Next() (*Datum, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d := ms.datums[ms.position]
	ms.position = (ms.position + 1) % len(ms.datums)
	return d, nil
}

// Len returns the number of distinct datums
func (ms *MemorySource) Len() int {
	return len(ms.datums)
}

// MaxRecordSize bounds the length prefix of a single record
const MaxRecordSize = 1 << 30

// RecordSource reads varint length-delimited Datum records from a seekable
// stream and rewinds when it reaches the end.
type RecordSource struct {
	mu     sync.Mutex
	rs     io.ReadSeeker
	reader *bufio.Reader
	read   int // records read since the last rewind
}

// NewRecordSource creates a looping record source
func NewRecordSource(rs io.ReadSeeker) *RecordSource {
	return &RecordSource{
		rs:     rs,
		reader: bufio.NewReader(rs),
	}
}

// Next decodes the next record, rewinding to the first record at end of stream
func (rsrc *RecordSource) Next() (*Datum, error) {
	rsrc.mu.Lock()
	defer rsrc.mu.Unlock()

	size, err := binary.ReadUvarint(rsrc.reader)
	if err == io.EOF {
		if rsrc.read == 0 {
			return nil, errors.New("record stream is empty")
		}
		if _, err := rsrc.rs.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "failed to rewind record stream")
		}
		rsrc.reader.Reset(rsrc.rs)
		rsrc.read = 0
		size, err = binary.ReadUvarint(rsrc.reader)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read record length")
	}

	if size > MaxRecordSize {
		return nil, errors.Errorf("record length %d exceeds limit of %d bytes", size, MaxRecordSize)
	}
	left, err := rsrc.remaining()
	if err != nil {
		return nil, err
	}
	if size > uint64(left) {
		return nil, errors.Errorf("record length %d exceeds the %d bytes left in the stream", size, left)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(rsrc.reader, buf); err != nil {
		return nil, errors.Wrapf(err, "failed to read record of %d bytes", size)
	}
	rsrc.read++

	d, err := UnmarshalDatum(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", rsrc.read)
	}
	return d, nil
}

// remaining reports how many unread bytes are left, counting what the
// buffered reader already holds
func (rsrc *RecordSource) remaining() (int64, error) {
	cur, err := rsrc.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query record stream position")
	}
	end, err := rsrc.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query record stream length")
	}
	if _, err := rsrc.rs.Seek(cur, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "failed to restore record stream position")
	}
	return end - cur + int64(rsrc.reader.Buffered()), nil
}

// WriteRecord appends a length-delimited datum record to w
func WriteRecord(w io.Writer, d *Datum) error {
	payload := d.Marshal()
	record := protowire.AppendVarint(make([]byte, 0, len(payload)+binary.MaxVarintLen64), uint64(len(payload)))
	record = append(record, payload...)
	if _, err := w.Write(record); err != nil {
		return errors.Wrap(err, "failed to write record")
	}
	return nil
}

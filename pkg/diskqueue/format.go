package diskqueue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Transaction log framing. Little-endian throughout:
//
//	record    := startMarker(16) opCount(u32) operation* endMarker(16)
//	operation := kind(u8) file(u32) start(u64) length(u32)
//
// The markers are fixed 16-byte values with no printable-ASCII-only
// prefix, chosen to be recognizable even when payload bytes land in the
// log by way of a torn write.
var (
	txStartMarker = [16]byte{
		0xB7, 0x5E, 'D', 'Q', 'B', 'E', 'G', 'I',
		'N', 0x00, 0x9C, 0x2A, 0xE1, 0x47, 0xD3, 0x6F,
	}
	txEndMarker = [16]byte{
		0xB7, 0x5E, 'D', 'Q', 'E', 'N', 'D', 0x00,
		0xF4, 0x81, 0x58, 0xA9, 0x3B, 0xC2, 0x14, 0x7D,
	}
)

const (
	txMarkerSize = 16
	txOpSize     = 1 + 4 + 8 + 4
)

// errBadRecord is the internal signal that the reader hit bytes that are
// not a valid transaction record. The caller decides between truncation
// and ErrUnrecoverable based on policy.
var errBadRecord = errors.New("internal: bad transaction record")

// maxOpsPerRecord bounds the declared operation count so a corrupt count
// field cannot drive a giant allocation.
const maxOpsPerRecord = 1 << 20

// encodeTransaction appends the framed record for ops to buf and returns
// the extended slice.
func encodeTransaction(buf []byte, ops []operation) []byte {
	buf = append(buf, txStartMarker[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))

	for _, op := range ops {
		buf = append(buf, byte(op.kind))
		buf = binary.LittleEndian.AppendUint32(buf, op.file)
		buf = binary.LittleEndian.AppendUint64(buf, op.start)
		buf = binary.LittleEndian.AppendUint32(buf, op.length)
	}

	buf = append(buf, txEndMarker[:]...)

	return buf
}

// logReader reads framed transactions sequentially from a log stream.
//
// After a Next error the reader is positioned at the failure; GoodOffset
// reports the byte offset just past the last fully valid record, which is
// the truncation point under the tolerant recovery policy.
type logReader struct {
	r          io.Reader
	goodOffset int64
	count      int
}

func newLogReader(r io.Reader) *logReader {
	return &logReader{r: r}
}

// GoodOffset returns the offset just past the last valid record.
func (lr *logReader) GoodOffset() int64 { return lr.goodOffset }

// Count returns the number of valid records read so far.
func (lr *logReader) Count() int { return lr.count }

// Next reads one transaction. Returns io.EOF at a clean end of log,
// errBadRecord (possibly wrapped) for anything that is not a
// well-formed record.
func (lr *logReader) Next() ([]operation, error) {
	var marker [txMarkerSize]byte

	n, err := io.ReadFull(lr.r, marker[:])
	if err == io.EOF {
		return nil, io.EOF
	}

	if err != nil {
		// A short marker is a torn tail, not an I/O failure surface.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short start marker (%d bytes): %w", n, errBadRecord)
		}

		return nil, err
	}

	if !bytes.Equal(marker[:], txStartMarker[:]) {
		return nil, fmt.Errorf("missing start marker: %w", errBadRecord)
	}

	var countBuf [4]byte

	_, err = io.ReadFull(lr.r, countBuf[:])
	if err != nil {
		return nil, fmt.Errorf("short operation count: %w", errBadRecord)
	}

	opCount := binary.LittleEndian.Uint32(countBuf[:])
	if opCount > maxOpsPerRecord {
		return nil, fmt.Errorf("implausible operation count %d: %w", opCount, errBadRecord)
	}

	body := make([]byte, int(opCount)*txOpSize)

	_, err = io.ReadFull(lr.r, body)
	if err != nil {
		return nil, fmt.Errorf("short operation body: %w", errBadRecord)
	}

	ops := make([]operation, 0, opCount)

	for i := 0; i < int(opCount); i++ {
		rec := body[i*txOpSize:]

		kind := opKind(rec[0])
		if kind != opEnqueue && kind != opDequeue {
			return nil, fmt.Errorf("unknown operation kind %d: %w", rec[0], errBadRecord)
		}

		ops = append(ops, operation{
			kind:   kind,
			file:   binary.LittleEndian.Uint32(rec[1:5]),
			start:  binary.LittleEndian.Uint64(rec[5:13]),
			length: binary.LittleEndian.Uint32(rec[13:17]),
		})
	}

	_, err = io.ReadFull(lr.r, marker[:])
	if err != nil {
		return nil, fmt.Errorf("short end marker: %w", errBadRecord)
	}

	if !bytes.Equal(marker[:], txEndMarker[:]) {
		return nil, fmt.Errorf("missing end marker: %w", errBadRecord)
	}

	lr.goodOffset += int64(txMarkerSize + 4 + int(opCount)*txOpSize + txMarkerSize)
	lr.count++

	return ops, nil
}

package diskqueue

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// metaFileName is the checkpoint file inside a queue directory.
const metaFileName = "meta.state"

// Checkpoint format, little-endian:
//
//	magic "DQMS" | version u16 | reserved u16
//	writeFile u32 | writePos u64 | txID u64
//	fileCount u32
//	per file: fileNum u32 | rangeCount u32 | (start u64, length u32)*
//
// The checkpoint is advisory: it caches the result of replaying the
// transaction log. When the two disagree, the log wins and the
// checkpoint is rewritten.
const (
	metaMagic   = "DQMS"
	metaVersion = 1
)

// checkpoint is the persisted snapshot of the queue's recovered state.
type checkpoint struct {
	writeFile uint32
	writePos  uint64
	txID      uint64
	live      map[uint32][]byteRange
}

// writeTo serializes the checkpoint. Files and ranges are emitted in
// ascending order so identical states produce identical bytes.
func (c *checkpoint) writeTo(w io.Writer) error {
	files := make([]uint32, 0, len(c.live))
	for f := range c.live {
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })

	buf := make([]byte, 0, 32)
	buf = append(buf, metaMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, metaVersion)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, c.writeFile)
	buf = binary.LittleEndian.AppendUint64(buf, c.writePos)
	buf = binary.LittleEndian.AppendUint64(buf, c.txID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(files)))

	_, err := w.Write(buf)
	if err != nil {
		return err
	}

	for _, f := range files {
		ranges := c.live[f]

		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint32(buf, f)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ranges)))

		for _, r := range ranges {
			buf = binary.LittleEndian.AppendUint64(buf, r.start)
			buf = binary.LittleEndian.AppendUint32(buf, r.length)
		}

		_, err = w.Write(buf)
		if err != nil {
			return err
		}
	}

	return nil
}

// readCheckpointPayload parses a checkpoint stream.
func readCheckpointPayload(r io.Reader) (*checkpoint, error) {
	header := make([]byte, 4+2+2+4+8+8+4)

	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, fmt.Errorf("checkpoint header: %w", err)
	}

	if string(header[0:4]) != metaMagic {
		return nil, fmt.Errorf("checkpoint magic %q", header[0:4])
	}

	version := binary.LittleEndian.Uint16(header[4:6])
	if version != metaVersion {
		return nil, fmt.Errorf("checkpoint version %d", version)
	}

	cp := &checkpoint{
		writeFile: binary.LittleEndian.Uint32(header[8:12]),
		writePos:  binary.LittleEndian.Uint64(header[12:20]),
		txID:      binary.LittleEndian.Uint64(header[20:28]),
		live:      map[uint32][]byteRange{},
	}

	fileCount := binary.LittleEndian.Uint32(header[28:32])

	fileHeader := make([]byte, 8)

	for i := uint32(0); i < fileCount; i++ {
		_, err = io.ReadFull(r, fileHeader)
		if err != nil {
			return nil, fmt.Errorf("checkpoint file table: %w", err)
		}

		fileNum := binary.LittleEndian.Uint32(fileHeader[0:4])
		rangeCount := binary.LittleEndian.Uint32(fileHeader[4:8])

		if rangeCount > maxOpsPerRecord {
			return nil, fmt.Errorf("checkpoint range count %d", rangeCount)
		}

		body := make([]byte, int(rangeCount)*12)

		_, err = io.ReadFull(r, body)
		if err != nil {
			return nil, fmt.Errorf("checkpoint ranges: %w", err)
		}

		ranges := make([]byteRange, 0, rangeCount)

		for j := 0; j < int(rangeCount); j++ {
			rec := body[j*12:]
			ranges = append(ranges, byteRange{
				start:  binary.LittleEndian.Uint64(rec[0:8]),
				length: binary.LittleEndian.Uint32(rec[8:12]),
			})
		}

		cp.live[fileNum] = ranges
	}

	return cp, nil
}

// loadCheckpoint reads meta.state through the driver's two-phase-replace
// recovery. Absence and corruption both return nil: the checkpoint is a
// cache and the transaction log rebuilds it.
func loadCheckpoint(d *driver, path string, bufSize int) *checkpoint {
	var cp *checkpoint

	err := d.atomicRead(path, bufSize, func(r io.Reader) error {
		parsed, parseErr := readCheckpointPayload(r)
		if parseErr != nil {
			return parseErr
		}

		cp = parsed

		return nil
	})
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warn("diskqueue: checkpoint unreadable, rebuilding from log", "path", path, "error", err)
		}

		return nil
	}

	return cp
}

// storeCheckpoint rewrites meta.state via the two-phase replace.
func storeCheckpoint(d *driver, path string, cp *checkpoint) error {
	return d.atomicWrite(path, cp.writeTo)
}

// equalState reports whether two checkpoints describe the same queue
// state (used to detect a stale checkpoint lagging the log).
func (c *checkpoint) equalState(other *checkpoint) bool {
	if other == nil {
		return false
	}

	if c.writeFile != other.writeFile || c.writePos != other.writePos || c.txID != other.txID {
		return false
	}

	if len(c.live) != len(other.live) {
		return false
	}

	for f, ranges := range c.live {
		otherRanges, ok := other.live[f]
		if !ok || len(ranges) != len(otherRanges) {
			return false
		}

		for i := range ranges {
			if ranges[i] != otherRanges[i] {
				return false
			}
		}
	}

	return true
}

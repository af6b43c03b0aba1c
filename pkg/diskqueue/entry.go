package diskqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// opKind tags an operation in the transaction log.
type opKind uint8

const (
	opEnqueue opKind = 0
	opDequeue opKind = 1
)

// entry locates one stored payload: the byte range
// [start, start+length) of data file number file.
type entry struct {
	file   uint32
	start  uint64
	length uint32
}

// operation is one element of a transaction. An enqueue operation denotes
// bytes written by the transaction; a dequeue operation denotes bytes it
// consumed.
type operation struct {
	kind   opKind
	file   uint32
	start  uint64
	length uint32
}

func (o operation) entry() entry {
	return entry{file: o.file, start: o.start, length: o.length}
}

func enqueueOp(e entry) operation {
	return operation{kind: opEnqueue, file: e.file, start: e.start, length: e.length}
}

func dequeueOp(e entry) operation {
	return operation{kind: opDequeue, file: e.file, start: e.start, length: e.length}
}

// byteRange is a live interval of a data file.
type byteRange struct {
	start  uint64
	length uint32
}

// dataFileName returns the zero-padded name of data file n, e.g. "data.0007".
func dataFileName(n uint32) string {
	return fmt.Sprintf("data.%04d", n)
}

// parseDataFileName extracts the file number from a data file name.
// Returns false for anything that is not a data file.
func parseDataFileName(name string) (uint32, bool) {
	s, ok := strings.CutPrefix(name, "data.")
	if !ok || len(s) < 4 {
		return 0, false
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}

	return uint32(n), true
}

package lss

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"meshkv/internal/vclock"
)

// recordTag distinguishes the two kinds of log record.
type recordTag string

const (
	tagSet    recordTag = "set"
	tagRemove recordTag = "remove"
)

// record is the on-disk tagged union: either a Set carrying a versioned
// component, or a Remove carrying only a key.
type record struct {
	Tag   recordTag         `json:"tag"`
	Key   string            `json:"key"`
	Value *vclock.Component `json:"value,omitempty"`
}

// lengthPrefixSize is the width of the framing prefix in bytes.
const lengthPrefixSize = 4

// encodeRecord frames r as a 4-byte big-endian length prefix followed by its
// JSON body.
func encodeRecord(r record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("lss: encode record: %w", err)
	}
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}

// readRecord reads one framed record starting at the reader's current
// position. It returns io.EOF when there is nothing left to read, and
// errTornRecord when a partial frame is found at the tail (the writer was
// interrupted mid-append) — callers at store-open time must treat that as
// the end of the log, not a corruption.
func readRecord(r io.Reader) (record, int, error) {
	prefix := make([]byte, lengthPrefixSize)
	n, err := io.ReadFull(r, prefix)
	if err == io.EOF {
		return record{}, 0, io.EOF
	}
	if err != nil {
		// A short read on the length prefix itself is a torn tail.
		return record{}, n, errTornRecord
	}

	length := binary.BigEndian.Uint32(prefix)
	body := make([]byte, length)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return record{}, lengthPrefixSize + m, errTornRecord
	}

	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return record{}, lengthPrefixSize + m, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	return rec, lengthPrefixSize + m, nil
}

// Package lss implements the log-structured local store: an append-only
// per-generation log with an in-memory key index, compaction that runs
// inline on the write that crosses the threshold, and tolerance for a torn
// write at the very end of the log.
//
// Big idea:
//
// Every write is appended to the currently active generation file, never
// rewritten in place. The in-memory index remembers only where the latest
// live copy of each key lives (generation, offset, length). Old copies
// become dead weight ("uncompacted" bytes); once that weight crosses a
// threshold, a compaction pass copies every live key forward into a fresh
// pair of generations and drops the old files. This is the same shape as
// Bitcask and Riak's bitcask backend: sequential writes, a direct index,
// and compaction instead of in-place updates.
package lss

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/natefinch/atomic"

	"meshkv/internal/sink"
	"meshkv/internal/vclock"
)

// DefaultCompactionThreshold is the number of dead bytes the store (counted
// across all streams) may accumulate before a write triggers compaction.
const DefaultCompactionThreshold = 128 * 128

// indexEntry locates the latest live Set record for a key.
type indexEntry struct {
	stream string
	gen    uint64
	pos    uint64
	len    uint64
}

// stream is one independent generation sequence: the root store, or one
// substore. All streams share the Store's index namespace.
type stream struct {
	folder    *sink.Folder
	name      string
	readers   map[uint64]*sink.File
	activeGen uint64
	writer    *sink.File
	writePos  uint64
}

// Store is a single log-structured key-value database, optionally fronting
// one or more substores.
type Store struct {
	mu                  sync.Mutex
	streams             map[string]*stream
	index               map[string]indexEntry
	uncompacted         uint64
	compactionThreshold uint64
}

// Open opens (creating if absent) the store rooted at path.
func Open(path string) (*Store, error) {
	folder, err := sink.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		streams:             make(map[string]*stream),
		index:               make(map[string]indexEntry),
		compactionThreshold: DefaultCompactionThreshold,
	}

	root, err := s.openStream(folder, "")
	if err != nil {
		return nil, err
	}
	s.streams[""] = root
	return s, nil
}

// AddSubstore opens an additional generation stream scoped under subpath,
// sharing the root's index namespace. Keys written via SetScoped(key,
// value, name) live in this stream's files.
func (s *Store) AddSubstore(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[name]; ok {
		return nil
	}
	root := s.streams[""]
	folder, err := root.folder.Subfolder(name)
	if err != nil {
		return err
	}
	st, err := s.openStream(folder, name)
	if err != nil {
		return err
	}
	s.streams[name] = st
	return nil
}

// openStream enumerates folder's generation files, replays them in
// ascending order into the shared index, and opens a fresh active
// generation for writing.
func (s *Store) openStream(folder *sink.Folder, name string) (*stream, error) {
	names, err := folder.ListFiles()
	if err != nil {
		return nil, err
	}

	var gens []uint64
	for _, n := range names {
		g, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			continue // not a generation file (e.g. a stray .tmp)
		}
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	st := &stream{
		folder:  folder,
		name:    name,
		readers: make(map[uint64]*sink.File),
	}

	for i, gen := range gens {
		f, err := folder.OpenFile(strconv.FormatUint(gen, 10))
		if err != nil {
			return nil, err
		}
		st.readers[gen] = f

		isLast := i == len(gens)-1
		if err := s.replayGeneration(st, gen, f, isLast); err != nil {
			return nil, err
		}
	}

	next := uint64(1)
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	writer, err := folder.OpenFile(strconv.FormatUint(next, 10))
	if err != nil {
		return nil, err
	}
	size, err := writer.Size()
	if err != nil {
		return nil, err
	}
	st.activeGen = next
	st.writer = writer
	st.writePos = uint64(size)
	st.readers[next] = writer

	return st, nil
}

// replayGeneration reads every record in f and applies it to the shared
// index. A torn trailing record is tolerated only in the most recent
// generation file (isLast); anywhere else it is fatal.
func (s *Store) replayGeneration(st *stream, gen uint64, f *sink.File, isLast bool) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var pos uint64
	for {
		rec, n, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err == errTornRecord {
			if isLast {
				break // torn tail: stop here, do not surface as an error
			}
			return fmt.Errorf("lss: torn record in interior generation %d", gen)
		}
		if errors.Is(err, errBadRecord) && isLast {
			// An undecodable record that ends exactly at EOF is a torn tail too.
			if size, serr := f.Size(); serr == nil && pos+uint64(n) == uint64(size) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("lss: replay generation %d: %w", gen, err)
		}

		switch rec.Tag {
		case tagSet:
			if old, ok := s.index[rec.Key]; ok {
				s.uncompacted += old.len
			}
			s.index[rec.Key] = indexEntry{stream: st.name, gen: gen, pos: pos, len: uint64(n)}
		case tagRemove:
			if old, ok := s.index[rec.Key]; ok {
				s.uncompacted += old.len
				delete(s.index, rec.Key)
			}
			s.uncompacted += uint64(n)
		}
		pos += uint64(n)
	}
	return nil
}

// Set writes key=value into the root stream.
func (s *Store) Set(key string, value vclock.Component) error {
	return s.SetScoped(key, value, "")
}

// SetScoped writes key=value into the named substore ("" for root).
func (s *Store) SetScoped(key string, value vclock.Component, substore string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[substore]
	if !ok {
		return fmt.Errorf("lss: unknown substore %q", substore)
	}

	framed, err := encodeRecord(record{Tag: tagSet, Key: key, Value: &value})
	if err != nil {
		return err
	}
	// The writer doubles as the active generation's reader, so a Get may
	// have moved its offset; always append at the end of the log.
	if _, err := st.writer.Seek(int64(st.writePos), io.SeekStart); err != nil {
		return fmt.Errorf("lss: seek writer: %w", err)
	}
	n, err := st.writer.Write(framed)
	if err != nil {
		return fmt.Errorf("lss: append set: %w", err)
	}
	if err := st.writer.Flush(); err != nil {
		return fmt.Errorf("lss: flush: %w", err)
	}

	pos := st.writePos
	st.writePos += uint64(n)

	if old, ok := s.index[key]; ok {
		s.uncompacted += old.len
	}
	s.index[key] = indexEntry{stream: substore, gen: st.activeGen, pos: pos, len: uint64(n)}

	return s.maybeCompact(substore)
}

// Get reads key from the root stream.
func (s *Store) Get(key string) (vclock.Component, bool, error) {
	return s.GetScoped(key, "")
}

// GetScoped reads key, looking it up via the shared index regardless of
// which stream it actually lives in (substore is accepted for API symmetry
// with SetScoped but the index is global).
func (s *Store) GetScoped(key string, _ string) (vclock.Component, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (vclock.Component, bool, error) {
	entry, ok := s.index[key]
	if !ok {
		return vclock.Component{}, false, nil
	}

	st := s.streams[entry.stream]
	reader, ok := st.readers[entry.gen]
	if !ok {
		return vclock.Component{}, false, fmt.Errorf("lss: missing reader for generation %d", entry.gen)
	}

	if _, err := reader.Seek(int64(entry.pos), io.SeekStart); err != nil {
		return vclock.Component{}, false, fmt.Errorf("lss: seek: %w", err)
	}
	buf := make([]byte, entry.len)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return vclock.Component{}, false, fmt.Errorf("lss: read: %w", err)
	}

	rec, _, err := readRecord(bytes.NewReader(buf))
	if err != nil {
		return vclock.Component{}, false, fmt.Errorf("lss: decode indexed record: %w", err)
	}
	if rec.Tag != tagSet || rec.Value == nil {
		return vclock.Component{}, false, fmt.Errorf("lss: %w: expected set at indexed position", errBadRecord)
	}
	return *rec.Value, true, nil
}

// Remove deletes key. Returns ErrKeyNotFound if it was already absent.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.index[key]
	if !ok {
		return ErrKeyNotFound
	}

	st := s.streams[old.stream]
	framed, err := encodeRecord(record{Tag: tagRemove, Key: key})
	if err != nil {
		return err
	}
	if _, err := st.writer.Seek(int64(st.writePos), io.SeekStart); err != nil {
		return fmt.Errorf("lss: seek writer: %w", err)
	}
	n, err := st.writer.Write(framed)
	if err != nil {
		return fmt.Errorf("lss: append remove: %w", err)
	}
	if err := st.writer.Flush(); err != nil {
		return fmt.Errorf("lss: flush: %w", err)
	}
	st.writePos += uint64(n)

	s.uncompacted += old.len + uint64(n)
	delete(s.index, key)

	return s.maybeCompact(old.stream)
}

// GetAll returns every live key/value pair in ascending key order.
func (s *Store) GetAll() ([]KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.getLocked(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KeyValue{Key: k, Value: v})
		}
	}
	return out, nil
}

// KeyValue pairs a key with its current component.
type KeyValue struct {
	Key   string
	Value vclock.Component
}

// Bound describes one end of a range query.
type Bound struct {
	Key       string
	Inclusive bool
	Unbounded bool
}

// GetRange returns every live key/value pair with lo <= key < hi (or the
// inclusive/exclusive variant requested by each Bound), in ascending key
// order.
func (s *Store) GetRange(lo, hi Bound) ([]KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		if !inBound(k, lo, hi) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.getLocked(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KeyValue{Key: k, Value: v})
		}
	}
	return out, nil
}

func inBound(key string, lo, hi Bound) bool {
	if !lo.Unbounded {
		if lo.Inclusive && key < lo.Key {
			return false
		}
		if !lo.Inclusive && key <= lo.Key {
			return false
		}
	}
	if !hi.Unbounded {
		if hi.Inclusive && key > hi.Key {
			return false
		}
		if !hi.Inclusive && key >= hi.Key {
			return false
		}
	}
	return true
}

// maybeCompact runs compaction on the named stream if the store's dead-byte
// count has crossed the threshold. Dead-byte accounting is global across
// streams but compaction runs per-stream, since each stream owns an
// independent generation sequence.
func (s *Store) maybeCompact(substore string) error {
	if s.uncompacted <= s.compactionThreshold {
		return nil
	}
	return s.compact(substore)
}

// compact rewrites every live key belonging to substore into a fresh
// generation, then retires the old generation files. Callers must hold
// s.mu.
func (s *Store) compact(substore string) error {
	st := s.streams[substore]
	compactionGen := st.activeGen + 1
	newActiveGen := st.activeGen + 2

	var buf bytes.Buffer
	newEntries := make(map[string]indexEntry)

	for key, entry := range s.index {
		if entry.stream != substore {
			continue
		}
		v, ok, err := s.getLocked(key)
		if err != nil {
			return fmt.Errorf("lss: compact read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		framed, err := encodeRecord(record{Tag: tagSet, Key: key, Value: &v})
		if err != nil {
			return err
		}
		pos := uint64(buf.Len())
		buf.Write(framed)
		newEntries[key] = indexEntry{stream: substore, gen: compactionGen, pos: pos, len: uint64(len(framed))}
	}

	// The bytes reclaimed are every byte on disk across this stream's
	// existing generations (live and dead alike) minus what the compacted
	// generation keeps — not the live records' own lengths, which sum to
	// the surviving size, not the dead weight removed.
	var oldTotalSize uint64
	for g, r := range st.readers {
		if g >= compactionGen {
			continue
		}
		size, err := r.Size()
		if err != nil {
			return fmt.Errorf("lss: stat generation %d: %w", g, err)
		}
		oldTotalSize += uint64(size)
	}
	freed := oldTotalSize - uint64(buf.Len())

	// natefinch/atomic writes to a temp file in the same directory and
	// renames it into place, so a crash mid-compaction never leaves a
	// half-written generation file visible under its final name.
	finalPath := filepath.Join(st.folder.Path(), strconv.FormatUint(compactionGen, 10))
	if err := atomic.WriteFile(finalPath, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("lss: write compacted generation: %w", err)
	}

	compactedReader, err := st.folder.OpenFile(strconv.FormatUint(compactionGen, 10))
	if err != nil {
		return err
	}

	for key, entry := range newEntries {
		s.index[key] = entry
	}

	oldGens := make([]uint64, 0, len(st.readers))
	for g := range st.readers {
		if g < compactionGen {
			oldGens = append(oldGens, g)
		}
	}
	for _, g := range oldGens {
		if r, ok := st.readers[g]; ok {
			r.Close()
			delete(st.readers, g)
		}
		_ = st.folder.RemoveFile(strconv.FormatUint(g, 10))
	}
	st.readers[compactionGen] = compactedReader

	newWriter, err := st.folder.OpenFile(strconv.FormatUint(newActiveGen, 10))
	if err != nil {
		return err
	}
	st.activeGen = newActiveGen
	st.writer = newWriter
	st.writePos = 0
	st.readers[newActiveGen] = newWriter

	// Retired files may hold bytes the counter never saw (a torn tail), so
	// freed can exceed it; clamp at zero instead of wrapping around.
	if freed > s.uncompacted {
		s.uncompacted = 0
	} else {
		s.uncompacted -= freed
	}
	return nil
}

// Close releases every open file handle. Each write was already flushed
// when it was appended.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, st := range s.streams {
		for _, r := range st.readers {
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

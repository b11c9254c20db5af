package lss

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"meshkv/internal/vclock"
)

func comp(value string) vclock.Component {
	return vclock.WithValue(value).Apply("actor")
}

func TestSetGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", comp("1")))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v.DataOr(""))
}

func TestOverwriteKeepsLatest(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", comp("1")))
	require.NoError(t, s.Set("a", comp("2")))

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v.DataOr(""))
}

func TestRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", comp("1")))
	require.NoError(t, s.Remove("a"))

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, s.Remove("a"), ErrKeyNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set("a", comp("1")))
	require.NoError(t, s1.Set("b", comp("2")))
	require.NoError(t, s1.Remove("b"))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v.DataOr(""))

	_, ok, err = s2.Get("b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompactionPreservesLiveData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()
	s.compactionThreshold = 1 // force compaction on the very next dead write

	require.NoError(t, s.Set("a", comp("1")))
	require.NoError(t, s.Set("a", comp("2"))) // makes the first record dead, crosses threshold
	require.NoError(t, s.Set("b", comp("3")))

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v.DataOr(""))

	v, ok, err = s.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", v.DataOr(""))
}

func TestGetRange(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Set(k, comp(k)))
	}

	out, err := s.GetRange(Bound{Key: "b", Inclusive: true}, Bound{Key: "d", Inclusive: false})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "b", out[0].Key)
	require.Equal(t, "c", out[1].Key)

	all, err := s.GetRange(Bound{Unbounded: true}, Bound{Unbounded: true})
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestTornTailToleratedOnlyOnLastGeneration(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", comp("1")))
	require.NoError(t, s.Close())

	// Corrupt the active generation file by cutting the last two bytes off
	// its last record, simulating a crash mid-write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var genPath string
	for _, e := range entries {
		genPath = filepath.Join(dir, e.Name())
	}
	info, err := os.Stat(genPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(genPath, info.Size()-2))

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	// The torn record is dropped; the store opens cleanly with no entry for "a".
	_, ok, err := s2.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	// A fresh write still works after tolerating the torn tail.
	require.NoError(t, s2.Set("b", comp("2")))
	v, ok, err := s2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v.DataOr(""))
}

func TestLengthPrefixSizeMatchesEncoding(t *testing.T) {
	framed, err := encodeRecord(record{Tag: tagSet, Key: "a", Value: func() *vclock.Component { c := comp("1"); return &c }()})
	require.NoError(t, err)
	require.True(t, len(framed) > lengthPrefixSize)
	n := binary.BigEndian.Uint32(framed[:lengthPrefixSize])
	require.Equal(t, int(n), len(framed)-lengthPrefixSize)
}

// Package sink provides the byte-sink abstraction the log-structured store
// is built on: a named folder of named files, each a seekable byte stream.
//
// This is the one place in the system that talks to the local filesystem
// directly. Everything above it (internal/lss) only ever sees Folder and
// File, so swapping the backing storage later means writing a new adapter,
// not touching the store.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Folder is an open handle to a directory on disk.
type Folder struct {
	path string
}

// Open returns a handle to path, creating it (and any parents) if absent.
func Open(path string) (*Folder, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sink: open folder %s: %w", path, err)
	}
	return &Folder{path: path}, nil
}

// Path returns the folder's filesystem path.
func (f *Folder) Path() string {
	return f.path
}

// ListFiles returns the current file names in the folder, excluding
// subdirectories.
func (f *Folder) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(f.path)
	if err != nil {
		return nil, fmt.Errorf("sink: list %s: %w", f.path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// OpenFile opens (creating if absent) name within the folder for reading
// and writing, positioned at the end of existing content.
func (f *Folder) OpenFile(name string) (*File, error) {
	p := filepath.Join(f.path, name)
	h, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open file %s: %w", p, err)
	}
	if _, err := h.Seek(0, io.SeekEnd); err != nil {
		h.Close()
		return nil, fmt.Errorf("sink: seek to end of %s: %w", p, err)
	}
	return &File{h: h, name: name}, nil
}

// Subfolder returns a handle to a folder nested under this one, used by
// substores to keep a separate generation stream.
func (f *Folder) Subfolder(name string) (*Folder, error) {
	return Open(filepath.Join(f.path, name))
}

// RemoveFile deletes name from the folder. Removing an absent file is not
// an error.
func (f *Folder) RemoveFile(name string) error {
	p := filepath.Join(f.path, name)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sink: remove %s: %w", p, err)
	}
	return nil
}

// File is a seekable byte stream backed by an os.File.
type File struct {
	h    *os.File
	name string
}

// Name returns the file's name within its folder.
func (f *File) Name() string {
	return f.name
}

func (f *File) Read(p []byte) (int, error)  { return f.h.Read(p) }
func (f *File) Write(p []byte) (int, error) { return f.h.Write(p) }

// Seek repositions the stream. whence follows io.Seeker conventions
// (io.SeekStart, io.SeekCurrent, io.SeekEnd).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.h.Seek(offset, whence)
}

// Flush durably persists any buffered writes.
func (f *File) Flush() error {
	return f.h.Sync()
}

// Size reports the current length of the file.
func (f *File) Size() (int64, error) {
	info, err := f.h.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases the underlying descriptor.
func (f *File) Close() error {
	return f.h.Close()
}

var _ io.ReadWriteSeeker = (*File)(nil)

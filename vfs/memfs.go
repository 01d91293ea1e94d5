package vfs

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemFS is an in-memory FS, the test-tooling counterpart to Disk. Real
// pebble ships an equivalent (vfs.NewMem()) for exactly this purpose --
// exercising the manifest/SST/penciller layers without touching a real
// disk. This module's retrieval pack trimmed that file out of the
// teacher checkout, so it is reconstructed here against this module's
// narrower File/FS interfaces, in the same spirit.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFileData
}

type memFileData struct {
	data []byte
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memFileData)}
}

func (m *MemFS) Create(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &memFileData{}
	m.files[name] = d
	return &memFile{data: d}, nil
}

func (m *MemFS) Open(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[name]
	if !ok {
		return nil, errors.Newf("memfs: open %s: no such file", name)
	}
	return &memFile{data: d}, nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return errors.Newf("memfs: remove %s: no such file", name)
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[oldname]
	if !ok {
		return errors.Newf("memfs: rename %s: no such file", oldname)
	}
	m.files[newname] = d
	delete(m.files, oldname)
	return nil
}

func (m *MemFS) MkdirAll(dir string, perm fs.FileMode) error {
	return nil
}

func (m *MemFS) List(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dir
	if len(prefix) == 0 || prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	var out []string
	for name := range m.files {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		rest := name[len(prefix):]
		if !bytes.ContainsRune([]byte(rest), '/') {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[name]
	if !ok {
		return nil, errors.Newf("memfs: stat %s: no such file", name)
	}
	return memFileInfo{name: path.Base(name), size: int64(len(d.data))}, nil
}

func (m *MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// memFile is a File backed by a byte slice. Reads and writes are not
// safe for concurrent use on the same handle, matching *os.File's own
// single-goroutine-per-handle usage convention in this module.
type memFile struct {
	data *memFileData
	off  int64
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.off >= int64(len(f.data.data)) {
		return 0, errEOF
	}
	n := copy(p, f.data.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data.data)) {
		return 0, errEOF
	}
	n := copy(p, f.data.data[off:])
	if n < len(p) {
		return n, errEOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.data.data = append(f.data.data, p...)
	return len(p), nil
}

func (f *memFile) Close() error { return nil }
func (f *memFile) Sync() error  { return nil }

func (f *memFile) Stat() (fs.FileInfo, error) {
	return memFileInfo{size: int64(len(f.data.data))}, nil
}

type memFileInfo struct {
	name string
	size int64
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }

var errEOF = io.EOF

package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Disk is the default FS, backed directly by the local filesystem.
type Disk struct{}

// Default is the package-level instance most callers should use.
var Default FS = Disk{}

func (Disk) Create(name string) (File, error) {
	return os.Create(name)
}

func (Disk) Open(name string) (File, error) {
	return os.Open(name)
}

func (Disk) Remove(name string) error {
	return os.Remove(name)
}

func (Disk) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (Disk) MkdirAll(dir string, perm fs.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (Disk) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (Disk) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (Disk) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}

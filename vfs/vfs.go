// Package vfs abstracts the filesystem the penciller writes its manifest
// generations and SST files to. It exists so the on-disk layout described in
// spec.md §6 can be backed by a local disk in production and an in-memory
// filesystem in tests, and so object-storage-backed deployments can mirror
// writes without touching the core packages.
package vfs

import (
	"io"
	"io/fs"
)

// File is the subset of *os.File behavior the penciller needs.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Closer
	Sync() error
	Stat() (fs.FileInfo, error)
}

// FS is the filesystem interface threaded through the manifest, L0 writer,
// and SST collaborators. Grounded on the teacher's own vfs.FS (see
// devlibx-pebble/cloud/aws/cloud_fs.go), trimmed to what this module uses.
type FS interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	MkdirAll(dir string, perm fs.FileMode) error
	List(dir string) ([]string, error)
	Stat(name string) (fs.FileInfo, error)
	PathJoin(elem ...string) string
}

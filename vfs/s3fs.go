package vfs

import (
	"bufio"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Options configures the S3-mirroring decorator.
//
// Grounded on devlibx-pebble/cloud/aws/cloud_fs.go and cloude_file.go: the
// teacher wraps a base vfs.FS and mirrors writes of the pebble MANIFEST to
// S3 on Sync/Close. This module generalizes that to mirror both committed
// manifest generations (nonzero_*.crr) and SST files, since both are
// durable on-disk state per spec.md §6.
type S3Options struct {
	Bucket   string
	BasePath string
	Region   string
}

// S3FS wraps a base FS, mirroring committed files to S3 as they are
// renamed into place or synced. It never reads from S3 — it is a
// write-behind mirror, not a remote filesystem; Open/List/Stat pass
// through to the base FS untouched so a crash leaves local state
// authoritative, matching the teacher's own "local file remains the thing
// that's opened" behavior. Remove deletes the local file and also deletes
// its mirrored S3 object.
type S3FS struct {
	base     FS
	client   *s3.S3
	uploader *s3manager.Uploader
	opts     S3Options
}

// NewS3FS wraps base with an S3 mirror. If session creation fails, the
// returned FS silently degrades to the base FS (mirroring is best-effort,
// never load-bearing for correctness).
func NewS3FS(base FS, opts S3Options) FS {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.Region)})
	if err != nil {
		return base
	}
	return &S3FS{
		base:     base,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		opts:     opts,
	}
}

func (f *S3FS) shouldMirror(name string) bool {
	return strings.HasSuffix(name, ".crr") || strings.HasSuffix(name, ".sst")
}

func (f *S3FS) key(name string) string {
	return f.opts.BasePath + "/" + name
}

func (f *S3FS) mirror(name string) {
	if !f.shouldMirror(name) {
		return
	}
	rf, err := f.base.Open(name)
	if err != nil {
		return
	}
	defer rf.Close()
	_, _ = f.uploader.Upload(&s3manager.UploadInput{
		Body:   bufio.NewReader(rf),
		Bucket: aws.String(f.opts.Bucket),
		Key:    aws.String(f.key(name)),
	})
}

func (f *S3FS) Create(name string) (File, error) {
	base, err := f.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &s3MirroredFile{File: base, fs: f, name: name}, nil
}

func (f *S3FS) Open(name string) (File, error) { return f.base.Open(name) }

func (f *S3FS) Remove(name string) error {
	if f.shouldMirror(name) {
		_, _ = f.client.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(f.opts.Bucket),
			Key:    aws.String(f.key(name)),
		})
	}
	return f.base.Remove(name)
}

func (f *S3FS) Rename(oldname, newname string) error {
	if err := f.base.Rename(oldname, newname); err != nil {
		return err
	}
	f.mirror(newname)
	return nil
}

func (f *S3FS) MkdirAll(dir string, perm fs.FileMode) error { return f.base.MkdirAll(dir, perm) }
func (f *S3FS) List(dir string) ([]string, error)           { return f.base.List(dir) }
func (f *S3FS) Stat(name string) (fs.FileInfo, error)       { return f.base.Stat(name) }
func (f *S3FS) PathJoin(elem ...string) string              { return f.base.PathJoin(elem...) }

// s3MirroredFile mirrors its content to S3 on Sync and Close, the same
// trigger points as the teacher's CloudFile.
type s3MirroredFile struct {
	File
	fs   *S3FS
	name string
}

func (c *s3MirroredFile) Sync() error {
	err := c.File.Sync()
	c.fs.mirror(c.name)
	return err
}

func (c *s3MirroredFile) Close() error {
	err := c.File.Close()
	c.fs.mirror(c.name)
	return err
}

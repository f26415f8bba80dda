// Package fsys is the reference ports.Fs implementation: a thin façade
// over github.com/spf13/afero so production code runs against the real
// filesystem (afero.OsFs) and tests run against an in-memory one
// (afero.MemMapFs) through the exact same code path.
package fsys

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/daemon-001/zipline/pkg/ports"
)

// Fs adapts an afero.Fs to ports.Fs.
type Fs struct {
	afero.Fs
	freeSpaceFunc func(string) (int64, error)
}

// NewOS builds a Fs backed by the real filesystem; FreeSpace queries the
// actual volume via statfs.
func NewOS() *Fs {
	return &Fs{Fs: afero.NewOsFs(), freeSpaceFunc: freeSpace}
}

// NewMem builds a Fs backed by an in-memory filesystem, for tests. There
// is no real volume to query, so FreeSpace reports an effectively
// unbounded amount.
func NewMem() *Fs {
	return &Fs{Fs: afero.NewMemMapFs(), freeSpaceFunc: func(string) (int64, error) { return 1 << 50, nil }}
}

func (f *Fs) Open(name string) (io.ReadCloser, error) {
	return f.Fs.Open(name)
}

func (f *Fs) Create(name string) (io.WriteCloser, error) {
	if err := f.Fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return f.Fs.Create(name)
}

func (f *Fs) Stat(name string) (ports.FileInfo, error) {
	info, err := f.Fs.Stat(name)
	if err != nil {
		return ports.FileInfo{}, err
	}
	return toFileInfo(info), nil
}

func (f *Fs) Rename(oldpath, newpath string) error {
	return f.Fs.Rename(oldpath, newpath)
}

func (f *Fs) Remove(name string) error {
	return f.Fs.Remove(name)
}

func (f *Fs) MkdirAll(path string, perm uint32) error {
	return f.Fs.MkdirAll(path, os.FileMode(perm))
}

// WalkDir walks every descendant of root, posix-separated and relative to
// root, skipping symlinks when the underlying afero.Fs can tell us about
// them.
func (f *Fs) WalkDir(root string, fn ports.WalkFunc) error {
	lstater, canLstat := f.Fs.(afero.Lstater)
	return afero.Walk(f.Fs, root, func(path string, info os.FileInfo, err error) error {
		if path == root {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			return fn(rel, ports.FileInfo{}, err)
		}

		if canLstat {
			if linfo, _, lerr := lstater.LstatIfPossible(path); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
				if linfo.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		return fn(rel, toFileInfo(info), nil)
	})
}

func (f *Fs) FreeSpace(path string) (int64, error) {
	return f.freeSpaceFunc(path)
}

func toFileInfo(info os.FileInfo) ports.FileInfo {
	return ports.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}
}

var _ ports.Fs = (*Fs)(nil)

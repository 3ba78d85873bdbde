package filestorage

import (
	"io"
	"os"
	"path"
	"path/filepath"
)

// FileSystem stores batch files under a root directory on local disk.
type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, err
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// StoreFile stores a file to the filesystem storage and removes the source.
// A rename is attempted first; if src and dest live on different
// filesystems the file is copied instead.
func (fs FileSystem) StoreFile(srcpath string, destpath string) error {
	fulldestpath := path.Join(fs.RootDir, destpath)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	err = os.Rename(srcpath, fulldestpath)
	if err != nil {
		fsrc, err := os.Open(srcpath)
		if err != nil {
			return err
		}
		defer fsrc.Close()

		fdest, err := os.Create(fulldestpath)
		if err != nil {
			return err
		}
		defer fdest.Close()

		_, err = io.Copy(fdest, fsrc)
		if err != nil {
			return err
		}
		os.Remove(srcpath)
	}

	return nil
}

// DeleteFile removes a file from the filesystem storage
func (fs FileSystem) DeleteFile(destpath string) error {
	abspath := path.Join(fs.RootDir, destpath)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(destpath string) bool {
	abspath := path.Join(fs.RootDir, destpath)
	_, err := os.Stat(abspath)
	return err == nil
}

// FilePath returns the absolute path of destpath inside the root dir.
func (fs FileSystem) FilePath(destpath string) string {
	abspath, err := filepath.Abs(path.Join(fs.RootDir, destpath))
	if err != nil {
		return path.Join(fs.RootDir, destpath)
	}
	return abspath
}

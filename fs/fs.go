package fs

import (
	"os"
)

// FS contains the file operations needed by the file-backed record store
type FS interface {
	ReadFile(string) ([]byte, error)
	WriteFile(string, []byte, os.FileMode) error
	Rename(string, string) error
	Remove(string) error
	Stat(string) (os.FileInfo, error)
	MkdirAll(string, os.FileMode) error
}

type osFS struct{}

func FromOSFS() FS {
	return &osFS{}
}

func (osfs *osFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (osfs *osFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (osfs *osFS) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (osfs *osFS) Remove(path string) error {
	return os.Remove(path)
}

func (osfs *osFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (osfs *osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

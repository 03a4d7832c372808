package testutil

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// TempDir creates a fresh temp directory prefixed with prefix and returns it
// along with a cleanup func that removes it.
func TempDir(prefix string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", prefix+"-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// FileExists reports whether path exists on disk.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateTestFile writes a file of the given size under dir and returns its
// path. If random is true the content is crypto/rand bytes, otherwise zeros.
func CreateTestFile(dir, name string, size int64, random bool) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for written := int64(0); written < size; {
		n := int64(len(buf))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		if random {
			if _, err := rand.Read(buf[:n]); err != nil {
				return "", err
			}
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return "", err
		}
		written += n
	}
	return path, nil
}

// VerifyFileSize returns an error if path's size on disk doesn't match want.
func VerifyFileSize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != want {
		return fmt.Errorf("size mismatch: want %d, got %d", want, info.Size())
	}
	return nil
}

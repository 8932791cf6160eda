package util

import (
	"os"
	"path/filepath"
)

// PathExists reports whether path exists, distinguishing "does not exist"
// from a real stat error.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// CreateFileWithSize creates filePath truncated to size bytes, for
// preallocating fixed-size files such as the doublewrite buffer.
func CreateFileWithSize(filePath string, size int64) error {
	if err := EnsureDir(filepath.Dir(filePath)); err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// ReadAt reads size bytes from filePath at offset.
func ReadAt(filePath string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if n == size {
		return buf, nil
	}
	return buf[:n], err
}

// WriteAt writes data to filePath at offset, creating the file if needed.
func WriteAt(filePath string, offset int64, data []byte) error {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PartialSuffix names in-flight artifact writes. A transfer streams into
// "<name>.part" and is renamed to its final name only once complete, so a
// file at its final name is always a whole artifact.
const PartialSuffix = ".part"

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// ReadProbe validates that path names a readable, non-empty regular file and
// returns its size. It performs an actual one-byte read: on scoped storage a
// permission flag can report readable while every read fails, so stat alone
// is not trusted.
func ReadProbe(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", path)
	}
	if fi.Size() == 0 {
		return 0, fmt.Errorf("empty file: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var one [1]byte
	if _, err := f.Read(one[:]); err != nil {
		return 0, fmt.Errorf("read probe %s: %w", path, err)
	}
	return fi.Size(), nil
}

// WriteProbe verifies that dir is actually writable by creating and removing
// a throwaway file in it. Mode bits are not consulted for the same reason
// ReadProbe reads a byte: they lie on managed storage.
func WriteProbe(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := f.Write([]byte{0}); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// AtomicWrite writes data to path using write-then-rename so readers never
// observe a torn file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

//go:build unix

package shm

import (
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShmDir = "/dev/shm"

// backingDir prefers tmpfs so the unlinked file never touches a disk.
func backingDir() string {
	if info, err := os.Stat(devShmDir); err == nil && info.IsDir() {
		return devShmDir
	}
	return os.TempDir()
}

// canCreateOnDevShm reports whether size bytes fit in /dev/shm. Paths outside
// /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShmDir) {
		return true
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		return false
	}
	return stat.Free >= size
}

// openFileBacking creates an unlinked, zero-filled file of opts.Size bytes.
func openFileBacking(opts MapOptions) (backingObject, error) {
	dir := backingDir()
	if !canCreateOnDevShm(uint64(opts.Size), dir) {
		return backingObject{}, fmt.Errorf("no room for %d bytes in %s", opts.Size, dir)
	}
	pattern := "ringbuf-*"
	if opts.Name != "" {
		pattern = "ringbuf-" + strings.ReplaceAll(opts.Name, string(os.PathSeparator), "_") + "-*"
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return backingObject{}, fmt.Errorf("create backing file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return backingObject{}, fmt.Errorf("unlink backing file: %w", err)
	}
	if err := f.Truncate(int64(opts.Size)); err != nil {
		_ = f.Close()
		return backingObject{}, fmt.Errorf("ftruncate: %w", err)
	}
	return backingObject{fd: int(f.Fd()), kind: BackingFile, close: f.Close}, nil
}

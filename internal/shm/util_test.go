//go:build unix

package shm

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPathExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_path_exists")
	f, err := os.OpenFile(path, os.O_CREATE, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	assert.True(t, pathExists(path))
	assert.False(t, pathExists(path+".missing"))
}

func TestCanCreateOnDevShm(t *testing.T) {
	//just on /dev/shm, other always return true
	assert.True(t, canCreateOnDevShm(math.MaxUint64, "sdffafds"))
	if runtime.GOOS != "linux" || !pathExists(devShmDir) {
		return
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, canCreateOnDevShm(stat.Free/2, "/dev/shm/xxx"))
	assert.False(t, canCreateOnDevShm(math.MaxUint64, "/dev/shm/yyy"))
}

func TestBackingDir(t *testing.T) {
	dir := backingDir()
	info, err := os.Stat(dir)
	if assert.NoError(t, err) {
		assert.True(t, info.IsDir())
	}
}

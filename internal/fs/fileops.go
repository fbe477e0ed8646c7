package fs

import (
	"fmt"
	"os"
)

// OSFileOps performs the file swaps of a restore on the real filesystem.
type OSFileOps struct{}

func (OSFileOps) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (OSFileOps) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OSFileOps) Lstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

func (OSFileOps) SyncDir(path string) error { return syncDir(path) }

// CheckSupported rejects file types that cannot be backed up.
func CheckSupported(path string, info os.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", path)
	}
	return nil
}

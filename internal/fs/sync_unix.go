//go:build unix

package fs

import "os"

// syncDir flushes directory entries so completed renames survive a crash.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

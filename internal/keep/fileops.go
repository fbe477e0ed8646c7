package keep

import "os"

// FileOps is the set of filesystem calls the restorer uses to swap live
// state, so tests can inject failures.
type FileOps interface {
	Rename(oldpath, newpath string) error
	RemoveAll(path string) error
	Lstat(path string) (os.FileInfo, error)
	SyncDir(path string) error
}

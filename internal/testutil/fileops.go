package testutil

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"keep/internal/fs"
	"keep/internal/keep"
)

// FaultyFileOps performs real filesystem calls but fails chosen renames.
// A rename fails when a rule matches: the destination contains the rule's
// substring and the rule has not used up its failures.
type FaultyFileOps struct {
	fs.OSFileOps

	mu       sync.Mutex
	rules    []*renameRule
	renames  []string
	onRename func(newpath string)
}

type renameRule struct {
	contains string
	skip     int
	failures int
}

var _ keep.FileOps = (*FaultyFileOps)(nil)

func NewFaultyFileOps() *FaultyFileOps {
	return &FaultyFileOps{}
}

// FailRename makes renames onto a path containing substr fail, after
// letting skip matching renames through, failures times; -1 means always.
func (f *FaultyFileOps) FailRename(substr string, skip, failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &renameRule{contains: substr, skip: skip, failures: failures})
}

// Reset removes every rule.
func (f *FaultyFileOps) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// OnRename registers fn to run before every rename, failing or not.
func (f *FaultyFileOps) OnRename(fn func(newpath string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRename = fn
}

// Renames returns the destinations of every successful rename, in order.
func (f *FaultyFileOps) Renames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renames...)
}

func (f *FaultyFileOps) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	hook := f.onRename
	f.mu.Unlock()
	if hook != nil {
		hook(newpath)
	}

	f.mu.Lock()
	for _, r := range f.rules {
		if !strings.Contains(newpath, r.contains) || r.failures == 0 {
			continue
		}
		if r.skip > 0 {
			r.skip--
			continue
		}
		if r.failures > 0 {
			r.failures--
		}
		f.mu.Unlock()
		return fmt.Errorf("injected rename failure: %s -> %s: %w", oldpath, newpath, os.ErrPermission)
	}
	f.mu.Unlock()

	if err := f.OSFileOps.Rename(oldpath, newpath); err != nil {
		return err
	}
	f.mu.Lock()
	f.renames = append(f.renames, newpath)
	f.mu.Unlock()
	return nil
}

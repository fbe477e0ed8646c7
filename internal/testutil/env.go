package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"keep/internal/database"
	"keep/internal/keep"
	"keep/internal/lock"
	"keep/internal/resource"
	"keep/internal/staging"
	"keep/internal/store"
)

// TestPassphrase is the passphrase test environments back up with.
const TestPassphrase = "correct horse battery staple"

// Env is a KeepService wired to real components under a temp directory:
// a filesystem store, a file lock, a staging workspace and an in-memory
// catalog. Live state sits in LiveDir.
type Env struct {
	Service   *keep.KeepService
	Catalog   *database.SQLiteCatalog
	Store     *store.FileSystemStore
	Workspace *staging.FileSystemWorkspace
	Lock      *lock.FileLock
	Clock     *StubClock
	IDGen     *StubIDGenerator
	FileOps   *FaultyFileOps
	Logger    *RecordingLogger
	Sources   []keep.ResourceSource
	BaseDir   string
	LiveDir   string

	// Deps and Options are what Service was built with, for tests that
	// need a variant of it.
	Deps    keep.Deps
	Options keep.Options
}

// EnvConfig adjusts an Env before the service is built.
type EnvConfig struct {
	Options keep.Options
	// Sources builds the resources from the live directory. Defaults to
	// DefaultSources.
	Sources func(liveDir string) []keep.ResourceSource
	// StagingMaxSize bounds the workspace; 0 means unlimited.
	StagingMaxSize int64
}

// DefaultSources declares a settings file, a vault directory and an
// optional notes file under liveDir.
func DefaultSources(liveDir string) []keep.ResourceSource {
	return []keep.ResourceSource{
		resource.NewFileSource("settings", filepath.Join(liveDir, "settings.json"), true),
		resource.NewDirSource("vault", filepath.Join(liveDir, "vault"), true, nil),
		resource.NewFileSource("notes", filepath.Join(liveDir, "notes.txt"), false),
	}
}

// NewEnv builds an Env. The live directory starts empty; see SeedLive.
func NewEnv(t *testing.T, configure ...func(*EnvConfig)) *Env {
	t.Helper()

	cfg := EnvConfig{
		Options: keep.Options{MaxAge: 7 * 24 * time.Hour, LockWait: 2 * time.Second},
		Sources: DefaultSources,
	}
	for _, c := range configure {
		c(&cfg)
	}

	base := t.TempDir()
	env := &Env{
		Clock:   FixedClock(),
		IDGen:   NewStubIDGenerator(),
		FileOps: NewFaultyFileOps(),
		Logger:  NewRecordingLogger(),
		BaseDir: base,
		LiveDir: filepath.Join(base, "live"),
	}
	if err := os.MkdirAll(env.LiveDir, 0755); err != nil {
		t.Fatal(err)
	}

	var err error
	if env.Store, err = store.NewFileSystemStore(filepath.Join(base, "store")); err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	if env.Workspace, err = staging.NewFileSystemWorkspace(filepath.Join(base, "staging"), cfg.StagingMaxSize); err != nil {
		t.Fatalf("NewFileSystemWorkspace() error = %v", err)
	}
	if env.Lock, err = lock.NewFileLock(filepath.Join(base, "lock"), time.Hour, env.Clock, nil); err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	env.Catalog = NewTestCatalog(t, env.Clock)
	env.Sources = cfg.Sources(env.LiveDir)

	env.Deps = keep.Deps{
		Catalog:   env.Catalog,
		Store:     env.Store,
		Encryptor: NewTestEncryptor(t, env.Workspace.Root()),
		Sources:   env.Sources,
		Workspace: env.Workspace,
		Locker:    env.Lock,
		Logger:    env.Logger,
		Clock:     env.Clock,
		IDGen:     env.IDGen,
		FileOps:   env.FileOps,
	}
	env.Options = cfg.Options
	env.Service, err = keep.NewKeepService(env.Deps, env.Options)
	if err != nil {
		t.Fatalf("NewKeepService() error = %v", err)
	}
	return env
}

// SeedLive writes the default live state: settings.json, a vault tree and
// notes.txt.
func (e *Env) SeedLive(t *testing.T) {
	t.Helper()
	e.WriteLive(t, "settings.json", `{"theme":"dark"}`)
	e.WriteLive(t, "vault/index.md", "# vault")
	e.WriteLive(t, "vault/docs/a.txt", "alpha")
	e.WriteLive(t, "notes.txt", "remember the milk")
}

// WriteLive writes a file under LiveDir, creating parents.
func (e *Env) WriteLive(t *testing.T, rel, data string) {
	t.Helper()
	path := filepath.Join(e.LiveDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadLive returns the content of a file under LiveDir, or "" if absent.
func (e *Env) ReadLive(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.LiveDir, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatal(err)
	}
	return string(data)
}

// LiveTree maps every regular file and symlink under LiveDir to its
// content or link target, for before/after comparisons.
func (e *Env) LiveTree(t *testing.T) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.Walk(e.LiveDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(e.LiveDir, path)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree[rel] = "-> " + target
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tree[rel] = string(data)
		case info.IsDir() && rel != ".":
			tree[rel+"/"] = ""
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking live dir: %v", err)
	}
	return tree
}

// Create runs CreateBackup with TestPassphrase and fails the test on error.
func (e *Env) Create(t *testing.T) string {
	t.Helper()
	rec, err := e.Service.CreateBackup(context.Background(), TestPassphrase)
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	return rec.Name
}

// JournalPath returns where the service keeps its restore journal.
func (e *Env) JournalPath() string {
	if e.Options.JournalPath != "" {
		return e.Options.JournalPath
	}
	return filepath.Join(e.Workspace.Root(), "restore.journal")
}

// ArchivePath returns the on-disk path of the named archive.
func (e *Env) ArchivePath(name string) string {
	return filepath.Join(e.BaseDir, "store", "archives", name+".keep")
}

package keep_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"keep/internal/keep"
	"keep/internal/lock"
	"keep/internal/model"
	"keep/internal/testutil"
)

func TestKeepService_CreateBackup(t *testing.T) {
	t.Run("catalogues a complete archive", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)

		rec, err := env.Service.CreateBackup(context.Background(), testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}

		if !strings.HasPrefix(rec.Name, "keep-20260301T090000Z-") || !keep.ValidName(rec.Name) {
			t.Errorf("Name = %q", rec.Name)
		}
		if !rec.CreatedAt.Equal(env.Clock.Now()) {
			t.Errorf("CreatedAt = %s, want %s", rec.CreatedAt, env.Clock.Now())
		}
		if len(rec.Salt) < 16 {
			t.Errorf("salt is %d bytes", len(rec.Salt))
		}
		if rec.KDF != testutil.FastKDFParams {
			t.Errorf("KDF = %+v", rec.KDF)
		}

		data, err := os.ReadFile(env.ArchivePath(rec.Name))
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		if rec.SizeBytes != int64(len(data)) {
			t.Errorf("SizeBytes = %d, archive is %d bytes", rec.SizeBytes, len(data))
		}
		if rec.Checksum != testutil.SHA256Hex(data) {
			t.Error("Checksum does not match the archive on disk")
		}

		var names []string
		for _, r := range rec.Resources {
			names = append(names, r.Name+":"+r.Kind)
		}
		if strings.Join(names, ",") != "settings:file,vault:dir,notes:file" {
			t.Errorf("resources = %v", names)
		}

		got, err := env.Service.GetBackup(context.Background(), rec.Name)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if got.Checksum != rec.Checksum || len(got.Resources) != 3 {
			t.Errorf("catalog entry = %+v", got)
		}
	})

	t.Run("rejects empty passphrase before any work", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)

		if _, err := env.Service.CreateBackup(context.Background(), ""); !errors.Is(err, keep.ErrEmptyPassphrase) {
			t.Errorf("CreateBackup(\"\") error = %v, want ErrEmptyPassphrase", err)
		}
		assertNoArchives(t, env)
	})

	t.Run("skips missing optional resource", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.WriteLive(t, "settings.json", "{}")
		env.WriteLive(t, "vault/a.txt", "a")

		rec, err := env.Service.CreateBackup(context.Background(), testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if len(rec.Resources) != 2 {
			t.Errorf("captured %d resources, want 2", len(rec.Resources))
		}
		if !env.Logger.Contains("WARN", "optional resource") {
			t.Error("skipping the optional resource was not logged")
		}
	})

	t.Run("fails when required resource is missing", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.WriteLive(t, "vault/a.txt", "a")

		_, err := env.Service.CreateBackup(context.Background(), testutil.TestPassphrase)
		if !errors.Is(err, keep.ErrResourceUnavailable) {
			t.Fatalf("CreateBackup() error = %v, want ErrResourceUnavailable", err)
		}
		assertNoArchives(t, env)
		assertStagingClean(t, env)
	})

	t.Run("fails when staging limit is too small", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t, func(c *testutil.EnvConfig) { c.StagingMaxSize = 1024 })
		env.SeedLive(t)
		env.WriteLive(t, "vault/big.bin", strings.Repeat("x", 4096))

		_, err := env.Service.CreateBackup(context.Background(), testutil.TestPassphrase)
		if !errors.Is(err, keep.ErrInsufficientStorage) {
			t.Fatalf("CreateBackup() error = %v, want ErrInsufficientStorage", err)
		}
		assertNoArchives(t, env)
		assertStagingClean(t, env)
	})

	t.Run("does not catalogue when the catalog append fails", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)

		deps := env.Deps
		deps.Catalog = failingAppend{Catalog: env.Catalog}
		svc, err := keep.NewKeepService(deps, env.Options)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.CreateBackup(context.Background(), testutil.TestPassphrase); err == nil {
			t.Fatal("CreateBackup() expected error")
		}
		recs, _ := env.Service.ListBackups(context.Background())
		if len(recs) != 0 {
			t.Errorf("ListBackups() = %d entries, want 0", len(recs))
		}
		assertNoArchives(t, env)
	})

	t.Run("reports progress stages", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)

		p := &recordingProgress{}
		ctx := keep.WithProgress(context.Background(), p)
		if _, err := env.Service.CreateBackup(ctx, testutil.TestPassphrase); err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(p.stages, ","); got != "capturing resources,encrypting,publishing" {
			t.Errorf("stages = %s", got)
		}
		if total, done := p.totals["encrypting"], p.done["encrypting"]; total == 0 || done != total {
			t.Errorf("encrypting progress %d of %d", done, total)
		}
	})
}

func TestKeepService_ListBackups(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SeedLive(t)
	ctx := context.Background()

	first := env.Create(t)
	env.Clock.Advance(time.Hour)
	second := env.Create(t)
	// Same second as the previous backup.
	third := env.Create(t)

	recs, err := env.Service.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
	}
	want := []string{first, second, third}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("ListBackups() = %v, want %v", names, want)
	}
}

func TestKeepService_ListBackups_DropsMissingArchives(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SeedLive(t)
	ctx := context.Background()
	gone := env.Create(t)
	kept := env.Create(t)

	if err := os.Remove(env.ArchivePath(gone)); err != nil {
		t.Fatal(err)
	}

	recs, err := env.Service.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Name != kept {
		t.Errorf("ListBackups() = %v, want only %s", recs, kept)
	}
	if _, err := env.Service.GetBackup(ctx, gone); !errors.Is(err, keep.ErrBackupNotFound) {
		t.Errorf("GetBackup(%s) error = %v, want ErrBackupNotFound", gone, err)
	}
	if _, err := os.Stat(env.ArchivePath(kept)); err != nil {
		t.Errorf("remaining archive: %v", err)
	}
}

func TestKeepService_DeleteBackup(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SeedLive(t)
	ctx := context.Background()
	name := env.Create(t)
	keepName := env.Create(t)

	if err := env.Service.DeleteBackup(ctx, name); err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if _, err := os.Stat(env.ArchivePath(name)); !os.IsNotExist(err) {
		t.Errorf("archive still on disk: %v", err)
	}
	if _, err := env.Service.GetBackup(ctx, name); !errors.Is(err, keep.ErrBackupNotFound) {
		t.Errorf("GetBackup() after delete error = %v, want ErrBackupNotFound", err)
	}
	recs, _ := env.Service.ListBackups(ctx)
	if len(recs) != 1 || recs[0].Name != keepName {
		t.Errorf("ListBackups() after delete = %v", recs)
	}

	if err := env.Service.DeleteBackup(ctx, name); !errors.Is(err, keep.ErrBackupNotFound) {
		t.Errorf("second DeleteBackup() error = %v, want ErrBackupNotFound", err)
	}
}

func TestKeepService_VerifyBackup(t *testing.T) {
	setup := func(t *testing.T) (*testutil.Env, string) {
		t.Helper()
		env := testutil.NewEnv(t)
		env.SeedLive(t)
		return env, env.Create(t)
	}
	ctx := context.Background()

	t.Run("valid with the right passphrase", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		before := env.LiveTree(t)

		res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("VerifyBackup() error = %v", err)
		}
		if !res.Valid || res.Reason != "" {
			t.Errorf("VerifyBackup() = %+v, want valid", res)
		}
		if !reflect.DeepEqual(before, env.LiveTree(t)) {
			t.Error("verify changed live state")
		}
	})

	t.Run("invalid with the wrong passphrase", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		archive, _ := os.ReadFile(env.ArchivePath(name))

		res, err := env.Service.VerifyBackup(ctx, name, "wrong")
		if err != nil {
			t.Fatalf("VerifyBackup() error = %v", err)
		}
		if res.Valid || res.Reason != keep.ReasonDecryptionFailed {
			t.Errorf("VerifyBackup() = %+v, want %q", res, keep.ReasonDecryptionFailed)
		}
		after, _ := os.ReadFile(env.ArchivePath(name))
		if testutil.SHA256Hex(archive) != testutil.SHA256Hex(after) {
			t.Error("verify modified the archive")
		}
	})

	t.Run("invalid when any byte of the payload is flipped", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		path := env.ArchivePath(name)
		original, _ := os.ReadFile(path)

		// Offsets from the end land in the payload, past the cleartext header.
		for _, back := range []int{1, 17, 200, len(original) / 3} {
			data := append([]byte(nil), original...)
			data[len(data)-back] ^= 0x01
			if err := os.WriteFile(path, data, 0600); err != nil {
				t.Fatal(err)
			}
			res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
			if err != nil {
				t.Fatalf("VerifyBackup() error = %v", err)
			}
			if res.Valid {
				t.Errorf("VerifyBackup() valid after flipping byte %d from the end", back)
			}
		}
	})

	t.Run("invalid when the header is edited", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		path := env.ArchivePath(name)
		data, _ := os.ReadFile(path)

		// Same length and still a well-formed header, so only the key wrap
		// can notice.
		stamp := `"created_at":"2026-03-01T09:00:00Z"`
		i := strings.Index(string(data), stamp)
		if i < 0 {
			t.Fatalf("%s not found in header", stamp)
		}
		copy(data[i:], `"created_at":"2026-03-01T09:00:01Z"`)
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatal(err)
		}
		res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("VerifyBackup() error = %v", err)
		}
		if res.Valid || res.Reason != keep.ReasonDecryptionFailed {
			t.Errorf("VerifyBackup() = %+v, want %q", res, keep.ReasonDecryptionFailed)
		}
	})

	t.Run("invalid when the archive is truncated", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		path := env.ArchivePath(name)
		data, _ := os.ReadFile(path)
		if err := os.WriteFile(path, data[:len(data)/2], 0600); err != nil {
			t.Fatal(err)
		}
		res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("VerifyBackup() error = %v", err)
		}
		if res.Valid {
			t.Error("VerifyBackup() valid for truncated archive")
		}
	})

	t.Run("invalid when the archive is missing", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		os.Remove(env.ArchivePath(name))

		res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
		if err != nil {
			t.Fatalf("VerifyBackup() error = %v", err)
		}
		if res.Valid || res.Reason != keep.ReasonArchiveMissing {
			t.Errorf("VerifyBackup() = %+v, want %q", res, keep.ReasonArchiveMissing)
		}
	})

	t.Run("input errors", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		if _, err := env.Service.VerifyBackup(ctx, name, ""); !errors.Is(err, keep.ErrEmptyPassphrase) {
			t.Errorf("empty passphrase error = %v", err)
		}
		if _, err := env.Service.VerifyBackup(ctx, "keep-nope", "x"); !errors.Is(err, keep.ErrBackupNotFound) {
			t.Errorf("unknown name error = %v", err)
		}
	})

	t.Run("concurrent verifies", func(t *testing.T) {
		t.Parallel()
		env, name := setup(t)
		var wg sync.WaitGroup
		results := make([]keep.VerifyResult, 4)
		errs := make([]error, 4)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
			}(i)
		}
		wg.Wait()
		for i := range results {
			if errs[i] != nil || !results[i].Valid {
				t.Errorf("verify %d = %+v, %v", i, results[i], errs[i])
			}
		}
	})
}

func TestKeepService_Lock(t *testing.T) {
	env := testutil.NewEnv(t, func(c *testutil.EnvConfig) { c.Options.LockWait = 200 * time.Millisecond })
	env.SeedLive(t)
	ctx := context.Background()

	// A second locker on the same directory stands in for another process.
	other, err := lock.NewFileLock(filepath.Join(env.BaseDir, "lock"), time.Minute, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	lease, err := other.Acquire(ctx, "restore")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Service.CreateBackup(ctx, testutil.TestPassphrase); !errors.Is(err, keep.ErrLocked) {
		t.Errorf("CreateBackup() while locked error = %v, want ErrLocked", err)
	}
	if _, err := env.Service.RunRetentionSweep(ctx); !errors.Is(err, keep.ErrLocked) {
		t.Errorf("RunRetentionSweep() while locked error = %v, want ErrLocked", err)
	}
	status, err := env.Service.LockStatus()
	if err != nil || status == nil || status.Operation != "restore" {
		t.Errorf("LockStatus() = %+v, %v", status, err)
	}

	if err := other.Release(lease); err != nil {
		t.Fatal(err)
	}
	env.Create(t)
	if status, _ := env.Service.LockStatus(); status != nil {
		t.Errorf("LockStatus() after operations = %+v, want nil", status)
	}
}

func TestNewKeepService_Validation(t *testing.T) {
	env := testutil.NewEnv(t)

	tests := []struct {
		name   string
		modify func(*keep.Deps, *keep.Options)
	}{
		{"no catalog", func(d *keep.Deps, _ *keep.Options) { d.Catalog = nil }},
		{"no store", func(d *keep.Deps, _ *keep.Options) { d.Store = nil }},
		{"no locker", func(d *keep.Deps, _ *keep.Options) { d.Locker = nil }},
		{"duplicate resource", func(d *keep.Deps, _ *keep.Options) {
			d.Sources = append(d.Sources[:1:1], d.Sources[0])
		}},
		{"zero max age", func(_ *keep.Deps, o *keep.Options) { o.MaxAge = 0 }},
		{"unknown compression", func(_ *keep.Deps, o *keep.Options) { o.Compression = "zstd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, opts := env.Deps, env.Options
			tt.modify(&deps, &opts)
			if _, err := keep.NewKeepService(deps, opts); err == nil {
				t.Error("NewKeepService() expected error")
			}
		})
	}
}

// failingAppend is a catalog whose Append always fails.
type failingAppend struct {
	keep.Catalog
}

func (failingAppend) Append(context.Context, *model.BackupRecord) error {
	return errors.New("catalog is read-only")
}

type recordingProgress struct {
	mu     sync.Mutex
	stages []string
	totals map[string]int64
	done   map[string]int64
}

func (p *recordingProgress) current() string {
	if len(p.stages) == 0 {
		return ""
	}
	return p.stages[len(p.stages)-1]
}

func (p *recordingProgress) Stage(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, name)
}

func (p *recordingProgress) SetTotal(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totals == nil {
		p.totals = make(map[string]int64)
	}
	p.totals[p.current()] = n
}

func (p *recordingProgress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		p.done = make(map[string]int64)
	}
	p.done[p.current()] += n
}

func assertNoArchives(t *testing.T, env *testutil.Env) {
	t.Helper()
	names, err := env.Store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("store holds %v, want nothing", names)
	}
	recs, _ := env.Catalog.List(context.Background())
	if len(recs) != 0 {
		t.Errorf("catalog holds %d entries, want none", len(recs))
	}
}

func assertStagingClean(t *testing.T, env *testutil.Env) {
	t.Helper()
	entries, err := os.ReadDir(env.Workspace.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("staging left %s behind", e.Name())
	}
}

package keep_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"keep/internal/testutil"
)

func TestKeepService_Recover(t *testing.T) {
	ctx := context.Background()

	t.Run("clean state", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)
		name := env.Create(t)

		report, err := env.Service.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.RolledBack != "" || report.Completed != "" || len(report.RemovedEntries) != 0 || len(report.RemovedOrphans) != 0 {
			t.Errorf("Recover() = %+v, want empty report", report)
		}
		if _, err := env.Service.GetBackup(ctx, name); err != nil {
			t.Errorf("backup lost: %v", err)
		}
	})

	t.Run("drops entries whose archive is gone", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)
		gone := env.Create(t)
		kept := env.Create(t)

		// A crash between archive delete and catalog remove leaves this.
		if err := os.Remove(env.ArchivePath(gone)); err != nil {
			t.Fatal(err)
		}

		recs, err := env.Catalog.List(ctx)
		if err != nil || len(recs) != 2 {
			t.Fatalf("catalog before recover = %d, %v", len(recs), err)
		}

		report, err := env.Service.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if !reflect.DeepEqual(report.RemovedEntries, []string{gone}) {
			t.Errorf("RemovedEntries = %v, want [%s]", report.RemovedEntries, gone)
		}
		recs, _ = env.Service.ListBackups(ctx)
		if len(recs) != 1 || recs[0].Name != kept {
			t.Errorf("ListBackups() after recover = %v", recs)
		}
	})

	t.Run("deletes uncatalogued archives and abandoned staging", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)
		name := env.Create(t)

		// A crash after publishing but before the catalog append.
		orphan := "keep-20260301T090000Z-deadbeef"
		data, _ := os.ReadFile(env.ArchivePath(name))
		if err := os.WriteFile(env.ArchivePath(orphan), data, 0600); err != nil {
			t.Fatal(err)
		}
		// A crash while the archive was still being written.
		abandoned := filepath.Join(env.Workspace.Root(), "create-123456")
		if err := os.MkdirAll(abandoned, 0700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(abandoned, name+".keep"), data[:100], 0600); err != nil {
			t.Fatal(err)
		}
		// Archives not named by this engine are left alone.
		foreign := "manual-copy"
		if err := os.WriteFile(env.ArchivePath(foreign), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}

		recs, _ := env.Service.ListBackups(ctx)
		if len(recs) != 1 || recs[0].Name != name {
			t.Fatalf("ListBackups() = %v, want only %s", recs, name)
		}

		report, err := env.Service.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if !reflect.DeepEqual(report.RemovedOrphans, []string{orphan}) {
			t.Errorf("RemovedOrphans = %v, want [%s]", report.RemovedOrphans, orphan)
		}
		if _, err := os.Stat(env.ArchivePath(orphan)); !os.IsNotExist(err) {
			t.Error("orphan archive still on disk")
		}
		if _, err := os.Stat(env.ArchivePath(foreign)); err != nil {
			t.Errorf("foreign archive removed: %v", err)
		}
		if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
			t.Error("abandoned staging directory still present")
		}

		res, err := env.Service.VerifyBackup(ctx, name, testutil.TestPassphrase)
		if err != nil || !res.Valid {
			t.Errorf("VerifyBackup() after recover = %+v, %v", res, err)
		}
	})
}

// leaveJournal writes a restore journal the way a crashed restore leaves it.
func leaveJournal(t *testing.T, env *testutil.Env, completed bool, entries ...map[string]any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"backup":     "keep-20260301T090000Z-00000001",
		"started_at": "2026-03-01T09:00:00Z",
		"completed":  completed,
		"entries":    entries,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.JournalPath(), raw, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestKeepService_Recover_Journal(t *testing.T) {
	ctx := context.Background()
	const backup = "keep-20260301T090000Z-00000001"

	t.Run("finishes a completed restore", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)
		live := filepath.Join(env.LiveDir, "settings.json")
		old := filepath.Join(env.LiveDir, ".keep-old-settings.json-abc")
		env.WriteLive(t, ".keep-old-settings.json-abc", `{"theme":"light"}`)
		leaveJournal(t, env, true, map[string]any{
			"resource": "settings",
			"live":     live,
			"new":      filepath.Join(env.LiveDir, ".keep-new-settings.json-abc"),
			"old":      old,
			"had_live": true,
			"state":    "committed",
		})

		report, err := env.Service.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.Completed != backup || report.RolledBack != "" {
			t.Errorf("Recover() = %+v, want Completed %s", report, backup)
		}
		if got := env.ReadLive(t, "settings.json"); got != `{"theme":"dark"}` {
			t.Errorf("settings = %q, want the restored content", got)
		}
		if _, err := os.Lstat(old); !os.IsNotExist(err) {
			t.Errorf("replaced copy still present: %v", err)
		}
		if _, err := os.Stat(env.JournalPath()); !os.IsNotExist(err) {
			t.Errorf("journal left behind: %v", err)
		}
	})

	t.Run("rolls back a swap interrupted mid-way", func(t *testing.T) {
		t.Parallel()
		env := testutil.NewEnv(t)
		env.SeedLive(t)

		// settings was moved aside but its replacement never renamed in.
		live := filepath.Join(env.LiveDir, "settings.json")
		old := filepath.Join(env.LiveDir, ".keep-old-settings.json-abc")
		newSettings := filepath.Join(env.LiveDir, ".keep-new-settings.json-abc")
		if err := os.Rename(live, old); err != nil {
			t.Fatal(err)
		}
		env.WriteLive(t, ".keep-new-settings.json-abc", `{"theme":"restored"}`)
		// notes was prepared but not yet touched.
		newNotes := filepath.Join(env.LiveDir, ".keep-new-notes.txt-abc")
		env.WriteLive(t, ".keep-new-notes.txt-abc", "restored notes")

		leaveJournal(t, env, false,
			map[string]any{
				"resource": "settings",
				"live":     live,
				"new":      newSettings,
				"old":      old,
				"had_live": true,
				"state":    "moved_aside",
			},
			map[string]any{
				"resource": "notes",
				"live":     filepath.Join(env.LiveDir, "notes.txt"),
				"new":      newNotes,
				"old":      filepath.Join(env.LiveDir, ".keep-old-notes.txt-abc"),
				"had_live": true,
				"state":    "prepared",
			},
		)

		report, err := env.Service.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		if report.RolledBack != backup || report.Completed != "" {
			t.Errorf("Recover() = %+v, want RolledBack %s", report, backup)
		}
		if got := env.ReadLive(t, "settings.json"); got != `{"theme":"dark"}` {
			t.Errorf("settings = %q, want the original content", got)
		}
		if got := env.ReadLive(t, "notes.txt"); got != "remember the milk" {
			t.Errorf("notes = %q, want the original content", got)
		}
		for _, path := range []string{old, newSettings, newNotes, env.JournalPath()} {
			if _, err := os.Lstat(path); !os.IsNotExist(err) {
				t.Errorf("%s still present: %v", filepath.Base(path), err)
			}
		}
	})
}

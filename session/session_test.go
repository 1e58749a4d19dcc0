package session

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	run, err := store.NewRun("dict-sha", "target-sha")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	for _, batch := range []int{0, 2, 5} {
		if err := run.MarkCleared(batch); err != nil {
			t.Fatalf("MarkCleared(%d): %v", batch, err)
		}
	}

	resumed, err := store.Resume(run.ID, "dict-sha", "target-sha")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for _, batch := range []int{0, 2, 5} {
		if !resumed.ShouldSkip(batch) {
			t.Errorf("batch %d should be skipped after resume", batch)
		}
	}
	for _, batch := range []int{1, 3, 4} {
		if resumed.ShouldSkip(batch) {
			t.Errorf("batch %d was never cleared", batch)
		}
	}
}

func TestResumeRejectsDifferentInputs(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	run, err := store.NewRun("dict-sha", "target-sha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Resume(run.ID, "other-dict", "target-sha"); err == nil {
		t.Error("resume with a different dictionary must be rejected")
	}
	if _, err := store.Resume(run.ID, "dict-sha", "other-target"); err == nil {
		t.Error("resume with a different target must be rejected")
	}
	if _, err := store.Resume("no-such-run", "dict-sha", "target-sha"); err == nil {
		t.Error("resume of an unknown run must be rejected")
	}
}

func TestSnapshotSealedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	run, err := store.NewRun("dict-sha", "target-sha")
	if err != nil {
		t.Fatal(err)
	}
	want := Snapshot{Found: true, Index: 42, Word: "hunter2", FinishedAt: time.Now().UTC()}
	if err := run.Complete(want); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.LoadSnapshot(run.ID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !got.Found || got.Index != 42 || got.Word != "hunter2" {
		t.Errorf("snapshot round trip lost data: %+v", got)
	}

	// A finished run is not resumable.
	if _, err := store.Resume(run.ID, "dict-sha", "target-sha"); err == nil {
		t.Error("finished run must not resume")
	}
}

func TestSnapshotNotStoredPlaintext(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	run, err := store.NewRun("dict-sha", "target-sha")
	if err != nil {
		t.Fatal(err)
	}
	secret := "extremely-recognizable-secret-value"
	if err := run.Complete(Snapshot{Found: true, Index: 1, Word: secret, FinishedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// The recovered word must not appear anywhere on disk in the
	// clear, WAL and journal included.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(data, []byte(secret)) {
			t.Errorf("plaintext secret found in %s", entry.Name())
		}
	}
}

func TestSessionKeyPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	run, err := store.NewRun("d", "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Complete(Snapshot{Found: true, Index: 7, Word: "w", FinishedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	info, err := os.Stat(filepath.Join(dir, keyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session key mode %v, want 0600", info.Mode().Perm())
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	snap, err := reopened.LoadSnapshot(run.ID)
	if err != nil {
		t.Fatalf("snapshot unreadable after reopen: %v", err)
	}
	if snap.Index != 7 {
		t.Errorf("snapshot index %d, want 7", snap.Index)
	}
}

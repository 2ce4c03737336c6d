package forestfs_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mwantia/forestfs"
	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	"github.com/mwantia/forestfs/roster"
	"github.com/mwantia/forestfs/storage"
	"github.com/mwantia/forestfs/xstat"
)

type testEnv struct {
	v     *forestfs.VFS
	rst   *roster.Store
	user  *roster.User
	drive *roster.Drive
	root  string
	ms    *xstat.MemoryStore
}

func newTestVFS(t *testing.T, options ...forestfs.Option) *testEnv {
	t.Helper()
	ctx := testContext(t)

	rst, err := roster.Open(":memory:", log.NewLogger("roster-test", log.Error, "", true))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		rst.Close()
	})

	user, err := rst.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	drive, err := rst.CreateDrive(ctx, user.UUID, data.DrivePrivate, nil)
	if err != nil {
		t.Fatalf("CreateDrive failed: %v", err)
	}

	root := t.TempDir()
	ms := xstat.NewMemoryStore()
	opts := append([]forestfs.Option{
		forestfs.WithLogLevel(log.Error),
		forestfs.WithoutTerminalLog(),
		forestfs.WithXStat(ms),
		forestfs.WithCloner(storage.PortableCloner{}),
	}, options...)

	v, err := forestfs.New(rst, root, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		v.Close()
	})

	return &testEnv{v: v, rst: rst, user: user, drive: drive, root: root, ms: ms}
}

// stage writes content into a staging file on the same filesystem as
// the drive trees, the way an upload handler would.
func (env *testEnv) stage(t *testing.T, content string) string {
	t.Helper()

	dir := filepath.Join(env.root, "staging")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	f, err := os.CreateTemp(dir, "stage-")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return f.Name()
}

func (env *testEnv) addDrive(t *testing.T, ctx context.Context, owner string, typ data.DriveType, writelist []string) *roster.Drive {
	t.Helper()

	d, err := env.rst.CreateDrive(ctx, owner, typ, writelist)
	if err != nil {
		t.Fatalf("CreateDrive failed: %v", err)
	}
	if err := env.v.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return d
}

func TestMkdirReaddir(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	res, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, true)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if res.Entry == nil || res.Entry.Type != data.TypeDirectory {
		t.Fatalf("Unexpected result entry: %+v", res.Entry)
	}
	if len(res.Entries) != 1 || res.Entries[0].UUID != res.Entry.UUID {
		t.Fatalf("Expected the read-back listing to carry the new entry, got %+v", res.Entries)
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "docs" || entries[0].UUID != res.Entry.UUID {
		t.Fatalf("Expected a stable identity across reads, got %+v", entries)
	}

	// Naming the owning drive explicitly resolves the same way.
	entries, err = env.v.Readdir(ctx, env.user.UUID, env.drive.UUID, env.drive.UUID)
	if err != nil {
		t.Fatalf("Readdir with drive failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
}

func TestMkdirConflict(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	first, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, false)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	if _, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, false); !errors.Is(err, data.ErrConflict) {
		t.Fatalf("Expected ErrConflict under the default policy, got %v", err)
	}

	rename := data.Policy{data.PolicyRename, data.PolicyFail}
	second, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", rename, false)
	if err != nil {
		t.Fatalf("Mkdir with rename failed: %v", err)
	}
	third, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", rename, false)
	if err != nil {
		t.Fatalf("Mkdir with rename failed: %v", err)
	}

	if second.Resolution.Name != "docs (2)" || third.Resolution.Name != "docs (3)" {
		t.Fatalf("Unexpected resolved names %q, %q", second.Resolution.Name, third.Resolution.Name)
	}
	uuids := map[string]struct{}{
		first.Entry.UUID:  {},
		second.Entry.UUID: {},
		third.Entry.UUID:  {},
	}
	if len(uuids) != 3 {
		t.Fatal("Expected three distinct identities")
	}
}

func TestMkdirs(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	outcomes, err := env.v.Mkdirs(ctx, env.user.UUID, env.drive.UUID, []string{"a", "b"}, data.Policy{})
	if err != nil {
		t.Fatalf("Mkdirs failed: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if outcomes[name] == nil || outcomes[name].Error != "" {
			t.Fatalf("Expected %q to succeed, got %+v", name, outcomes[name])
		}
	}

	// One failure never aborts the batch.
	outcomes, err = env.v.Mkdirs(ctx, env.user.UUID, env.drive.UUID, []string{"a", "c"}, data.Policy{})
	if err != nil {
		t.Fatalf("Mkdirs failed: %v", err)
	}
	if outcomes["a"].Error == "" {
		t.Error("Expected the conflicting name to report an error")
	}
	if outcomes["c"].Error != "" {
		t.Errorf("Expected the fresh name to succeed, got %+v", outcomes["c"])
	}
}

func TestNewFile(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	const sum = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447" // "hello world\n"

	res, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "note.txt", env.stage(t, "hello world\n"), sum, data.Policy{})
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if res.Entry.Size != 12 || res.Entry.Hash != sum {
		t.Fatalf("Unexpected entry: %+v", res.Entry)
	}

	content, err := os.ReadFile(filepath.Join(env.root, "drives", env.drive.UUID, "note.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "hello world\n" {
		t.Errorf("Unexpected content %q", content)
	}

	t.Run("bad-sum", func(tst *testing.T) {
		_, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "bad.txt", env.stage(tst, "other"), sum, data.Policy{})
		if !errors.Is(err, data.ErrInvalid) {
			tst.Fatalf("Expected ErrInvalid, got %v", err)
		}
	})

	t.Run("skip-drops-staged-file", func(tst *testing.T) {
		staged := env.stage(tst, "replacement")
		skip := data.Policy{data.PolicySkip, data.PolicyFail}

		skipRes, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "note.txt", staged, "", skip)
		if err != nil {
			tst.Fatalf("NewFile with skip failed: %v", err)
		}
		if skipRes.Resolution.Status != data.ResolveSkipped || skipRes.Entry.UUID != res.Entry.UUID {
			tst.Fatalf("Expected skip reporting the existing entry, got %+v", skipRes)
		}
		if _, err := os.Lstat(staged); !os.IsNotExist(err) {
			tst.Error("Expected the staged file to be dropped")
		}
	})
}

func TestRename(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	created, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "old.txt", env.stage(t, "x"), "", data.Policy{})
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	renamed, err := env.v.Rename(ctx, env.user.UUID, env.drive.UUID, "old.txt", "new.txt", data.Policy{})
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if renamed.Entry.UUID != created.Entry.UUID || renamed.Entry.Name != "new.txt" {
		t.Fatalf("Expected the identity to survive, got %+v", renamed.Entry)
	}

	if _, err := env.v.Rename(ctx, env.user.UUID, env.drive.UUID, "old.txt", "other.txt", data.Policy{}); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for the stale name, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	if _, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, false); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	if err := env.v.Remove(ctx, env.user.UUID, env.drive.UUID, "docs"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := env.v.Remove(ctx, env.user.UUID, env.drive.UUID, "docs"); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected an empty listing, got %+v", entries)
	}
}

func TestTags(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	work, err := env.rst.CreateTag(ctx, "work", "")
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	home, err := env.rst.CreateTag(ctx, "home", "")
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}

	if _, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "f.txt", env.stage(t, "x"), "", data.Policy{}); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	entry, err := env.v.AddTags(ctx, env.user.UUID, env.drive.UUID, "f.txt", []int{home.ID, work.ID})
	if err != nil {
		t.Fatalf("AddTags failed: %v", err)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != work.ID || entry.Tags[1] != home.ID {
		t.Fatalf("Expected sorted tags [%d %d], got %v", work.ID, home.ID, entry.Tags)
	}

	entry, err = env.v.RemoveTags(ctx, env.user.UUID, env.drive.UUID, "f.txt", []int{work.ID})
	if err != nil {
		t.Fatalf("RemoveTags failed: %v", err)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != home.ID {
		t.Fatalf("Expected [%d], got %v", home.ID, entry.Tags)
	}

	// Setting the current value is idempotent.
	for n := 0; n < 2; n++ {
		entry, err = env.v.SetTags(ctx, env.user.UUID, env.drive.UUID, "f.txt", []int{home.ID})
		if err != nil {
			t.Fatalf("SetTags failed: %v", err)
		}
		if len(entry.Tags) != 1 || entry.Tags[0] != home.ID {
			t.Fatalf("Expected [%d], got %v", home.ID, entry.Tags)
		}
	}

	if _, err := env.v.AddTags(ctx, env.user.UUID, env.drive.UUID, "f.txt", []int{9999}); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for an unknown tag, got %v", err)
	}

	if _, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, false); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, err := env.v.AddTags(ctx, env.user.UUID, env.drive.UUID, "docs", []int{home.ID}); !errors.Is(err, data.ErrNotFile) {
		t.Fatalf("Expected ErrNotFile for a directory, got %v", err)
	}
}

func TestPermissions(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	bob, err := env.rst.CreateUser(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// Another user's private drive is indistinguishable from a missing
	// one.
	if _, err := env.v.Readdir(ctx, bob.UUID, "", env.drive.UUID); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if _, err := env.v.Readdir(ctx, "", "", env.drive.UUID); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for anonymous access, got %v", err)
	}

	t.Run("public-writelist", func(tst *testing.T) {
		public := env.addDrive(tst, ctx, env.user.UUID, data.DrivePublic, []string{bob.UUID})

		if _, err := env.v.Mkdir(ctx, bob.UUID, public.UUID, "from-bob", data.Policy{}, false); err != nil {
			tst.Fatalf("Mkdir as writelist member failed: %v", err)
		}

		carol, err := env.rst.CreateUser(ctx, "carol")
		if err != nil {
			tst.Fatalf("CreateUser failed: %v", err)
		}
		if _, err := env.v.Mkdir(ctx, carol.UUID, public.UUID, "from-carol", data.Policy{}, false); !errors.Is(err, data.ErrNotFound) {
			tst.Fatalf("Expected ErrNotFound for a non-member, got %v", err)
		}

		if err := env.rst.UpdateWritelist(ctx, public.UUID, []string{"*"}); err != nil {
			tst.Fatalf("UpdateWritelist failed: %v", err)
		}
		if _, err := env.v.Mkdir(ctx, carol.UUID, public.UUID, "from-carol", data.Policy{}, false); err != nil {
			tst.Fatalf("Mkdir under a '*' writelist failed: %v", err)
		}
	})
}

func TestMovedDirectory(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	other := env.addDrive(t, ctx, env.user.UUID, data.DrivePrivate, nil)

	res, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "docs", data.Policy{}, false)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	// The directory exists, but under a different drive than named.
	if _, err := env.v.Readdir(ctx, env.user.UUID, other.UUID, res.Entry.UUID); !errors.Is(err, data.ErrMoved) {
		t.Fatalf("Expected ErrMoved, got %v", err)
	}
}

func TestBackupArchivedHidden(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	backup := env.addDrive(t, ctx, env.user.UUID, data.DriveBackup, nil)
	for _, name := range []string{"live", "old"} {
		if _, err := env.v.Mkdir(ctx, env.user.UUID, backup.UUID, name, data.Policy{}, false); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
	}

	// Mark "old" archived in its identity record, the way the backup
	// rotation writer does.
	path := filepath.Join(env.root, "drives", backup.UUID, "old")
	stat, err := env.ms.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	stat.Archived = true
	if err := env.ms.Write(path, stat); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", backup.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "live" {
		t.Fatalf("Expected archived directories hidden on a backup drive, got %+v", entries)
	}

	t.Run("regular-drive-lists-archived", func(tst *testing.T) {
		if _, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "old", data.Policy{}, false); err != nil {
			tst.Fatalf("Mkdir failed: %v", err)
		}
		path := filepath.Join(env.root, "drives", env.drive.UUID, "old")
		stat, err := env.ms.Read(path)
		if err != nil {
			tst.Fatalf("Read failed: %v", err)
		}
		stat.Archived = true
		if err := env.ms.Write(path, stat); err != nil {
			tst.Fatalf("Write failed: %v", err)
		}

		entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
		if err != nil {
			tst.Fatalf("Readdir failed: %v", err)
		}
		if len(entries) != 1 || entries[0].Name != "old" || !entries[0].Archived {
			tst.Fatalf("Expected the archived directory listed with its flag, got %+v", entries)
		}
	})
}

func TestConcurrentMediaAttach(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	const sum = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447" // "hello world\n"
	if _, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "pic.jpg", env.stage(t, "hello world\n"), sum, data.Policy{}); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	// Listings must stay consistent while probe results land on nodes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			env.v.Forest().AttachMedia(sum, &data.MediaMeta{Type: "JPEG", Width: i + 1, Height: i + 1})
		}
	}()

	for attaching := true; attaching; {
		select {
		case <-done:
			attaching = false
		default:
		}
		entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
		if err != nil {
			t.Fatalf("Readdir failed: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("Expected 1 entry, got %d", len(entries))
		}
		if meta := entries[0].Metadata; meta != nil && (meta.Type != "JPEG" || meta.Width != meta.Height) {
			t.Fatalf("Observed a torn metadata snapshot: %+v", meta)
		}
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if entries[0].Metadata == nil || entries[0].Metadata.Width != 200 {
		t.Fatalf("Expected the last attachment to win, got %+v", entries[0].Metadata)
	}
}

func TestRefreshPrune(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	t.Run("deleted-drive-removed-from-disk", func(tst *testing.T) {
		doomed := env.addDrive(tst, ctx, env.user.UUID, data.DrivePrivate, nil)
		if _, err := env.v.Mkdir(ctx, env.user.UUID, doomed.UUID, "docs", data.Policy{}, false); err != nil {
			tst.Fatalf("Mkdir failed: %v", err)
		}

		if err := env.rst.DeleteDrive(ctx, doomed.UUID); err != nil {
			tst.Fatalf("DeleteDrive failed: %v", err)
		}
		if err := env.v.Refresh(ctx); err != nil {
			tst.Fatalf("Refresh failed: %v", err)
		}

		if env.v.Forest().GetNode(doomed.UUID) != nil {
			tst.Error("Expected the root to leave the index")
		}
		if _, err := os.Stat(filepath.Join(env.root, "drives", doomed.UUID)); !os.IsNotExist(err) {
			tst.Error("Expected the tree to be removed from disk")
		}
	})

	t.Run("deleted-owner-keeps-tree-on-disk", func(tst *testing.T) {
		bob, err := env.rst.CreateUser(ctx, "bob")
		if err != nil {
			tst.Fatalf("CreateUser failed: %v", err)
		}
		bobs := env.addDrive(tst, ctx, bob.UUID, data.DrivePrivate, nil)

		if err := env.rst.DeleteUser(ctx, bob.UUID); err != nil {
			tst.Fatalf("DeleteUser failed: %v", err)
		}
		if err := env.v.Refresh(ctx); err != nil {
			tst.Fatalf("Refresh failed: %v", err)
		}

		if env.v.Forest().GetNode(bobs.UUID) != nil {
			tst.Error("Expected the root to leave the index")
		}
		// The drive itself was not deleted, so its tree survives.
		if _, err := os.Stat(filepath.Join(env.root, "drives", bobs.UUID)); err != nil {
			tst.Errorf("Expected the tree to survive on disk: %v", err)
		}
	})
}

func TestCopyFile(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	other := env.addDrive(t, ctx, env.user.UUID, data.DrivePrivate, nil)

	created, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "f.txt", env.stage(t, "payload"), "", data.Policy{})
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	outcomes, err := env.v.CopyFile(ctx, env.user.UUID,
		forestfs.FileRef{Dir: env.drive.UUID, Name: "f.txt"},
		forestfs.FileRef{Dir: other.UUID},
		data.Policy{})
	if err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}

	outcome := outcomes["f.txt"]
	if outcome == nil || outcome.Error != "" {
		t.Fatalf("Unexpected outcome: %+v", outcome)
	}
	if outcome.Resolution.UUID == created.Entry.UUID {
		t.Error("Expected the copy to carry a fresh identity")
	}

	content, err := os.ReadFile(filepath.Join(env.root, "drives", other.UUID, "f.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("Unexpected content %q", content)
	}

	// The copy shares the source's content hash.
	entries, err := env.v.Readdir(ctx, env.user.UUID, "", other.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Hash != created.Entry.Hash {
		t.Fatalf("Expected the hash to carry over, got %+v", entries)
	}
}

func TestMoveFile(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	other := env.addDrive(t, ctx, env.user.UUID, data.DrivePrivate, nil)

	created, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, "g.txt", env.stage(t, "moved"), "", data.Policy{})
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	outcomes, err := env.v.MoveFile(ctx, env.user.UUID,
		forestfs.FileRef{Dir: env.drive.UUID, Name: "g.txt", UUID: created.Entry.UUID},
		forestfs.FileRef{Dir: other.UUID},
		data.Policy{})
	if err != nil {
		t.Fatalf("MoveFile failed: %v", err)
	}
	outcome := outcomes["g.txt"]
	if outcome == nil || outcome.Error != "" {
		t.Fatalf("Unexpected outcome: %+v", outcome)
	}
	if outcome.Resolution.UUID != created.Entry.UUID {
		t.Error("Expected the identity to survive the move")
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected the source to be empty, got %+v", entries)
	}
}

func TestMoveDirs(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	src, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "src", data.Policy{}, false)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	dst, err := env.v.Mkdir(ctx, env.user.UUID, env.drive.UUID, "dst", data.Policy{}, false)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, err := env.v.Mkdir(ctx, env.user.UUID, src.Entry.UUID, "sub1", data.Policy{}, false); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, err := env.v.NewFile(ctx, env.user.UUID, src.Entry.UUID, "leaf.txt", env.stage(t, "x"), "", data.Policy{}); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	outcomes, err := env.v.MoveDirs(ctx, env.user.UUID,
		forestfs.FileRef{Dir: src.Entry.UUID},
		forestfs.FileRef{Dir: dst.Entry.UUID},
		[]string{"sub1", "missing", "leaf.txt"},
		data.Policy{})
	if err != nil {
		t.Fatalf("MoveDirs failed: %v", err)
	}

	if outcomes["sub1"].Error != "" {
		t.Errorf("Expected sub1 to move, got %+v", outcomes["sub1"])
	}
	if outcomes["missing"].Error == "" {
		t.Error("Expected the missing name to report an error")
	}
	if outcomes["leaf.txt"].Error == "" {
		t.Error("Expected the file name to report an error")
	}

	entries, err := env.v.Readdir(ctx, env.user.UUID, "", dst.Entry.UUID)
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "sub1" {
		t.Fatalf("Expected sub1 under dst, got %+v", entries)
	}

	if _, err := env.v.MoveDirs(ctx, env.user.UUID,
		forestfs.FileRef{Dir: src.Entry.UUID},
		forestfs.FileRef{Dir: src.Entry.UUID},
		[]string{"x"}, data.Policy{}); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for identical directories, got %v", err)
	}
}

func TestQueryFacade(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t, forestfs.WithSpillThreshold(2))

	names := []string{"a.txt", "b.txt", "c.txt"}
	for i, name := range names {
		if _, err := env.v.NewFile(ctx, env.user.UUID, env.drive.UUID, name, env.stage(t, name), "", data.Policy{}); err != nil {
			t.Fatalf("NewFile failed: %v", err)
		}
		setMtime(t, filepath.Join(env.root, "drives", env.drive.UUID, name), int64((i+1)*100))
	}
	if _, err := env.v.Readdir(ctx, env.user.UUID, "", env.drive.UUID); err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}

	t.Run("paged", func(tst *testing.T) {
		res, err := env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
			Count:  2,
		})
		if err != nil {
			tst.Fatalf("Query failed: %v", err)
		}
		if len(res.Records) != 2 || res.Records[0].Namepath[0] != "a.txt" {
			tst.Fatalf("Unexpected first page: %+v", res.Records)
		}

		last := res.Records[len(res.Records)-1]
		res, err = env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
			Last:   fmt.Sprintf("%d.%s", last.Mtime, last.UUID),
		})
		if err != nil {
			tst.Fatalf("Query failed: %v", err)
		}
		if len(res.Records) != 1 || res.Records[0].Namepath[0] != "c.txt" {
			tst.Fatalf("Unexpected second page: %+v", res.Records)
		}
	})

	t.Run("spill", func(tst *testing.T) {
		res, err := env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
		})
		if err != nil {
			tst.Fatalf("Query failed: %v", err)
		}
		if res.SpillPath == "" || len(res.Records) != 0 {
			tst.Fatalf("Expected records to spill, got %+v", res)
		}
		defer os.Remove(res.SpillPath)

		raw, err := os.ReadFile(res.SpillPath)
		if err != nil {
			tst.Fatalf("ReadFile failed: %v", err)
		}
		var records []forestfs.QueryRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			tst.Fatalf("Unmarshal failed: %v", err)
		}
		if len(records) != 3 {
			tst.Fatalf("Expected 3 spilled records, got %d", len(records))
		}
	})

	t.Run("conflicting-cursors", func(tst *testing.T) {
		_, err := env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
			StartI: "100.x",
			StartE: "200.y",
		})
		if !errors.Is(err, data.ErrInvalid) {
			tst.Fatalf("Expected ErrInvalid, got %v", err)
		}
	})

	t.Run("malformed-cursor", func(tst *testing.T) {
		_, err := env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
			StartE: "not-a-cursor",
		})
		if !errors.Is(err, data.ErrInvalid) {
			tst.Fatalf("Expected ErrInvalid, got %v", err)
		}
	})

	t.Run("no-places", func(tst *testing.T) {
		_, err := env.v.Query(ctx, env.user.UUID, &forestfs.QueryOptions{Order: "oldest"})
		if !errors.Is(err, data.ErrInvalid) {
			tst.Fatalf("Expected ErrInvalid, got %v", err)
		}
	})

	t.Run("inaccessible-place-fails", func(tst *testing.T) {
		bob, err := env.rst.CreateUser(ctx, "bob")
		if err != nil {
			tst.Fatalf("CreateUser failed: %v", err)
		}
		_, err = env.v.Query(ctx, bob.UUID, &forestfs.QueryOptions{
			Places: []string{env.drive.UUID},
			Order:  "oldest",
		})
		if !errors.Is(err, data.ErrNotFound) {
			tst.Fatalf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestDispatch(t *testing.T) {
	ctx := testContext(t)
	env := newTestVFS(t)

	out, err := env.v.Do(ctx, env.user.UUID, "MKDIR", map[string]any{
		"dirUUID": env.drive.UUID,
		"name":    "docs",
	})
	if err != nil {
		t.Fatalf("Do MKDIR failed: %v", err)
	}
	res, ok := out.(*forestfs.OpResult)
	if !ok || res.Entry == nil || res.Entry.Name != "docs" {
		t.Fatalf("Unexpected result: %+v", out)
	}

	out, err = env.v.Do(ctx, env.user.UUID, "QUERY", map[string]any{
		"places": []any{env.drive.UUID},
		"order":  "find",
		"count":  float64(10),
	})
	if err != nil {
		t.Fatalf("Do QUERY failed: %v", err)
	}
	qres, ok := out.(*forestfs.QueryResponse)
	if !ok || qres.Count != 1 {
		t.Fatalf("Unexpected query result: %+v", out)
	}

	// A hierarchical walk pages across Do calls through a cursor object.
	if _, err := env.v.Do(ctx, env.user.UUID, "MKDIR", map[string]any{
		"dirUUID": env.drive.UUID,
		"name":    "api",
	}); err != nil {
		t.Fatalf("Do MKDIR failed: %v", err)
	}
	out, err = env.v.Do(ctx, env.user.UUID, "QUERY", map[string]any{
		"places": []any{env.drive.UUID},
		"order":  "find",
		"count":  float64(1),
	})
	if err != nil {
		t.Fatalf("Do QUERY failed: %v", err)
	}
	qres, ok = out.(*forestfs.QueryResponse)
	if !ok || len(qres.Records) != 1 || qres.Records[0].Namepath[0] != "api" {
		t.Fatalf("Unexpected first page: %+v", out)
	}

	out, err = env.v.Do(ctx, env.user.UUID, "QUERY", map[string]any{
		"places": []any{env.drive.UUID},
		"order":  "find",
		"count":  float64(10),
		"cursor": map[string]any{
			"namepath": []any{"api"},
			"type":     "directory",
		},
	})
	if err != nil {
		t.Fatalf("Do QUERY with cursor failed: %v", err)
	}
	qres, ok = out.(*forestfs.QueryResponse)
	if !ok || len(qres.Records) != 1 || qres.Records[0].Namepath[0] != "docs" {
		t.Fatalf("Expected the walk to resume past the cursor, got %+v", out)
	}

	if _, err := env.v.Do(ctx, env.user.UUID, "QUERY", map[string]any{
		"places": []any{env.drive.UUID},
		"order":  "find",
		"cursor": "api",
	}); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for a malformed cursor, got %v", err)
	}

	if _, err := env.v.Do(ctx, env.user.UUID, "FROBNICATE", nil); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for an unknown verb, got %v", err)
	}
	if _, err := env.v.Do(ctx, env.user.UUID, "MKDIR", map[string]any{"name": "docs"}); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for a missing property, got %v", err)
	}
	if _, err := env.v.Do(ctx, env.user.UUID, "MKDIR", map[string]any{
		"dirUUID": env.drive.UUID,
		"name":    "x",
		"policy":  []any{"overwrite"},
	}); !errors.Is(err, data.ErrInvalid) {
		t.Fatalf("Expected ErrInvalid for a malformed policy, got %v", err)
	}
}

package backup_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"hotbackup/internal/backup"
	"hotbackup/internal/testutil"
)

type serviceFixture struct {
	svc      *backup.Service
	engine   *testutil.ScriptedEngine
	fsmgr    *testutil.MockFilesystemManager
	registry *backup.Registry
	clock    *testutil.StubClock
}

func newServiceFixture(t *testing.T, history backup.SessionStore, steps ...testutil.EngineStep) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		engine:   testutil.NewScriptedEngine(steps...),
		fsmgr:    newTestFS(),
		registry: backup.NewRegistry(),
		clock:    testutil.FixedClock(),
	}
	f.svc = backup.NewService(
		backup.Sources{DataDir: "/var/lib/mongo"},
		f.engine, f.fsmgr, history, backup.NewNopLogger(), f.clock, testutil.NewStubIDGenerator(),
		backup.WithRegistry(f.registry),
	)
	return f
}

func TestService_Status(t *testing.T) {
	t.Run("fails before any backup", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		doc, err := f.svc.Status()
		if !errors.Is(err, backup.ErrNoActiveSession) {
			t.Errorf("Status() error = %v, want ErrNoActiveSession", err)
		}
		if doc != nil {
			t.Errorf("Status() doc = %s, want nil", doc)
		}
	})

	t.Run("reports the running backup", func(t *testing.T) {
		pause := testutil.NewPause()
		f := newServiceFixture(t, nil,
			testutil.PollStep(0, claimLine),
			testutil.PollStep(0.25, discoveryLine),
			testutil.PollStep(0.5, copyingLine),
			testutil.PauseStep(pause),
		)

		done := make(chan error, 1)
		go func() {
			_, err := f.svc.Start(context.Background(), "/backup")
			done <- err
		}()
		<-pause.Reached

		doc, err := f.svc.Status()
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if got := doc.Get("percent").Float(); got != 50 {
			t.Errorf("percent = %v, want 50", got)
		}
		if got := doc.Get("files.done").Int(); got != 9 {
			t.Errorf("files.done = %v, want 9", got)
		}
		if got := doc.Get("files.total").Int(); got != 17 {
			t.Errorf("files.total = %v, want 17", got)
		}
		if got := doc.Get("current.dest").String(); got != "/backup/a" {
			t.Errorf("current.dest = %q, want /backup/a", got)
		}
		if got := doc.Get("current.bytes.total").Uint(); got != 32768 {
			t.Errorf("current.bytes.total = %v, want 32768", got)
		}

		again, err := f.svc.Status()
		if err != nil {
			t.Fatalf("second Status() error = %v", err)
		}
		if again.String() != doc.String() {
			t.Errorf("Status() changed without progress:\n%s\n%s", doc, again)
		}

		pause.Resume()
		if err := <-done; err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		if _, err := f.svc.Status(); !errors.Is(err, backup.ErrNoActiveSession) {
			t.Errorf("Status() after the run error = %v, want ErrNoActiveSession", err)
		}
	})
}

func TestService_Throttle(t *testing.T) {
	t.Run("rejects negative values without contacting the engine", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		err := f.svc.Throttle(-1)
		if !errors.Is(err, backup.ErrValidation) {
			t.Errorf("Throttle(-1) error = %v, want ErrValidation", err)
		}
		var ve *backup.ValidationError
		if !errors.As(err, &ve) || !strings.Contains(ve.Message, "negative") {
			t.Errorf("Throttle(-1) error = %v, want a ValidationError about negative values", err)
		}
		if got := f.engine.Throttles(); len(got) != 0 {
			t.Errorf("engine received %v", got)
		}
	})

	t.Run("forwards values to the engine", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		for _, bps := range []int64{1 << 20, 0} {
			if err := f.svc.Throttle(bps); err != nil {
				t.Fatalf("Throttle(%d) error = %v", bps, err)
			}
		}
		got := f.engine.Throttles()
		if len(got) != 2 || got[0] != 1<<20 || got[1] != 0 {
			t.Errorf("Throttles() = %v, want [1048576 0]", got)
		}
	})
}

func TestService_Start(t *testing.T) {
	t.Run("successful backup", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		f := newServiceFixture(t, db,
			testutil.PollStep(0, claimLine),
			testutil.PollStep(0.25, discoveryLine),
			testutil.PollStep(1, copyingLine),
		)

		doc, err := f.svc.Start(context.Background(), "/backup")
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := doc.Get("session").String(); got != "session-1" {
			t.Errorf("session = %q, want session-1", got)
		}
		for _, path := range []string{"message", "errno", "strerror", "reason"} {
			if doc.Has(path) {
				t.Errorf("%s should be absent on success: %s", path, doc)
			}
		}

		recs, err := db.ListSessions(0)
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(recs) != 1 {
			t.Fatalf("recorded %d sessions, want 1", len(recs))
		}
		rec := recs[0]
		if rec.ID != "session-1" || rec.Status != backup.SessionCompleted {
			t.Errorf("session = %s/%s, want session-1/completed", rec.ID, rec.Status)
		}
		if rec.BytesDone != 442839 || rec.FilesDone != 9 || rec.FilesTotal != 17 {
			t.Errorf("progress = %d bytes %d/%d files", rec.BytesDone, rec.FilesDone, rec.FilesTotal)
		}
		if !rec.StartedAt.Equal(f.clock.Now()) || !rec.FinishedAt.Valid {
			t.Errorf("times = %v / %v", rec.StartedAt, rec.FinishedAt)
		}
		assertPairs(t, rec.Pairs, []backup.DirectoryPair{{Source: "/var/lib/mongo", Destination: "/backup"}})
	})

	t.Run("engine failure fills the error fields", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		f := newServiceFixture(t, db,
			testutil.PollStep(0, claimLine),
			testutil.ErrorStep(int(syscall.ENOSPC), "No space left on device"),
		)
		f.engine.ReturnCode = int(syscall.ENOSPC)

		doc, err := f.svc.Start(context.Background(), "/backup")
		if !errors.Is(err, backup.ErrEngineFailure) {
			t.Fatalf("Start() error = %v, want ErrEngineFailure", err)
		}
		if doc == nil {
			t.Fatal("Start() should return a document alongside the error")
		}
		if got := doc.Get("message").String(); got != "No space left on device" {
			t.Errorf("message = %q", got)
		}
		if got := doc.Get("errno").Int(); got != int64(syscall.ENOSPC) {
			t.Errorf("errno = %d, want %d", got, syscall.ENOSPC)
		}
		if got := doc.Get("strerror").String(); got != syscall.ENOSPC.Error() {
			t.Errorf("strerror = %q, want %q", got, syscall.ENOSPC.Error())
		}
		if doc.Has("reason") {
			t.Error("reason should be absent when not interrupted")
		}

		recs, _ := db.ListSessions(1)
		if recs[0].Status != backup.SessionFailed || recs[0].Errno != int(syscall.ENOSPC) {
			t.Errorf("session = %s errno %d", recs[0].Status, recs[0].Errno)
		}
	})

	t.Run("failure without a report records the return code", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		f := newServiceFixture(t, db)
		f.engine.ReturnCode = int(syscall.EIO)

		if _, err := f.svc.Start(context.Background(), "/backup"); err == nil {
			t.Fatal("Start() expected error")
		}
		recs, _ := db.ListSessions(1)
		if recs[0].Status != backup.SessionFailed || !strings.Contains(recs[0].ErrorMessage, "return code 5") {
			t.Errorf("session = %s %q", recs[0].Status, recs[0].ErrorMessage)
		}
	})

	t.Run("interrupt adds the reason", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		f := newServiceFixture(t, db,
			testutil.PollStep(0, claimLine),
			testutil.PollStep(0.5, copyingLine),
		)

		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(errors.New("interrupted at shutdown"))

		doc, err := f.svc.Start(ctx, "/backup")
		if err == nil {
			t.Fatal("Start() expected error")
		}
		if got := doc.Get("reason").String(); got != "interrupted at shutdown" {
			t.Errorf("reason = %q, want %q", got, "interrupted at shutdown")
		}
		if got := doc.Get("errno").Int(); got != int64(syscall.ECANCELED) {
			t.Errorf("errno = %d, want ECANCELED", got)
		}
		if got := doc.Get("message").String(); got != "User aborted backup" {
			t.Errorf("message = %q", got)
		}

		recs, _ := db.ListSessions(1)
		if recs[0].Status != backup.SessionCancelled || recs[0].Reason != "interrupted at shutdown" {
			t.Errorf("session = %s %q", recs[0].Status, recs[0].Reason)
		}
	})

	t.Run("directory creation failure", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		engine := testutil.NewScriptedEngine(testutil.PollStep(0, claimLine))
		fsmgr := newTestFS()
		fsmgr.FailCreate("/backup/data", syscall.EROFS)
		svc := backup.NewService(
			backup.Sources{DataDir: "/var/lib/mongo", LogDir: "/var/log/mongo"},
			engine, fsmgr, db, backup.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator(),
			backup.WithRegistry(backup.NewRegistry()),
		)

		_, err := svc.Start(context.Background(), "/backup")
		if !errors.Is(err, backup.ErrDirectoryCreation) {
			t.Fatalf("Start() error = %v, want ErrDirectoryCreation", err)
		}
		if len(engine.Calls()) != 0 {
			t.Error("engine must not run")
		}
		recs, _ := db.ListSessions(1)
		if recs[0].Status != backup.SessionFailed || recs[0].ErrorMessage == "" {
			t.Errorf("session = %s %q", recs[0].Status, recs[0].ErrorMessage)
		}
	})

	t.Run("works without history", func(t *testing.T) {
		f := newServiceFixture(t, nil, testutil.PollStep(0, claimLine))

		if _, err := f.svc.Start(context.Background(), "/backup"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		recs, err := f.svc.History(10)
		if err != nil || recs != nil {
			t.Errorf("History() = %v, %v; want nil, nil", recs, err)
		}
	})
}

func TestService_History(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	f := newServiceFixture(t, db, testutil.PollStep(0, claimLine))

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Start(context.Background(), "/backup"); err != nil {
			t.Fatalf("Start() #%d error = %v", i, err)
		}
		f.clock.Advance(time.Hour)
	}

	recs, err := f.svc.History(2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(History(2)) = %d, want 2", len(recs))
	}
	if recs[0].ID != "session-3" || recs[1].ID != "session-2" {
		t.Errorf("History() = [%s %s], want [session-3 session-2]", recs[0].ID, recs[1].ID)
	}
}

func TestService_Manifest(t *testing.T) {
	t.Run("archives an encrypted manifest", func(t *testing.T) {
		v := testutil.NewTestVault()
		enc := testutil.NewTestEncryptor()
		engine := testutil.NewScriptedEngine(
			testutil.PollStep(0, claimLine),
			testutil.PollStep(1, copyingLine),
		)
		svc := backup.NewService(
			backup.Sources{DataDir: "/var/lib/mongo"},
			engine, newTestFS(), nil, backup.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator(),
			backup.WithRegistry(backup.NewRegistry()),
			backup.WithManifestVault("host-1", v, enc),
		)

		if _, err := svc.Start(context.Background(), "/backup"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		var sealed bytes.Buffer
		if err := v.GetManifest("host-1", "session-1", &sealed); err != nil {
			t.Fatalf("GetManifest() error = %v", err)
		}
		if !bytes.HasPrefix(sealed.Bytes(), []byte("HBENC")) {
			t.Fatalf("manifest was not encrypted: %q", sealed.String())
		}

		dc, err := enc.Unlock("")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		var plain bytes.Buffer
		if err := dc.Decrypt(&sealed, &plain); err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}

		m := gjson.ParseBytes(plain.Bytes())
		if m.Get("host").String() != "host-1" || m.Get("session").String() != "session-1" {
			t.Errorf("manifest = %s", plain.String())
		}
		if m.Get("status").String() != "completed" {
			t.Errorf("status = %q, want completed", m.Get("status").String())
		}
		if m.Get("dirs.0.source").String() != "/var/lib/mongo" {
			t.Errorf("dirs = %s", m.Get("dirs").Raw)
		}
		if m.Get("progress.percent").Float() != 100 {
			t.Errorf("progress = %s", m.Get("progress").Raw)
		}
	})

	t.Run("vault failure does not fail the backup", func(t *testing.T) {
		svc := backup.NewService(
			backup.Sources{DataDir: "/var/lib/mongo"},
			testutil.NewScriptedEngine(), newTestFS(), nil, backup.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator(),
			backup.WithRegistry(backup.NewRegistry()),
			backup.WithManifestVault("bad/host", testutil.NewTestVault(), nil),
		)

		if _, err := svc.Start(context.Background(), "/backup"); err != nil {
			t.Errorf("Start() error = %v, want success", err)
		}
	})
}

package backup_test

import (
	"testing"

	"hotbackup/internal/backup"
	"hotbackup/internal/testutil"
)

func newIdleCoordinator(id string, r *backup.Registry) *backup.Coordinator {
	return backup.NewCoordinator(id, backup.Sources{DataDir: "/data"}, r,
		testutil.NewScriptedEngine(), testutil.NewMockFilesystemManager(), backup.NewNopLogger())
}

func TestRegistry(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		r := backup.NewRegistry()
		if c := r.Current(); c != nil {
			t.Errorf("Current() = %v, want nil", c.ID())
		}
	})

	t.Run("claim and release", func(t *testing.T) {
		r := backup.NewRegistry()
		a := newIdleCoordinator("a", r)

		if displaced := r.Claim(a); displaced != nil {
			t.Errorf("Claim() displaced %s, want nil", displaced.ID())
		}
		if r.Current() != a {
			t.Fatal("Current() should be a after Claim")
		}
		if displaced := r.Claim(a); displaced != nil {
			t.Errorf("re-Claim() displaced %s, want nil", displaced.ID())
		}

		if !r.Release(a) {
			t.Error("Release(a) = false, want true")
		}
		if r.Current() != nil {
			t.Error("Current() should be nil after Release")
		}
		if r.Release(a) {
			t.Error("second Release(a) = true, want false")
		}
	})

	t.Run("claim displaces previous holder", func(t *testing.T) {
		r := backup.NewRegistry()
		a := newIdleCoordinator("a", r)
		b := newIdleCoordinator("b", r)

		r.Claim(a)
		displaced := r.Claim(b)
		if displaced != a {
			t.Errorf("Claim(b) displaced %v, want a", displaced)
		}
		if r.Current() != b {
			t.Error("Current() should be b")
		}
	})

	t.Run("release by other instance is ignored", func(t *testing.T) {
		r := backup.NewRegistry()
		a := newIdleCoordinator("a", r)
		b := newIdleCoordinator("b", r)

		r.Claim(b)
		if r.Release(a) {
			t.Error("Release(a) = true while b holds the slot")
		}
		if r.Current() != b {
			t.Error("b should still hold the slot")
		}

		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if r.Current() != b {
			t.Error("closing a must not clear b's slot")
		}
	})
}

func TestRegistry_TryActivate(t *testing.T) {
	r := backup.NewRegistry()
	a := newIdleCoordinator("a", r)
	b := newIdleCoordinator("b", r)

	if _, ok := r.TryActivate(a); !ok {
		t.Fatal("TryActivate(a) on an empty registry failed")
	}
	if _, ok := r.TryActivate(a); !ok {
		t.Error("TryActivate(a) again should succeed for the holder")
	}
	running, ok := r.TryActivate(b)
	if ok || running != a {
		t.Errorf("TryActivate(b) = (%v, %v), want (a, false)", running, ok)
	}

	r.Deactivate(b)
	if _, ok := r.TryActivate(b); ok {
		t.Error("Deactivate by a non-holder must not clear the guard")
	}

	r.Deactivate(a)
	if _, ok := r.TryActivate(b); !ok {
		t.Error("TryActivate(b) after Deactivate(a) failed")
	}
}

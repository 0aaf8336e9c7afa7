package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/auth"
	"github.com/Lucasrsv1/structures-manager/id"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	authenticator, err := auth.New()
	if err != nil {
		t.Fatalf("auth.New returned error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(authenticator, logger, opts...)
}

// ──────────────────────────────────────────────────
// Registration tests
// ──────────────────────────────────────────────────

func TestRegisterRejectsInvalidCPUCount(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	for _, cpus := range []int{0, -1} {
		if _, err := r.Register(context.Background(), "10.0.0.1", cpus); !errors.Is(err, structures.ErrInvalidCPUCount) {
			t.Fatalf("Register(%d) err = %v, want ErrInvalidCPUCount", cpus, err)
		}
	}
}

func TestRegisterIssuesUsableToken(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if reg.ID.IsNil() {
		t.Fatal("registration has nil processor ID")
	}
	if reg.Token == "" {
		t.Fatal("registration has empty token")
	}
	if reg.Mode != ModeUndefined {
		t.Fatalf("mode = %s, want %s with no rebalance hook", reg.Mode, ModeUndefined)
	}

	rec, err := r.Authenticate(reg.Token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if rec.ID != reg.ID {
		t.Fatalf("authenticated ID = %s, want %s", rec.ID, reg.ID)
	}
	if rec.RemoteHost != "10.0.0.1" || rec.QtyCPUs != 4 {
		t.Fatalf("record = %+v, want registered host and CPU count", rec)
	}
}

func TestRegisterRunsRebalanceSynchronously(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var calls int
	r.SetRebalance(func(context.Context) error {
		calls++
		return nil
	})

	if _, err := r.Register(context.Background(), "10.0.0.1", 4); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("rebalance calls = %d, want 1", calls)
	}
}

func TestRegisterSurvivesRebalanceFailure(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	r.SetRebalance(func(context.Context) error {
		return errors.New("store down")
	})

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if reg.Token == "" {
		t.Fatal("registration has empty token after failed rebalance")
	}
}

// ──────────────────────────────────────────────────
// Authentication tests
// ──────────────────────────────────────────────────

func TestAuthenticateRejectsGarbage(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if _, err := r.Authenticate("not-a-token"); !errors.Is(err, structures.ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestAuthenticateUnknownProcessor(t *testing.T) {
	t.Parallel()

	authenticator, err := auth.New()
	if err != nil {
		t.Fatalf("auth.New returned error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(authenticator, logger)

	// A validly signed token for a processor the registry never saw, as
	// after a registry wipe.
	token, err := authenticator.Issue(id.NewProcessorID())
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := r.Authenticate(token); !errors.Is(err, structures.ErrProcessorNotFound) {
		t.Fatalf("err = %v, want ErrProcessorNotFound", err)
	}
}

func TestAuthenticateTouchesLastContact(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	first, err := r.Authenticate(reg.Token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := r.Authenticate(reg.Token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}

	if !second.LastContact.After(first.LastContact) {
		t.Fatal("second authentication did not advance LastContact")
	}
}

// ──────────────────────────────────────────────────
// Unregister and expiry tests
// ──────────────────────────────────────────────────

func TestUnregister(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := r.Unregister(reg.ID); err != nil {
		t.Fatalf("Unregister returned error: %v", err)
	}
	if err := r.Unregister(reg.ID); !errors.Is(err, structures.ErrProcessorNotFound) {
		t.Fatalf("second Unregister err = %v, want ErrProcessorNotFound", err)
	}
	if _, err := r.Authenticate(reg.Token); !errors.Is(err, structures.ErrProcessorNotFound) {
		t.Fatalf("Authenticate after Unregister err = %v, want ErrProcessorNotFound", err)
	}
}

func TestExpireStaleRemovesSilentProcessors(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, WithExpiry(time.Minute))

	ctx := context.Background()
	stale, err := r.Register(ctx, "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	fresh, err := r.Register(ctx, "10.0.0.2", 2)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	r.mu.Lock()
	r.records[stale.ID.String()].LastContact = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.expireStale()

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("live processors = %d, want 1", len(list))
	}
	if list[0].ID != fresh.ID {
		t.Fatalf("survivor = %s, want %s", list[0].ID, fresh.ID)
	}
}

// ──────────────────────────────────────────────────
// Held file tests
// ──────────────────────────────────────────────────

func TestHeldFileTracking(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := r.AddFiles(reg.ID, []string{"a.xyz", "b.xyz"}); err != nil {
		t.Fatalf("AddFiles returned error: %v", err)
	}
	if !r.Holds(reg.ID, "a.xyz") {
		t.Fatal("a.xyz not held after AddFiles")
	}

	held, notHeld := r.PartitionHeld(reg.ID, []string{"a.xyz", "ghost.xyz", "b.xyz"})
	if len(held) != 2 || len(notHeld) != 1 || notHeld[0] != "ghost.xyz" {
		t.Fatalf("held = %v, notHeld = %v", held, notHeld)
	}

	r.RemoveFile(reg.ID, "a.xyz")
	if r.Holds(reg.ID, "a.xyz") {
		t.Fatal("a.xyz still held after RemoveFile")
	}
}

func TestAddFilesUnknownProcessor(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	err := r.AddFiles(id.NewProcessorID(), []string{"a.xyz"})
	if !errors.Is(err, structures.ErrProcessorNotFound) {
		t.Fatalf("err = %v, want ErrProcessorNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Snapshot tests
// ──────────────────────────────────────────────────

func TestListReturnsSnapshots(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	reg, err := r.Register(context.Background(), "10.0.0.1", 4)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := r.AddFiles(reg.ID, []string{"a.xyz"}); err != nil {
		t.Fatalf("AddFiles returned error: %v", err)
	}

	list := r.List()
	list[0].Mode = ModeSingleFile

	if r.ModeOf(reg.ID) == ModeSingleFile {
		t.Fatal("mutating a listed record leaked into the registry")
	}
}

package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/auth"
	"github.com/Lucasrsv1/structures-manager/id"
	"github.com/Lucasrsv1/structures-manager/processor"
	"github.com/Lucasrsv1/structures-manager/store/memory"
)

const testThreshold = int64(1000)

type fixture struct {
	store    *memory.Store
	registry *processor.Registry
	manager  *Manager
}

func newFixture(t *testing.T, interval time.Duration, maxPerRequest int) *fixture {
	t.Helper()

	authenticator, err := auth.New()
	if err != nil {
		t.Fatalf("auth.New returned error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	registry := processor.NewRegistry(authenticator, logger)

	return &fixture{
		store:    store,
		registry: registry,
		manager:  NewManager(store, registry, logger, interval, testThreshold, maxPerRequest),
	}
}

func (f *fixture) register(t *testing.T, cpus int) id.ProcessorID {
	t.Helper()
	reg, err := f.registry.Register(context.Background(), "10.0.0.1", cpus)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	return reg.ID
}

func (f *fixture) seed(t *testing.T, filenames ...string) {
	t.Helper()
	if _, err := f.store.InsertNew(context.Background(), filenames); err != nil {
		t.Fatalf("InsertNew returned error: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Claim tests
// ──────────────────────────────────────────────────

func TestClaimNextLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz", "c.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	first, err := f.manager.ClaimNext(ctx, procID, 2, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("claimed %v, want 2 filenames", first)
	}
	for _, filename := range first {
		if !f.registry.Holds(procID, filename) {
			t.Fatalf("%s not recorded as held", filename)
		}
	}

	second, err := f.manager.ClaimNext(ctx, procID, 5, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("second ClaimNext returned error: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("second claim = %v, want the one remaining structure", second)
	}
	for _, filename := range first {
		if filename == second[0] {
			t.Fatalf("%s claimed twice while its lease was live", filename)
		}
	}
}

func TestClaimNextEmptyBacklogIsSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	procID := f.register(t, 4)

	filenames, err := f.manager.ClaimNext(context.Background(), procID, 4, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if filenames == nil || len(filenames) != 0 {
		t.Fatalf("filenames = %v, want empty non-nil slice", filenames)
	}
}

func TestClaimNextClampsCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 2)
	f.seed(t, "a.xyz", "b.xyz", "c.xyz", "d.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	over, err := f.manager.ClaimNext(ctx, procID, 10, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(over) != 2 {
		t.Fatalf("claimed %d, want the per-request cap of 2", len(over))
	}

	under, err := f.manager.ClaimNext(ctx, procID, 0, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(under) != 1 {
		t.Fatalf("claimed %d, want a zero count raised to 1", len(under))
	}
}

func TestClaimNextModeFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "small.xyz", "large.xyz")
	ctx := context.Background()
	if err := f.store.SetBytesCount(ctx, "small.xyz", 10); err != nil {
		t.Fatalf("SetBytesCount returned error: %v", err)
	}
	if err := f.store.SetBytesCount(ctx, "large.xyz", testThreshold+1); err != nil {
		t.Fatalf("SetBytesCount returned error: %v", err)
	}
	procID := f.register(t, 4)

	got, err := f.manager.ClaimNext(ctx, procID, 5, processor.ModeSingleFile)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(got) != 1 || got[0] != "large.xyz" {
		t.Fatalf("SINGLE_FILE claim = %v, want [large.xyz]", got)
	}

	got, err = f.manager.ClaimNext(ctx, procID, 5, processor.ModeMultiFiles)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(got) != 1 || got[0] != "small.xyz" {
		t.Fatalf("MULTI_FILES claim = %v, want [small.xyz]", got)
	}
}

func TestClaimNextDetectsLostRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	// A competing claim marks one of the found candidates between find and
	// mark.
	f.store.BeforeMark = func(filenames []string) {
		f.store.BeforeMark = nil
		if _, err := f.store.MarkDistributed(ctx, filenames[:1], time.Now().Add(time.Second)); err != nil {
			t.Errorf("competing MarkDistributed returned error: %v", err)
		}
	}

	_, err := f.manager.ClaimNext(ctx, procID, 2, processor.ModeUndefined)
	if !errors.Is(err, structures.ErrDistributionInconsistency) {
		t.Fatalf("err = %v, want ErrDistributionInconsistency", err)
	}

	// The failed claim must not leave partial held state behind.
	for _, filename := range []string{"a.xyz", "b.xyz"} {
		if f.registry.Holds(procID, filename) {
			t.Fatalf("%s held after a failed claim", filename)
		}
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond, 20)
	f.seed(t, "x.xyz")
	ctx := context.Background()

	procA := f.register(t, 4)
	procB := f.register(t, 4)

	got, err := f.manager.ClaimNext(ctx, procA, 1, processor.ModeUndefined)
	if err != nil || len(got) != 1 {
		t.Fatalf("ClaimNext = %v, %v, want [x.xyz]", got, err)
	}

	// A stays registered but never pings; after the redistribution interval
	// the structure is eligible again.
	time.Sleep(40 * time.Millisecond)

	got, err = f.manager.ClaimNext(ctx, procB, 1, processor.ModeUndefined)
	if err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	if len(got) != 1 || got[0] != "x.xyz" {
		t.Fatalf("reclaim = %v, want [x.xyz]", got)
	}
}

// ──────────────────────────────────────────────────
// Ping tests
// ──────────────────────────────────────────────────

func TestPingPartitionsHeldAndRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	if _, err := f.manager.ClaimNext(ctx, procID, 2, processor.ModeUndefined); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}

	res, err := f.manager.Ping(ctx, procID, []string{"a.xyz", "ghost.xyz"})
	if err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0] != "a.xyz" {
		t.Fatalf("accepted = %v, want [a.xyz]", res.Accepted)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != "ghost.xyz" {
		t.Fatalf("rejected = %v, want [ghost.xyz]", res.Rejected)
	}
}

func TestPingRejectsCompletedStructures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	if _, err := f.manager.ClaimNext(ctx, procID, 2, processor.ModeUndefined); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}

	// Another path closes b.xyz while the processor still believes it holds
	// the lease.
	if _, err := f.store.Complete(ctx, "b.xyz", 9.9, 10, time.Now()); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	res, err := f.manager.Ping(ctx, procID, []string{"a.xyz", "b.xyz"})
	if err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0] != "a.xyz" {
		t.Fatalf("accepted = %v, want [a.xyz]", res.Accepted)
	}
	if len(res.Rejected) != 1 || res.Rejected[0] != "b.xyz" {
		t.Fatalf("rejected = %v, want [b.xyz]", res.Rejected)
	}
	if f.registry.Holds(procID, "b.xyz") {
		t.Fatal("stale held entry survived a rejected ping")
	}

	// With every held structure closed, the ping fails outright.
	if _, err := f.store.Complete(ctx, "a.xyz", 9.9, 10, time.Now()); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	_, err = f.manager.Ping(ctx, procID, []string{"a.xyz"})
	if !errors.Is(err, structures.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestPingAllRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	procID := f.register(t, 4)

	_, err := f.manager.Ping(context.Background(), procID, []string{"ghost.xyz"})
	if !errors.Is(err, structures.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if !strings.Contains(err.Error(), "ghost.xyz") {
		t.Fatalf("err = %v, want the rejected filename named", err)
	}
}

func TestPingEmptyFilenames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	procID := f.register(t, 4)

	_, err := f.manager.Ping(context.Background(), procID, nil)
	if !errors.Is(err, structures.ErrNoFilenames) {
		t.Fatalf("err = %v, want ErrNoFilenames", err)
	}
}

func TestPingIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	if _, err := f.manager.ClaimNext(ctx, procID, 1, processor.ModeUndefined); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := f.manager.Ping(ctx, procID, []string{"a.xyz"})
		if err != nil {
			t.Fatalf("Ping %d returned error: %v", i+1, err)
		}
		if len(res.Rejected) != 0 {
			t.Fatalf("Ping %d rejected %v for a held filename", i+1, res.Rejected)
		}
	}
}

// ──────────────────────────────────────────────────
// Save result tests
// ──────────────────────────────────────────────────

func TestSaveResultWithoutPingSucceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	if _, err := f.manager.ClaimNext(ctx, procID, 2, processor.ModeUndefined); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}
	// Ping only one of the two; submitting the other must still work.
	if _, err := f.manager.Ping(ctx, procID, []string{"a.xyz"}); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}

	outcome, err := f.manager.SaveResult(ctx, procID, "b.xyz", 4.2, 300)
	if err != nil {
		t.Fatalf("SaveResult returned error: %v", err)
	}
	if !outcome.Saved || !outcome.IsNewMinimum {
		t.Fatalf("outcome = %+v, want saved first result as new minimum", outcome)
	}
	if f.registry.Holds(procID, "b.xyz") {
		t.Fatal("b.xyz still held after successful SaveResult")
	}
}

func TestSaveResultNotHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz")
	procID := f.register(t, 4)

	_, err := f.manager.SaveResult(context.Background(), procID, "a.xyz", 1.0, 10)
	if !errors.Is(err, structures.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestSaveResultAlreadyCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	if _, err := f.manager.ClaimNext(ctx, procID, 1, processor.ModeUndefined); err != nil {
		t.Fatalf("ClaimNext returned error: %v", err)
	}

	// Another path closes the structure first.
	if _, err := f.store.Complete(ctx, "a.xyz", 9.9, 10, time.Now()); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	_, err := f.manager.SaveResult(ctx, procID, "a.xyz", 1.0, 10)
	if !errors.Is(err, structures.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if f.registry.Holds(procID, "a.xyz") {
		t.Fatal("stale held entry survived a rejected submission")
	}
}

func TestMinimumIsNonIncreasing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Minute, 20)
	f.seed(t, "a.xyz", "b.xyz", "c.xyz")
	procID := f.register(t, 4)
	ctx := context.Background()

	claimed, err := f.manager.ClaimNext(ctx, procID, 3, processor.ModeUndefined)
	if err != nil || len(claimed) != 3 {
		t.Fatalf("ClaimNext = %v, %v, want 3 filenames", claimed, err)
	}

	results := []float64{5.0, 7.0, 2.0}
	last, _ := f.store.MinimumResult(ctx)
	for i, filename := range claimed {
		if _, err := f.manager.SaveResult(ctx, procID, filename, results[i], 10); err != nil {
			t.Fatalf("SaveResult(%s) returned error: %v", filename, err)
		}
		min, err := f.store.MinimumResult(ctx)
		if err != nil {
			t.Fatalf("MinimumResult returned error: %v", err)
		}
		if min > last {
			t.Fatalf("minimum increased from %v to %v", last, min)
		}
		last = min
	}
	if last != 2.0 {
		t.Fatalf("final minimum = %v, want 2.0", last)
	}
}

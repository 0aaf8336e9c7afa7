// Package lease hands out claims on unowned or expired structure files,
// keeps them alive via pings, and records completed results. Every operation
// is scoped to an authenticated processor: the manager never touches a
// structure without cross-checking the processor's held-file set.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/id"
	"github.com/Lucasrsv1/structures-manager/observability"
	"github.com/Lucasrsv1/structures-manager/processor"
	"github.com/Lucasrsv1/structures-manager/structure"
)

// Manager is the work lease manager. It is stateless between calls; leases
// live in the catalog and held-file sets live in the registry.
type Manager struct {
	store    structure.Store
	registry *processor.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	// interval is the redistribution interval: leases not pinged within it
	// are reclaimable.
	interval time.Duration
	// threshold splits small from large structures for mode filtering.
	threshold int64
	// maxPerRequest caps a single claim.
	maxPerRequest int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a Manager.
func NewManager(store structure.Store, registry *processor.Registry, logger *slog.Logger,
	interval time.Duration, threshold int64, maxPerRequest int, opts ...Option,
) *Manager {
	m := &Manager{
		store:         store,
		registry:      registry,
		logger:        logger,
		interval:      interval,
		threshold:     threshold,
		maxPerRequest: maxPerRequest,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// classFor maps a requested processing mode to the size class it works on.
func classFor(mode processor.Mode) structure.SizeClass {
	switch mode {
	case processor.ModeSingleFile:
		return structure.ClassLarge
	case processor.ModeMultiFiles:
		return structure.ClassSmall
	default:
		return structure.ClassAny
	}
}

// ClaimNext claims up to count claimable structures for the processor,
// optionally restricted to the size class of modeFilter. An empty result is
// success: there is simply nothing eligible right now.
//
// The claim is find-then-mark. When the number of documents actually marked
// differs from the number of candidates found, a concurrent claim won some
// of the same rows; the whole call fails with ErrDistributionInconsistency
// and no filenames are handed out, so every filename this method returns is
// genuinely leased.
func (m *Manager) ClaimNext(ctx context.Context, procID id.ProcessorID, count int, modeFilter processor.Mode) ([]string, error) {
	if count < 1 {
		count = 1
	}
	if count > m.maxPerRequest {
		count = m.maxPerRequest
	}

	filenames, err := m.store.FindClaimable(ctx, count, classFor(modeFilter), m.interval, m.threshold)
	if err != nil {
		return nil, fmt.Errorf("lease: find claimable: %w", err)
	}
	if len(filenames) == 0 {
		return []string{}, nil
	}

	modified, err := m.store.MarkDistributed(ctx, filenames, time.Now())
	if err != nil {
		return nil, fmt.Errorf("lease: mark distributed: %w", err)
	}
	if modified != int64(len(filenames)) {
		m.metrics.ClaimInconsistent(ctx)
		m.logger.Error("distribution inconsistency detected",
			slog.Int64("modified", modified),
			slog.Int("expected", len(filenames)),
		)
		return nil, structures.ErrDistributionInconsistency
	}

	if err := m.registry.AddFiles(procID, filenames); err != nil {
		// The processor vanished between authentication and the claim; its
		// fresh leases will simply expire after the redistribution interval.
		return nil, fmt.Errorf("lease: record claim: %w", err)
	}

	m.metrics.ClaimServed(ctx, string(modeFilter), len(filenames))
	m.logger.Info("structures distributed",
		slog.String("processor_id", procID.String()),
		slog.Int("qty", len(filenames)),
		slog.String("mode_filter", string(modeFilter)),
	)
	return filenames, nil
}

// PingResult reports which of the requested filenames had their lease
// extended and which were refused.
type PingResult struct {
	Accepted []string
	Rejected []string
}

// Ping refreshes the lease on the filenames the processor actually holds and
// that are still open in the catalog. Filenames it does not hold, and held
// filenames the catalog has already closed, are reported back as rejected;
// closed ones are also dropped from the held set. If every filename is
// rejected the call fails with ErrAccessDenied naming them.
func (m *Manager) Ping(ctx context.Context, procID id.ProcessorID, filenames []string) (*PingResult, error) {
	if len(filenames) == 0 {
		return nil, structures.ErrNoFilenames
	}

	held, notHeld := m.registry.PartitionHeld(procID, filenames)

	var refreshed []string
	if len(held) > 0 {
		var err error
		refreshed, err = m.store.RefreshPing(ctx, held, time.Now())
		if err != nil {
			return nil, fmt.Errorf("lease: refresh ping: %w", err)
		}
	}

	if len(refreshed) != len(held) {
		open := make(map[string]struct{}, len(refreshed))
		for _, f := range refreshed {
			open[f] = struct{}{}
		}
		for _, f := range held {
			if _, ok := open[f]; !ok {
				m.registry.RemoveFile(procID, f)
				notHeld = append(notHeld, f)
			}
		}
	}

	if len(refreshed) == 0 {
		return nil, fmt.Errorf("%w: %s", structures.ErrAccessDenied, strings.Join(notHeld, ", "))
	}

	return &PingResult{Accepted: refreshed, Rejected: notHeld}, nil
}

// SaveOutcome reports what Complete did.
type SaveOutcome struct {
	// Saved is whether the catalog write touched an open structure.
	Saved bool
	// IsNewMinimum is whether the result lowered the global minimum.
	IsNewMinimum bool
}

// SaveResult records a processor's result for a structure it holds. The
// global minimum is lowered first when the result beats it; then the
// structure is closed and removed from the processor's held set. A structure
// the catalog has already closed by another path is treated exactly like one
// the processor never held.
func (m *Manager) SaveResult(ctx context.Context, procID id.ProcessorID, filename string, result float64, processingTimeMS int64) (*SaveOutcome, error) {
	if !m.registry.Holds(procID, filename) {
		return nil, fmt.Errorf("%w: %q not held", structures.ErrAccessDenied, filename)
	}

	isNewMin, err := m.store.LowerMinimum(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("lease: lower minimum: %w", err)
	}
	if isNewMin {
		m.logger.Info("got new minimum distance",
			slog.Float64("result", result),
			slog.String("filename", filename),
		)
	}

	saved, err := m.store.Complete(ctx, filename, result, processingTimeMS, time.Now())
	if err != nil {
		return nil, fmt.Errorf("lease: complete %q: %w", filename, err)
	}
	if !saved {
		// Already terminal in the catalog; the stale held entry goes away
		// so the processor cannot keep retrying it.
		m.registry.RemoveFile(procID, filename)
		return nil, fmt.Errorf("%w: %q already completed", structures.ErrAccessDenied, filename)
	}

	m.registry.RemoveFile(procID, filename)
	m.metrics.ResultSaved(ctx, isNewMin)

	return &SaveOutcome{Saved: true, IsNewMinimum: isNewMin}, nil
}

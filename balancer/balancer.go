// Package balancer assigns each live processor a processing mode so that CPU
// capacity tracks backlog shape: high-core processors are steered toward
// single-file work first, and the share of single-file processors follows
// the share of small-file work left in the catalog, so neither size class
// starves.
package balancer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Lucasrsv1/structures-manager/processor"
	"github.com/Lucasrsv1/structures-manager/structure"
)

// Balancer reads backlog composition from the catalog and rewrites mode
// assignments through the registry. Each pass is a pure recomputation with
// no persisted history, so it is idempotent and self-correcting as the
// backlog or the fleet changes.
type Balancer struct {
	store    structure.Store
	registry *processor.Registry
	logger   *slog.Logger

	// interval is the redistribution interval bounding which leases still
	// count as taken.
	interval time.Duration
	// threshold splits small from large structures by byte count.
	threshold int64
	// timeout bounds the catalog read so a slow store cannot wedge the
	// registry cycle.
	timeout time.Duration
}

// New creates a Balancer.
func New(store structure.Store, registry *processor.Registry, logger *slog.Logger,
	interval time.Duration, threshold int64, timeout time.Duration,
) *Balancer {
	return &Balancer{
		store:     store,
		registry:  registry,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		timeout:   timeout,
	}
}

// Rebalance runs one balancing pass. The catalog read happens outside the
// registry lock; only the in-memory sort-and-assign runs under it.
func (b *Balancer) Rebalance(ctx context.Context) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	small, large, err := b.store.CountPendingByClass(ctx, b.interval, b.threshold)
	if err != nil {
		return err
	}

	b.registry.BulkAssign(func(records []*processor.Record) {
		Assign(records, small, large)
	})

	b.logger.Debug("rebalanced processing modes",
		slog.Int64("pending_small", small),
		slog.Int64("pending_large", large),
	)
	return nil
}

// Assign rewrites the Mode of the given records in place from the pending
// small/large backlog counts. With an empty backlog assignments are left
// untouched. Callers must hold whatever lock guards the records.
func Assign(records []*processor.Record, small, large int64) {
	total := small + large
	if total == 0 || len(records) == 0 {
		return
	}

	// Highest capacity first; prefer keeping a processor in SINGLE_FILE
	// mode over flipping one in (less mode churn); then most recently seen.
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.QtyCPUs != b.QtyCPUs {
			return a.QtyCPUs > b.QtyCPUs
		}
		aSingle := a.Mode == processor.ModeSingleFile
		bSingle := b.Mode == processor.ModeSingleFile
		if aSingle != bSingle {
			return aSingle
		}
		return a.LastContact.After(b.LastContact)
	})

	singleFileTarget := int(math.Ceil(float64(small) / float64(total) * float64(len(records))))

	// A lone processor cannot be split across modes; dedicate it to the
	// larger backlog.
	if len(records) == 1 && small < large {
		singleFileTarget = 0
	}

	for i, rec := range records {
		if i < singleFileTarget {
			rec.Mode = processor.ModeSingleFile
		} else {
			rec.Mode = processor.ModeMultiFiles
		}
	}
}

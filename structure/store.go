package structure

import (
	"context"
	"time"
)

// Store defines the persistence contract for the structure catalog and the
// global minimum aggregate.
//
// Claimable means: no result yet, and either never pinged or last pinged
// before now minus the redistribution interval. The claim protocol is
// find-then-mark: FindClaimable selects candidates and MarkDistributed
// stamps them, reporting how many documents it actually modified so the
// caller can detect a lost race with a concurrent claim.
type Store interface {
	// InsertNew adds newly discovered structures in open state, skipping
	// filenames already catalogued, and returns how many were added.
	InsertNew(ctx context.Context, filenames []string) (int64, error)

	// List returns the full catalog.
	List(ctx context.Context) ([]*Structure, error)

	// Count returns aggregate statistics. interval bounds the "processing"
	// window.
	Count(ctx context.Context, interval time.Duration) (Stats, error)

	// CountPendingByClass returns the claimable backlog split into small
	// (BytesCount <= threshold) and large (> threshold) classes. Unsized
	// structures belong to neither class.
	CountPendingByClass(ctx context.Context, interval time.Duration, threshold int64) (small, large int64, err error)

	// FindClaimable returns up to limit claimable filenames, optionally
	// restricted to a size class.
	FindClaimable(ctx context.Context, limit int, class SizeClass, interval time.Duration, threshold int64) ([]string, error)

	// MarkDistributed stamps DistributedAt and LastPing on still-claimable
	// structures and returns the number of documents modified.
	MarkDistributed(ctx context.Context, filenames []string, at time.Time) (int64, error)

	// RefreshPing extends the lease on the open structures among filenames
	// and returns the filenames actually refreshed. Terminal or unknown
	// filenames are left untouched and omitted, so the caller can tell
	// which of its leases the catalog no longer honors.
	RefreshPing(ctx context.Context, filenames []string, at time.Time) ([]string, error)

	// Complete records a result on an open structure: Result,
	// ProcessingTime, FinishedAt, and TotalTime (computed from the stored
	// DistributedAt). Returns false when the structure is missing or
	// already terminal.
	Complete(ctx context.Context, filename string, result float64, processingTimeMS int64, at time.Time) (bool, error)

	// LowerMinimum overwrites the global minimum if result is strictly
	// smaller, reporting whether it did. The comparison and write are one
	// conditional update against the aggregate document.
	LowerMinimum(ctx context.Context, result float64) (bool, error)

	// MinimumResult returns the current global minimum (+Inf when nothing
	// has been recorded).
	MinimumResult(ctx context.Context) (float64, error)

	// FindUnsized returns up to limit filenames without a BytesCount,
	// excluding those currently being measured.
	FindUnsized(ctx context.Context, limit int, excluding []string) ([]string, error)

	// SetBytesCount records a measured file size.
	SetBytesCount(ctx context.Context, filename string, bytes int64) error

	// Migrate prepares indexes and seeds the minimum aggregate.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

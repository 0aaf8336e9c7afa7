// Package memory provides a fully in-memory implementation of
// structure.Store. Safe for concurrent access. Intended for unit testing and
// development.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/structure"
)

// Ensure Store implements structure.Store at compile time.
var _ structure.Store = (*Store)(nil)

// Store is an in-memory structure catalog.
type Store struct {
	// BeforeMark, when set, runs at the top of MarkDistributed before the
	// lock is taken. Tests use it to interleave a competing claim between
	// find and mark and exercise the inconsistency contract.
	BeforeMark func(filenames []string)

	mu      sync.RWMutex
	docs    map[string]*structure.Structure
	minimum float64
}

// New returns a new empty Store with the minimum seeded to +Inf.
func New() *Store {
	return &Store{
		docs:    make(map[string]*structure.Structure),
		minimum: math.Inf(1),
	}
}

// claimable reports whether s may be handed out at time now.
func claimable(s *structure.Structure, now time.Time, interval time.Duration) bool {
	if s.Terminal() {
		return false
	}
	return s.LastPing == nil || s.LastPing.Before(now.Add(-interval))
}

func inClass(s *structure.Structure, class structure.SizeClass, threshold int64) bool {
	switch class {
	case structure.ClassSmall:
		return s.BytesCount != nil && *s.BytesCount <= threshold
	case structure.ClassLarge:
		return s.BytesCount != nil && *s.BytesCount > threshold
	default:
		return true
	}
}

// InsertNew adds unknown filenames as open structures.
func (m *Store) InsertNew(_ context.Context, filenames []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added int64
	for _, f := range filenames {
		if _, exists := m.docs[f]; exists {
			continue
		}
		m.docs[f] = &structure.Structure{Filename: f}
		added++
	}
	return added, nil
}

// List returns copies of every structure, sorted by filename.
func (m *Store) List(_ context.Context) ([]*structure.Structure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*structure.Structure, 0, len(m.docs))
	for _, s := range m.docs {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Count returns aggregate statistics.
func (m *Store) Count(_ context.Context, interval time.Duration) (structure.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-interval)
	var stats structure.Stats
	for _, s := range m.docs {
		stats.Count++
		if s.Terminal() {
			continue
		}
		stats.Pending++
		if s.DistributedAt != nil && !s.DistributedAt.Before(cutoff) {
			stats.Processing++
		}
	}
	stats.Processed = stats.Count - stats.Pending
	return stats, nil
}

// CountPendingByClass splits the sized claimable backlog by size class.
func (m *Store) CountPendingByClass(_ context.Context, interval time.Duration, threshold int64) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var small, large int64
	for _, s := range m.docs {
		if !claimable(s, now, interval) || s.BytesCount == nil {
			continue
		}
		if *s.BytesCount <= threshold {
			small++
		} else {
			large++
		}
	}
	return small, large, nil
}

// FindClaimable returns up to limit claimable filenames in sorted order.
func (m *Store) FindClaimable(_ context.Context, limit int, class structure.SizeClass, interval time.Duration, threshold int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var filenames []string
	for _, s := range m.docs {
		if claimable(s, now, interval) && inClass(s, class, threshold) {
			filenames = append(filenames, s.Filename)
		}
	}
	sort.Strings(filenames)
	if limit > 0 && len(filenames) > limit {
		filenames = filenames[:limit]
	}
	return filenames, nil
}

// MarkDistributed stamps the lease timestamps on still-claimable structures.
// Structures claimed in the meantime are not modified, which is what lets
// the caller detect the race from the returned count.
func (m *Store) MarkDistributed(_ context.Context, filenames []string, at time.Time) (int64, error) {
	if m.BeforeMark != nil {
		m.BeforeMark(filenames)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var modified int64
	for _, f := range filenames {
		s, ok := m.docs[f]
		if !ok || !claimableAt(s, at) {
			continue
		}
		t := at
		s.DistributedAt = &t
		s.LastPing = &t
		modified++
	}
	return modified, nil
}

// claimableAt mirrors the Mongo mark filter: open, and not pinged at-or-after
// the claim timestamp by a competing claim.
func claimableAt(s *structure.Structure, at time.Time) bool {
	if s.Terminal() {
		return false
	}
	return s.LastPing == nil || s.LastPing.Before(at)
}

// RefreshPing extends the lease on the open structures among filenames and
// returns the ones it refreshed.
func (m *Store) RefreshPing(_ context.Context, filenames []string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refreshed []string
	for _, f := range filenames {
		s, ok := m.docs[f]
		if !ok || s.Terminal() {
			continue
		}
		t := at
		s.LastPing = &t
		refreshed = append(refreshed, f)
	}
	return refreshed, nil
}

// Complete closes an open structure with its result.
func (m *Store) Complete(_ context.Context, filename string, result float64, processingTimeMS int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.docs[filename]
	if !ok || s.Terminal() {
		return false, nil
	}

	t := at
	s.Result = &result
	s.ProcessingTime = &processingTimeMS
	s.FinishedAt = &t
	if s.DistributedAt != nil {
		total := at.Sub(*s.DistributedAt).Milliseconds()
		s.TotalTime = &total
	}
	return true, nil
}

// LowerMinimum overwrites the minimum when result is strictly smaller.
func (m *Store) LowerMinimum(_ context.Context, result float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result < m.minimum {
		m.minimum = result
		return true, nil
	}
	return false, nil
}

// MinimumResult returns the current global minimum.
func (m *Store) MinimumResult(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minimum, nil
}

// FindUnsized returns open filenames without a byte count.
func (m *Store) FindUnsized(_ context.Context, limit int, excluding []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip := make(map[string]struct{}, len(excluding))
	for _, f := range excluding {
		skip[f] = struct{}{}
	}

	var filenames []string
	for _, s := range m.docs {
		if s.BytesCount != nil {
			continue
		}
		if _, excluded := skip[s.Filename]; excluded {
			continue
		}
		filenames = append(filenames, s.Filename)
	}
	sort.Strings(filenames)
	if limit > 0 && len(filenames) > limit {
		filenames = filenames[:limit]
	}
	return filenames, nil
}

// SetBytesCount records a measured size.
func (m *Store) SetBytesCount(_ context.Context, filename string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.docs[filename]
	if !ok {
		return structures.ErrStructureNotFound
	}
	s.BytesCount = &bytes
	return nil
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

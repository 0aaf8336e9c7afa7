package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/auth"
	"github.com/Lucasrsv1/structures-manager/id"
	"github.com/Lucasrsv1/structures-manager/observability"
)

// RebalanceFunc recomputes processing-mode assignments for the live fleet.
// The registry does not know how to balance; the hook is provided at wiring
// time to break the registry→balancer dependency cycle.
type RebalanceFunc func(ctx context.Context) error

// Registration is the reply to a successful Register call.
type Registration struct {
	ID    id.ProcessorID
	Token string
	Mode  Mode
}

// Registry owns the set of registered processors and authenticates their
// requests. One mutex serializes every record access, including the
// balancer's bulk assignment, so an assignment pass can never interleave
// with a registration that is about to read its mode.
type Registry struct {
	authenticator *auth.Authenticator
	logger        *slog.Logger
	metrics       *observability.Metrics

	// expiry is the redistribution interval: a processor silent for longer
	// is garbage-collected by the background cycle.
	expiry        time.Duration
	cycleInterval time.Duration

	mu        sync.Mutex
	records   map[string]*Record
	rebalance RebalanceFunc

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithExpiry sets the silence threshold after which a processor record is
// garbage-collected. Defaults to the redistribution interval default.
func WithExpiry(d time.Duration) Option {
	return func(r *Registry) { r.expiry = d }
}

// WithCycleInterval sets the period of the background GC/rebalance cycle.
func WithCycleInterval(d time.Duration) Option {
	return func(r *Registry) { r.cycleInterval = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry. The Authenticator is owned by the registry
// for the registry's lifetime; its signing key decides which tokens this
// process accepts.
func NewRegistry(authenticator *auth.Authenticator, logger *slog.Logger, opts ...Option) *Registry {
	cfg := structures.DefaultConfig()
	r := &Registry{
		authenticator: authenticator,
		logger:        logger,
		expiry:        cfg.RedistributionInterval,
		cycleInterval: cfg.CycleInterval,
		records:       make(map[string]*Record),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRebalance installs the balancing hook. Must be called before Start and
// before the first Register; it is not safe to swap while running.
func (r *Registry) SetRebalance(fn RebalanceFunc) {
	r.rebalance = fn
}

// Register creates a record for a new processor and issues its token. The
// balancer runs synchronously before the reply so the returned mode reflects
// the current backlog.
func (r *Registry) Register(ctx context.Context, remoteHost string, qtyCPUs int) (*Registration, error) {
	if qtyCPUs < 1 {
		return nil, structures.ErrInvalidCPUCount
	}

	procID := id.NewProcessorID()

	r.mu.Lock()
	r.records[procID.String()] = newRecord(procID, remoteHost, qtyCPUs, time.Now())
	r.mu.Unlock()

	// Best-effort: a failed balancing pass leaves the mode UNDEFINED and the
	// next cycle corrects it; registration itself still succeeds.
	if r.rebalance != nil {
		if err := r.rebalance(ctx); err != nil {
			r.logger.Warn("rebalance on registration failed",
				slog.String("processor_id", procID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	token, err := r.authenticator.Issue(procID)
	if err != nil {
		r.mu.Lock()
		delete(r.records, procID.String())
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	mode := r.records[procID.String()].Mode
	r.mu.Unlock()

	r.metrics.ProcessorRegistered(ctx)
	r.logger.Info("processor registered",
		slog.String("processor_id", procID.String()),
		slog.String("remote_host", remoteHost),
		slog.Int("qty_cpus", qtyCPUs),
		slog.String("mode", string(mode)),
	)

	return &Registration{ID: procID, Token: token, Mode: mode}, nil
}

// Authenticate verifies a token and resolves it to a live record. Every
// successful authentication refreshes the record's LastContact, so any
// authenticated call doubles as a heartbeat. The returned record is a
// snapshot; mutations go through the registry.
func (r *Registry) Authenticate(token string) (*Record, error) {
	procID, err := r.authenticator.Verify(token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[procID.String()]
	if !ok {
		// Covers both never-registered and since-expired processors.
		return nil, structures.ErrProcessorNotFound
	}

	rec.LastContact = time.Now()
	return rec.snapshot(), nil
}

// Unregister removes a processor record. Held leases are not released; their
// structures become claimable again once the lease ping times out.
func (r *Registry) Unregister(procID id.ProcessorID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := procID.String()
	if _, ok := r.records[key]; !ok {
		return structures.ErrProcessorNotFound
	}

	delete(r.records, key)
	r.logger.Info("processor unregistered", slog.String("processor_id", key))
	return nil
}

// List returns a snapshot of every registered processor.
func (r *Registry) List() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	return out
}

// ModeOf returns the current mode of a processor, or ModeUndefined if the
// record is gone.
func (r *Registry) ModeOf(procID id.ProcessorID) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[procID.String()]; ok {
		return rec.Mode
	}
	return ModeUndefined
}

// AddFiles records newly claimed filenames on the processor's lease set.
func (r *Registry) AddFiles(procID id.ProcessorID, filenames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[procID.String()]
	if !ok {
		return structures.ErrProcessorNotFound
	}
	for _, f := range filenames {
		rec.held[f] = struct{}{}
	}
	return nil
}

// RemoveFile drops a filename from the processor's lease set, if present.
func (r *Registry) RemoveFile(procID id.ProcessorID, filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[procID.String()]; ok {
		delete(rec.held, filename)
	}
}

// Holds reports whether the processor currently leases filename.
func (r *Registry) Holds(procID id.ProcessorID, filename string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[procID.String()]
	return ok && rec.holds(filename)
}

// PartitionHeld splits filenames into those the processor leases and those
// it does not. Order is preserved.
func (r *Registry) PartitionHeld(procID id.ProcessorID, filenames []string) (held, notHeld []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[procID.String()]
	for _, f := range filenames {
		if ok && rec.holds(f) {
			held = append(held, f)
		} else {
			notHeld = append(notHeld, f)
		}
	}
	return held, notHeld
}

// BulkAssign runs fn over the live records under the registry lock. The
// balancer uses it for its sort-and-assign pass; fn must not block on I/O.
func (r *Registry) BulkAssign(fn func(records []*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	fn(recs)
}

// Start launches the background GC/rebalance cycle. It returns immediately.
func (r *Registry) Start(_ context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.logger.Info("registry cycle starting",
		slog.Duration("interval", r.cycleInterval),
		slog.Duration("expiry", r.expiry),
	)

	r.wg.Add(1)
	go r.cycleLoop()
	return nil
}

// Stop halts the background cycle and waits for it to finish.
func (r *Registry) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = false
	r.runMu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// cycleLoop runs the periodic maintenance pass. Ticks never overlap: the
// loop is a single goroutine and a slow pass simply delays the next tick.
func (r *Registry) cycleLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

// runCycle garbage-collects silent processors and re-runs the balancer.
// Errors are logged and swallowed so one failed pass never stops heartbeat GC
// on later ticks.
func (r *Registry) runCycle() {
	r.expireStale()

	if r.rebalance == nil {
		return
	}
	if err := r.rebalance(context.Background()); err != nil {
		r.logger.Warn("rebalance cycle failed", slog.String("error", err.Error()))
	}
}

func (r *Registry) expireStale() {
	cutoff := time.Now().Add(-r.expiry)

	r.mu.Lock()
	var expired []*Record
	for key, rec := range r.records {
		if rec.LastContact.Before(cutoff) {
			expired = append(expired, rec)
			delete(r.records, key)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		r.metrics.ProcessorExpired(context.Background())
		r.logger.Info("processor expired",
			slog.String("processor_id", rec.ID.String()),
			slog.Time("last_contact", rec.LastContact),
			slog.Int("abandoned_files", len(rec.held)),
		)
	}
}

// Package extractor keeps the structure catalog in sync with the upstream
// file repository. A cron-scheduled refresh discovers new structure files
// and a sizing loop measures files the catalog has not sized yet, feeding
// the byte counts the mode balancer classifies work by.
package extractor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Lucasrsv1/structures-manager/structure"
)

const (
	// defaultRefreshSpec refreshes the catalog twice an hour.
	defaultRefreshSpec = "*/30 * * * *"
	defaultRunInterval = 5 * time.Second
	defaultWorkers     = 4
	defaultTimeout     = 2 * time.Minute
)

// Extractor runs the catalog refresh and sizing pipeline.
type Extractor struct {
	store  structure.Store
	source Source
	logger *slog.Logger

	refreshSpec string
	runInterval time.Duration
	workers     int
	timeout     time.Duration

	// inflight tracks filenames currently being sized so consecutive loop
	// passes never measure the same file twice.
	mu       sync.Mutex
	inflight map[string]struct{}

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRefreshSpec sets the cron expression for catalog refreshes.
func WithRefreshSpec(spec string) Option {
	return func(e *Extractor) { e.refreshSpec = spec }
}

// WithRunInterval sets the sizing loop period.
func WithRunInterval(d time.Duration) Option {
	return func(e *Extractor) { e.runInterval = d }
}

// WithWorkers sets the number of concurrent sizing workers.
func WithWorkers(n int) Option {
	return func(e *Extractor) { e.workers = n }
}

// WithTimeout bounds one refresh or sizing pass.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// New creates an Extractor.
func New(store structure.Store, source Source, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		store:       store,
		source:      source,
		logger:      logger,
		refreshSpec: defaultRefreshSpec,
		runInterval: defaultRunInterval,
		workers:     defaultWorkers,
		timeout:     defaultTimeout,
		inflight:    make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs an immediate catalog refresh, schedules periodic refreshes, and
// launches the sizing loop. It returns immediately.
func (e *Extractor) Start(_ context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return nil
	}
	e.running = true

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.refreshSpec, e.refreshOnce); err != nil {
		e.running = false
		return err
	}
	e.cron.Start()

	e.logger.Info("extractor starting",
		slog.String("refresh_spec", e.refreshSpec),
		slog.Duration("run_interval", e.runInterval),
		slog.Int("workers", e.workers),
	)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.refreshOnce()
	}()
	go e.sizeLoop()
	return nil
}

// Stop halts the schedules and waits for in-flight passes to finish.
func (e *Extractor) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	e.runMu.Unlock()

	e.cron.Stop()
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// refreshOnce fetches the upstream index and catalogs unknown filenames.
// Failures log and wait for the next scheduled run.
func (e *Extractor) refreshOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	filenames, err := e.source.ListFilenames(ctx)
	if err != nil {
		e.logger.Warn("catalog refresh failed", slog.String("error", err.Error()))
		return
	}

	added, err := e.store.InsertNew(ctx, filenames)
	if err != nil {
		e.logger.Warn("catalog insert failed", slog.String("error", err.Error()))
		return
	}
	if added > 0 {
		e.logger.Info("catalog refreshed",
			slog.Int("listed", len(filenames)),
			slog.Int64("added", added),
		)
	}
}

func (e *Extractor) sizeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sizeOnce()
		}
	}
}

// sizeOnce measures one batch of unsized structures concurrently.
func (e *Extractor) sizeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	e.mu.Lock()
	excluding := make([]string, 0, len(e.inflight))
	for f := range e.inflight {
		excluding = append(excluding, f)
	}
	e.mu.Unlock()

	filenames, err := e.store.FindUnsized(ctx, e.workers, excluding)
	if err != nil {
		e.logger.Warn("find unsized failed", slog.String("error", err.Error()))
		return
	}
	if len(filenames) == 0 {
		return
	}

	e.mu.Lock()
	for _, f := range filenames {
		e.inflight[f] = struct{}{}
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, filename := range filenames {
		g.Go(func() error {
			defer func() {
				e.mu.Lock()
				delete(e.inflight, filename)
				e.mu.Unlock()
			}()

			size, err := e.source.Size(gctx, filename)
			if err != nil {
				// Leave the file unsized; the next pass retries it.
				e.logger.Warn("sizing failed",
					slog.String("filename", filename),
					slog.String("error", err.Error()),
				)
				return nil
			}

			if err := e.store.SetBytesCount(gctx, filename, size); err != nil {
				e.logger.Warn("store bytes count failed",
					slog.String("filename", filename),
					slog.String("error", err.Error()),
				)
				return nil
			}

			e.logger.Debug("structure sized",
				slog.String("filename", filename),
				slog.Int64("bytes", size),
			)
			return nil
		})
	}
	_ = g.Wait()
}

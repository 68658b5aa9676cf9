package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/rs/zerolog/log"
)

var errNoPages = errors.New("no pages available")

// WorkerPool runs in-process workers that claim queued pages from any job
type WorkerPool struct {
	jm         *JobManager
	proc       *Processor
	numWorkers int
	name       string

	stopCh   chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool

	baseSleep        time.Duration
	maxSleep         time.Duration
	recoveryInterval time.Duration
	staleTimeout     time.Duration
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(jm *JobManager, proc *Processor, numWorkers int, name string) *WorkerPool {
	if jm == nil {
		panic("job manager is required")
	}
	if proc == nil {
		panic("processor is required")
	}
	if numWorkers < 1 {
		panic("numWorkers must be at least 1")
	}
	if name == "" {
		name = "pool"
	}

	return &WorkerPool{
		jm:               jm,
		proc:             proc,
		numWorkers:       numWorkers,
		name:             name,
		stopCh:           make(chan struct{}),
		notifyCh:         make(chan struct{}, numWorkers),
		baseSleep:        200 * time.Millisecond,
		maxSleep:         30 * time.Second,
		recoveryInterval: time.Minute,
		staleTimeout:     PageStaleTimeout,
	}
}

// Start starts the workers and the stale page monitor
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().Int("workers", wp.numWorkers).Msg("Starting worker pool")

	wp.wg.Add(wp.numWorkers)
	for i := 0; i < wp.numWorkers; i++ {
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.recoveryMonitor(ctx)
}

// Stop stops the worker pool and waits for in-flight pages to finish
func (wp *WorkerPool) Stop() {
	if !wp.stopping.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Msg("Stopping worker pool")
	close(wp.stopCh)
	wp.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// Notify wakes idle workers. It never blocks.
func (wp *WorkerPool) Notify() {
	for i := 0; i < wp.numWorkers; i++ {
		select {
		case wp.notifyCh <- struct{}{}:
		default:
			return
		}
	}
}

// NotifyJob adapts Notify to the notification listener callback
func (wp *WorkerPool) NotifyJob(jobID string) {
	log.Debug().Str("job_id", jobID).Msg("Pages queued, waking workers")
	wp.Notify()
}

func (wp *WorkerPool) workerID(n int) string {
	return fmt.Sprintf("%s-%d", wp.name, n)
}

func (wp *WorkerPool) worker(ctx context.Context, n int) {
	defer wp.wg.Done()

	workerID := wp.workerID(n)
	log.Info().Str("worker_id", workerID).Msg("Starting worker")

	// Track consecutive empty claims for backoff
	consecutiveNoPages := 0

	for {
		select {
		case <-wp.stopCh:
			log.Debug().Str("worker_id", workerID).Msg("Worker received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Str("worker_id", workerID).Msg("Worker context cancelled")
			return
		case <-wp.notifyCh:
			consecutiveNoPages = 0
		default:
		}

		err := wp.processNextPage(ctx, workerID)
		switch {
		case err == nil:
			consecutiveNoPages = 0
			continue
		case errors.Is(err, errNoPages):
			consecutiveNoPages++
			if consecutiveNoPages == 1 || consecutiveNoPages%10 == 0 {
				log.Debug().Str("worker_id", workerID).Msg("Waiting for new pages")
			}
		default:
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to process page")
		}

		select {
		case <-time.After(wp.backoff(consecutiveNoPages)):
		case <-wp.notifyCh:
			consecutiveNoPages = 0
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// backoff grows the idle sleep by 1.5x per empty claim up to maxSleep
func (wp *WorkerPool) backoff(consecutiveNoPages int) time.Duration {
	sleep := time.Duration(float64(wp.baseSleep) * math.Pow(1.5, float64(min(consecutiveNoPages, 20))))
	if sleep > wp.maxSleep {
		sleep = wp.maxSleep
	}
	return sleep
}

// processNextPage claims one page from any job and runs it
func (wp *WorkerPool) processNextPage(ctx context.Context, workerID string) error {
	page, err := wp.jm.ClaimPage(ctx, "", workerID)
	if err != nil {
		return err
	}
	observability.RecordClaim(ctx, "pool", page != nil)
	if page == nil {
		return errNoPages
	}

	log.Debug().
		Str("worker_id", workerID).
		Str("job_id", page.JobID).
		Str("page_id", page.ID).
		Int("attempt", page.Attempts).
		Msg("Claimed page")

	err = wp.proc.Run(ctx, page, "pool", false)
	if errors.Is(err, ErrPageRetry) {
		return nil
	}
	return err
}

// recoveryMonitor periodically returns stale pages to the queue
func (wp *WorkerPool) recoveryMonitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-wp.staleTimeout)
			if _, _, err := wp.jm.ReleaseStalePages(ctx, cutoff, MaxPageAttempts); err != nil {
				log.Error().Err(err).Msg("Failed to recover stale pages")
			}
		}
	}
}

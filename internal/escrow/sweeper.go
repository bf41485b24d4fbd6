package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/retry"
)

// DefaultSweepBatch bounds how many expired escrows one sweep handles.
const DefaultSweepBatch = 500

// Sweeper finalizes active escrows whose auto-finalize deadline has passed.
// It can run as a loop (Start) or one pass at a time (Sweep).
type Sweeper struct {
	service   *Service
	store     Store
	interval  time.Duration
	batchSize int
	retry     retry.Policy
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewSweeper creates a sweeper over the service's store.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:   service,
		store:     service.Store(),
		interval:  time.Hour,
		batchSize: DefaultSweepBatch,
		retry:     retry.DefaultPolicy,
		logger:    logger,
		stop:      make(chan struct{}, 1),
	}
}

// WithInterval sets the loop period.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize sets how many escrows one sweep lists.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithRetry sets the retry policy for transient store errors.
func (s *Sweeper) WithRetry(p retry.Policy) *Sweeper {
	s.retry = p
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Sweep(ctx, time.Now()); err != nil {
		s.logger.Warn("escrow sweep failed", "error", err)
	}
}

// Sweep finalizes every escrow past its deadline at now and returns how
// many it finalized. Escrows are listed batchSize at a time; listing repeats
// while batches come back full and the last one made progress. A failure on
// one escrow is logged and counted; it never stops the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	finalized, listed := 0, 0
	failed := make(map[string]bool)
	for {
		var expired []*Escrow
		err := s.retry.Run(ctx, func() error {
			var err error
			expired, err = s.store.ListExpired(ctx, now, s.batchSize)
			return err
		})
		if err != nil {
			return finalized, fmt.Errorf("list expired escrows: %w", err)
		}
		listed += len(expired)

		progress := 0
		for _, e := range expired {
			if failed[e.ID] {
				continue
			}
			err := s.retry.Run(ctx, func() error {
				_, err := s.service.FinalizeExpired(ctx, e, now)
				return retry.PermanentIf(err, ErrAlreadyFinalized, ErrEscrowNotActive, ErrNotDue, ErrEscrowNotFound)
			})
			switch {
			case err == nil:
				finalized++
				progress++
			case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrEscrowNotActive), errors.Is(err, ErrNotDue):
				// Lost a race with a buyer action; nothing to do.
				s.logger.Debug("skipping escrow changed since listing", "escrowId", e.ID, "reason", err)
				progress++
			default:
				failed[e.ID] = true
				metrics.SweepFailuresTotal.Inc()
				s.logger.Warn("failed to auto-finalize escrow", "escrowId", e.ID, "error", err)
			}
		}

		// Failed escrows stay active and are listed again; a batch holding
		// nothing but those ends the sweep.
		if len(expired) < s.batchSize || progress == 0 || ctx.Err() != nil {
			break
		}
	}

	if listed > 0 {
		s.logger.Info("escrow sweep complete", "listed", listed, "finalized", finalized, "failed", len(failed))
	}
	return finalized, nil
}

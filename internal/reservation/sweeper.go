package reservation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Sweeper defaults.
const (
	DefaultSweepInterval  = time.Minute
	DefaultSweepBatchSize = 100
)

// SweeperConfig controls the sweep cadence and page size.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper expires PENDING reservations whose window has passed and returns
// their stock.
type Sweeper struct {
	ledger *Ledger
	cfg    SweeperConfig
	lease  Lease
}

// NewSweeper builds a Sweeper. lease may be nil.
func NewSweeper(ledger *Ledger, cfg SweeperConfig, lease Lease) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	return &Sweeper{ledger: ledger, cfg: cfg, lease: lease}
}

// Sweep runs one pass at now and returns how many reservations this pass
// moved to EXPIRED. Rows are paged by id; a row that fails to expire is
// logged and skipped, so one bad row never blocks the rest. The pass then
// finishes stock restores left pending by earlier failures. The error is
// non-nil only when listing fails.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	l := s.ledger
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx)
		switch {
		case err != nil:
			l.Log.Warn().Err(err).Msg("sweep lease unavailable, sweeping anyway")
		case !ok:
			l.Log.Debug().Msg("sweep lease held elsewhere, skipping pass")
			return 0, nil
		default:
			defer release()
		}
	}

	ctx, span := tracer.Start(ctx, "reservation.Sweep")
	defer span.End()

	start := time.Now()
	expired, failed := 0, 0
	after := ""
	for {
		rows, err := l.Reservations.ListExpiredPending(ctx, now, after, s.cfg.BatchSize)
		if err != nil {
			l.Metrics.ObserveSweep(expired, failed, time.Since(start))
			span.RecordError(err)
			return expired, errors.Wrap(err, "list expired reservations")
		}
		for _, r := range rows {
			after = r.ID
			_, changed, err := l.Expire(ctx, r.ID)
			if err != nil {
				failed++
				l.Log.Error().Err(err).Str("reservation_id", r.ID).Msg("sweep: expire failed")
				continue
			}
			if changed {
				expired++
			}
		}
		if len(rows) < s.cfg.BatchSize {
			break
		}
	}

	restored, restoreFailed, err := s.reconcile(ctx)
	failed += restoreFailed
	if err != nil {
		l.Metrics.ObserveSweep(expired, failed, time.Since(start))
		span.RecordError(err)
		return expired, err
	}

	took := time.Since(start)
	l.Metrics.ObserveSweep(expired, failed, took)
	span.SetAttributes(
		attribute.Int("sweep.expired", expired),
		attribute.Int("sweep.restored", restored),
		attribute.Int("sweep.failed", failed),
	)
	if expired > 0 || restored > 0 || failed > 0 {
		l.Log.Info().Int("expired", expired).Int("restored", restored).Int("failed", failed).Dur("took", took).Msg("sweep finished")
	}
	return expired, nil
}

// reconcile pages through rows whose stock restore is still pending.
func (s *Sweeper) reconcile(ctx context.Context) (restored, failed int, err error) {
	l := s.ledger
	after := ""
	for {
		rows, err := l.Reservations.ListRestorePending(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return restored, failed, errors.Wrap(err, "list pending restores")
		}
		for _, r := range rows {
			after = r.ID
			ok, err := l.ReconcileRestore(ctx, r.ID)
			if err != nil {
				failed++
				l.Log.Error().Err(err).Str("reservation_id", r.ID).Msg("sweep: stock restore failed")
				continue
			}
			if ok {
				restored++
			}
		}
		if len(rows) < s.cfg.BatchSize {
			return restored, failed, nil
		}
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx, s.ledger.Now()); err != nil && ctx.Err() == nil {
			s.ledger.Log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

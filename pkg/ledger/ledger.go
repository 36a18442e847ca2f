package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
)

// Store is the slice of the metadata store the ledger needs
type Store interface {
	OpenAttempt(ctx context.Context, a *types.TransactionAttempt) error
	FinishAttempt(ctx context.Context, transactionID string, status types.AttemptStatus, reason string) error
	BumpAttemptRetry(ctx context.Context, transactionID string) error
	StuckAttempts(ctx context.Context, olderThan time.Time) ([]*types.TransactionAttempt, error)
	PendingRecoveryAttempts(ctx context.Context, limit int) ([]*types.TransactionAttempt, error)
	PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error)
	CountAttempts(ctx context.Context) (map[string]int, error)
}

// Redispatcher re-runs a recorded write through the normal routing path
type Redispatcher interface {
	Redispatch(ctx context.Context, a *types.TransactionAttempt) error
}

// HealthView reports whether any instance can take recovered writes
type HealthView interface {
	Mode() types.RoutingMode
}

// Config tunes the recovery scan
type Config struct {
	// StuckAfter is how long a row may sit in ATTEMPTING before the
	// scan parks it for recovery
	StuckAfter time.Duration

	// MaxRecoveries caps redispatch attempts before a row is abandoned
	MaxRecoveries int

	// RecoveryBatch bounds how many parked rows one scan replays
	RecoveryBatch int

	// FinishTimeout bounds the detached status stamps
	FinishTimeout time.Duration
}

// DefaultConfig returns standard recovery tuning
func DefaultConfig() Config {
	return Config{
		StuckAfter:    10 * time.Minute,
		MaxRecoveries: 3,
		RecoveryBatch: 20,
		FinishTimeout: 10 * time.Second,
	}
}

// Ledger records every client write before dispatch and drives stuck
// writes back through the router until they finish one way or another.
type Ledger struct {
	store      Store
	dispatcher Redispatcher
	health     HealthView
	broker     *events.Broker
	cfg        Config
	logger     zerolog.Logger
}

// New builds a ledger. The redispatcher may be set later via
// SetRedispatcher to break the construction cycle with the router.
func New(st Store, health HealthView, broker *events.Broker, cfg Config) *Ledger {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultConfig().StuckAfter
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = DefaultConfig().MaxRecoveries
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = DefaultConfig().RecoveryBatch
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultConfig().FinishTimeout
	}

	return &Ledger{
		store:  st,
		health: health,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("ledger"),
	}
}

// SetRedispatcher wires the router in after both sides exist
func (l *Ledger) SetRedispatcher(d Redispatcher) {
	l.dispatcher = d
}

// Begin records an ATTEMPTING row before the write is dispatched. A
// failure here means the write cannot be made accountable and must not
// proceed.
func (l *Ledger) Begin(ctx context.Context, method, path string, data []byte, headers map[string][]string, session string) (*types.TransactionAttempt, error) {
	a := &types.TransactionAttempt{
		TransactionID: uuid.NewString(),
		Method:        method,
		Path:          path,
		Data:          data,
		Headers:       headers,
		Status:        types.AttemptAttempting,
		CreatedAt:     time.Now().UTC(),
		ClientSession: session,
	}
	if err := l.store.OpenAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to open transaction attempt: %w", err)
	}
	return a, nil
}

// Complete stamps the row COMPLETED. Runs detached from the request
// context: the outcome is already decided even if the client left.
func (l *Ledger) Complete(ctx context.Context, transactionID string) {
	l.finish(ctx, transactionID, types.AttemptCompleted, "")
}

// Fail stamps the row FAILED with the reason the client saw
func (l *Ledger) Fail(ctx context.Context, transactionID, reason string) {
	l.finish(ctx, transactionID, types.AttemptFailed, reason)
}

func (l *Ledger) finish(ctx context.Context, transactionID string, status types.AttemptStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.FinishTimeout)
	defer cancel()

	if err := l.store.FinishAttempt(ctx, transactionID, status, reason); err != nil {
		// The write itself already happened or already failed; losing
		// the stamp only degrades accountability, so log loudly and
		// let the stuck-row scan pick the row up later.
		l.logger.Error().Err(err).
			Str("transaction_id", transactionID).
			Str("status", string(status)).
			Msg("failed to stamp transaction attempt")
	}
}

// Stats summarizes one recovery scan
type Stats struct {
	Parked    int
	Recovered int
	Retried   int
	Abandoned int
}

// Scan runs one recovery pass: park rows stuck in ATTEMPTING, then
// replay parked rows while any instance is healthy.
func (l *Ledger) Scan(ctx context.Context) (Stats, error) {
	var stats Stats

	stuck, err := l.store.StuckAttempts(ctx, time.Now().UTC().Add(-l.cfg.StuckAfter))
	if err != nil {
		return stats, fmt.Errorf("failed to list stuck attempts: %w", err)
	}
	for _, a := range stuck {
		if err := l.store.FinishAttempt(ctx, a.TransactionID, types.AttemptPendingRecovery, "stuck in ATTEMPTING past threshold"); err != nil {
			l.logger.Error().Err(err).Str("transaction_id", a.TransactionID).Msg("failed to park stuck attempt")
			continue
		}
		stats.Parked++
		metrics.RecoveriesTotal.WithLabelValues("transaction", "parked").Inc()
		l.logger.Warn().
			Str("transaction_id", a.TransactionID).
			Str("method", a.Method).
			Str("path", a.Path).
			Time("created_at", a.CreatedAt).
			Msg("attempt stuck, parked for recovery")
		l.broker.Publish(&events.Event{
			Type:     events.EventAttemptStuck,
			Message:  "transaction attempt parked for recovery",
			Metadata: map[string]string{"transaction_id": a.TransactionID, "path": a.Path},
		})
	}

	if l.health != nil && l.health.Mode() == types.RoutingUnavailable {
		l.logger.Debug().Msg("skipping attempt replay, no healthy instance")
		return stats, nil
	}
	if l.dispatcher == nil {
		return stats, nil
	}

	pending, err := l.store.PendingRecoveryAttempts(ctx, l.cfg.RecoveryBatch)
	if err != nil {
		return stats, fmt.Errorf("failed to list recoverable attempts: %w", err)
	}
	for _, a := range pending {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		err := l.dispatcher.Redispatch(ctx, a)
		if err == nil {
			if err := l.store.FinishAttempt(ctx, a.TransactionID, types.AttemptRecovered, ""); err != nil {
				l.logger.Error().Err(err).Str("transaction_id", a.TransactionID).Msg("failed to stamp recovered attempt")
				continue
			}
			stats.Recovered++
			metrics.RecoveriesTotal.WithLabelValues("transaction", "recovered").Inc()
			l.logger.Info().Str("transaction_id", a.TransactionID).Msg("attempt recovered")
			continue
		}

		if a.RetryCount+1 >= l.cfg.MaxRecoveries {
			reason := fmt.Sprintf("abandoned after %d recovery attempts: %v", a.RetryCount+1, err)
			if ferr := l.store.FinishAttempt(ctx, a.TransactionID, types.AttemptAbandoned, reason); ferr != nil {
				l.logger.Error().Err(ferr).Str("transaction_id", a.TransactionID).Msg("failed to abandon attempt")
				continue
			}
			stats.Abandoned++
			metrics.RecoveriesTotal.WithLabelValues("transaction", "abandoned").Inc()
			l.logger.Error().Err(err).
				Str("transaction_id", a.TransactionID).
				Int("recoveries", a.RetryCount+1).
				Msg("attempt abandoned")
			continue
		}

		if berr := l.store.BumpAttemptRetry(ctx, a.TransactionID); berr != nil {
			l.logger.Error().Err(berr).Str("transaction_id", a.TransactionID).Msg("failed to bump attempt retry")
			continue
		}
		stats.Retried++
		metrics.RecoveriesTotal.WithLabelValues("transaction", "retry").Inc()
		l.logger.Warn().Err(err).
			Str("transaction_id", a.TransactionID).
			Int("retry_count", a.RetryCount+1).
			Msg("attempt recovery failed, will retry")
	}

	return stats, nil
}

// Prune deletes terminal rows older than the cutoff
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return l.store.PruneAttempts(ctx, olderThan)
}

// Counts returns per-status attempt totals for the status surface
func (l *Ledger) Counts(ctx context.Context) (map[string]int, error) {
	return l.store.CountAttempts(ctx)
}

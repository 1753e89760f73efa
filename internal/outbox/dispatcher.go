// Package outbox delivers side effects recorded inside a committed
// transaction. Each task is applied and marked delivered in one transaction,
// so a task is never applied twice.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"possale/backend/internal/domain"
	"possale/backend/internal/metrics"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

// Handler turns a task into the mutations that deliver it.
type Handler func(task domain.OutboxTask, at time.Time) ([]store.Op, error)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	return c
}

type Dispatcher struct {
	repo     store.Repository
	cfg      Config
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

var ErrUnknownKind = errors.New("outbox: no handler for task kind")

func New(repo store.Repository, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
	d.Handle(domain.OutboxKindCashMovement, CashMovementHandler)
	return d
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.handlers[kind] = h
}

// Deliver attempts the given tasks now. Failures are recorded for retry and
// joined into the returned error.
func (d *Dispatcher) Deliver(ctx context.Context, ids ...string) error {
	var errs []error
	delivered := 0
	for _, id := range ids {
		ok, err := d.deliverOne(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
			continue
		}
		if ok {
			delivered++
		}
	}
	d.metrics.OutboxDelivered(delivered)
	return errors.Join(errs...)
}

// RunOnce delivers every due task, up to the batch size.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.repo.ListDueOutboxTasks(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.deliverOne(ctx, task.ID)
		if err != nil {
			continue
		}
		if ok {
			delivered++
		}
	}
	d.metrics.OutboxDelivered(delivered)
	return delivered, nil
}

// Run polls for due tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started", zap.Duration("poll_interval", d.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			n, err := d.RunOnce(ctx)
			if err != nil {
				d.logger.Error("outbox poll failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Debug("outbox tasks delivered", zap.Int("count", n))
			}
		}
	}
}

// deliverOne reports whether the task was delivered by this call. A task
// that is no longer pending is skipped without error.
func (d *Dispatcher) deliverOne(ctx context.Context, id string) (bool, error) {
	attempts := -1
	delivered := false
	err := d.repo.WithinTx(ctx, func(tx store.Tx) error {
		delivered = false
		task, err := tx.LockOutboxTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != domain.OutboxPending {
			return nil
		}
		attempts = task.Attempts

		handler, ok := d.handlers[task.Kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKind, task.Kind)
		}
		now := d.now()
		ops, err := handler(*task, now)
		if err != nil {
			return err
		}

		var batch store.Batch
		batch.Add(ops...)
		batch.Add(store.MarkOutboxDelivered{TaskID: task.ID, At: now})
		if err := tx.Apply(ctx, batch); err != nil {
			return err
		}
		delivered = true
		return nil
	})
	if err == nil {
		return delivered, nil
	}
	if attempts >= 0 {
		d.recordFailure(ctx, id, attempts+1, err)
	}
	return false, err
}

func (d *Dispatcher) recordFailure(ctx context.Context, id string, attempts int, cause error) {
	dead := attempts >= d.cfg.MaxAttempts
	next := d.now().Add(d.backoff(attempts))
	if err := d.repo.RecordOutboxFailure(ctx, id, cause.Error(), next, dead); err != nil {
		d.logger.Error("record outbox failure", zap.String("task_id", id), zap.Error(err))
		return
	}
	d.metrics.OutboxFailed(dead)
	if dead {
		d.logger.Error("outbox task dead, needs reconciliation",
			zap.String("task_id", id), zap.Int("attempts", attempts), zap.Error(cause))
		return
	}
	d.logger.Warn("outbox delivery failed",
		zap.String("task_id", id), zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(cause))
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return wait
}

// CashMovementHandler records a sale allocation in the cash ledger.
func CashMovementHandler(task domain.OutboxTask, at time.Time) ([]store.Op, error) {
	var payload domain.CashMovementPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode cash movement payload: %w", err)
	}
	if payload.CashSessionID == "" {
		return nil, errors.New("cash movement payload has no session")
	}
	return []store.Op{store.AppendCashMovement{Movement: domain.CashMovement{
		ID:            xid.New("cmv"),
		CashSessionID: payload.CashSessionID,
		Type:          payload.Type,
		Amount:        payload.Amount,
		Description:   payload.Description,
		PaymentMethod: payload.PaymentMethod,
		SaleID:        payload.SaleID,
		UserID:        payload.UserID,
		CreatedAt:     at,
	}}}, nil
}

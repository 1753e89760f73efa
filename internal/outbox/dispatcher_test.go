package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/store/memory"
)

type fixture struct {
	repo      *memory.Store
	d         *Dispatcher
	now       time.Time
	sessionID string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo: memory.New(nil),
		now:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	f.d = New(f.repo, cfg, nil, nil)
	f.d.now = func() time.Time { return f.now }

	session, err := f.repo.OpenCashSession(context.Background(), domain.CashSession{OpeningAmount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	f.sessionID = session.ID
	return f
}

func (f *fixture) enqueue(t *testing.T, id string, kind string, amount string) {
	t.Helper()
	payload, err := json.Marshal(domain.CashMovementPayload{
		CashSessionID: f.sessionID,
		Type:          domain.CashMovementSale,
		Amount:        decimal.RequireFromString(amount),
		Description:   "Sale #sale-test",
		PaymentMethod: domain.PaymentCash,
		SaleID:        "sale-test",
	})
	require.NoError(t, err)

	err = f.repo.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.Apply(context.Background(), store.Batch{store.EnqueueOutbox{Task: domain.OutboxTask{
			ID:            id,
			Kind:          kind,
			AggregateID:   "sale-test",
			Payload:       payload,
			Status:        domain.OutboxPending,
			NextAttemptAt: f.now,
			CreatedAt:     f.now,
		}}})
	})
	require.NoError(t, err)
}

func (f *fixture) task(t *testing.T, id string) domain.OutboxTask {
	t.Helper()
	tasks, err := f.repo.ListUndeliveredOutboxTasks(context.Background(), 0)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	return domain.OutboxTask{ID: id, Status: domain.OutboxDelivered}
}

func TestDeliverAppendsCashMovementOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.enqueue(t, "obx-1", domain.OutboxKindCashMovement, "121.00")

	require.NoError(t, f.d.Deliver(ctx, "obx-1"))
	require.NoError(t, f.d.Deliver(ctx, "obx-1"))

	movements, err := f.repo.ListCashMovements(ctx, f.sessionID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.True(t, movements[0].Amount.Equal(decimal.RequireFromString("121")))
	assert.Equal(t, domain.CashMovementSale, movements[0].Type)
	assert.Equal(t, "sale-test", movements[0].SaleID)
	assert.Equal(t, domain.OutboxDelivered, f.task(t, "obx-1").Status)
}

func TestFailedDeliveryIsRetriedAfterBackoff(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: time.Second, MaxAttempts: 5})
	ctx := context.Background()
	f.enqueue(t, "obx-1", domain.OutboxKindCashMovement, "50")

	f.repo.FailOn("append_cash_movement", errors.New("ledger unavailable"))
	err := f.d.Deliver(ctx, "obx-1")
	require.Error(t, err)

	task := f.task(t, "obx-1")
	assert.Equal(t, domain.OutboxPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "ledger unavailable")
	assert.Equal(t, f.now.Add(time.Second), task.NextAttemptAt)

	movements, _ := f.repo.ListCashMovements(ctx, f.sessionID)
	assert.Empty(t, movements, "failed delivery must leave no movement")

	n, err := f.d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "task is not due yet")

	f.now = f.now.Add(2 * time.Second)
	n, err = f.d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	movements, _ = f.repo.ListCashMovements(ctx, f.sessionID)
	assert.Len(t, movements, 1)
}

func TestTaskGoesDeadAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	f.enqueue(t, "obx-1", domain.OutboxKindCashMovement, "10")

	f.repo.FailOn("append_cash_movement", errors.New("boom"))
	require.Error(t, f.d.Deliver(ctx, "obx-1"))
	assert.Equal(t, domain.OutboxDead, f.task(t, "obx-1").Status)

	f.now = f.now.Add(time.Hour)
	n, err := f.d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnknownKindIsRecordedAsFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.enqueue(t, "obx-1", "email_receipt", "10")

	err := f.d.Deliver(ctx, "obx-1")
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, 1, f.task(t, "obx-1").Attempts)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := New(memory.New(nil), Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil, nil)

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(20))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	f.enqueue(t, "obx-1", domain.OutboxKindCashMovement, "10")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		movements, _ := f.repo.ListCashMovements(context.Background(), f.sessionID)
		return len(movements) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

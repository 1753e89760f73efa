package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

// memTx runs with Store.mu held for writing. Every mutation pushes an undo
// step so a failed batch leaves the maps exactly as they were.
type memTx struct {
	s      *Store
	undo   []func()
	failed error
}

func (t *memTx) GetOpenCashSession(_ context.Context) (*domain.CashSession, error) {
	return t.s.openSessionLocked()
}

func (t *memTx) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	return t.s.customerLocked(id)
}

func (t *memTx) LockCustomer(_ context.Context, id string) (*domain.Customer, error) {
	return t.s.customerLocked(id)
}

func (t *memTx) CustomerBalance(_ context.Context, customerID string) (decimal.Decimal, error) {
	return t.s.balanceLocked(customerID), nil
}

func (t *memTx) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	found := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := t.s.products[id]; ok {
			found[id] = product
		}
	}
	return found, nil
}

func (t *memTx) LockSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (t *memTx) LockOutboxTask(_ context.Context, id string) (*domain.OutboxTask, error) {
	task, ok := t.s.outboxByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneOutboxTask(task)
	return &dup, nil
}

func (t *memTx) LockOutboxTasksFor(_ context.Context, aggregateID string) ([]domain.OutboxTask, error) {
	tasks := make([]domain.OutboxTask, 0)
	for _, id := range t.s.outboxOrder {
		if task := t.s.outboxByID[id]; task.AggregateID == aggregateID {
			tasks = append(tasks, cloneOutboxTask(task))
		}
	}
	return tasks, nil
}

func (t *memTx) Apply(_ context.Context, batch store.Batch) error {
	if t.failed != nil {
		return fmt.Errorf("transaction aborted: %w", t.failed)
	}
	for _, op := range batch {
		if err := t.apply(op); err != nil {
			t.failed = err
			t.rollback()
			return err
		}
	}
	return nil
}

func (t *memTx) apply(op store.Op) error {
	s := t.s
	if err, ok := s.failpoints[op.OpName()]; ok {
		delete(s.failpoints, op.OpName())
		return err
	}

	switch o := op.(type) {
	case store.InsertSale:
		if _, exists := s.salesByID[o.Sale.ID]; exists {
			return fmt.Errorf("sale %s: %w", o.Sale.ID, store.ErrConflict)
		}
		s.salesByID[o.Sale.ID] = cloneSale(o.Sale)
		s.saleOrder = append(s.saleOrder, o.Sale.ID)
		t.undo = append(t.undo, func() {
			delete(s.salesByID, o.Sale.ID)
			s.saleOrder = s.saleOrder[:len(s.saleOrder)-1]
		})

	case store.AdjustStock:
		product, ok := s.products[o.ProductID]
		if !ok {
			return fmt.Errorf("product %s: %w", o.ProductID, store.ErrNotFound)
		}
		if !product.Stock.Equal(o.Previous) {
			return fmt.Errorf("product %s stock changed: %w", o.ProductID, store.ErrConflict)
		}
		if o.New.IsNegative() {
			return fmt.Errorf("product %s: %w", o.ProductID, store.ErrInsufficientStock)
		}
		previous := product
		product.Stock = o.New
		s.products[o.ProductID] = product
		t.undo = append(t.undo, func() { s.products[o.ProductID] = previous })

	case store.AppendStockMovement:
		s.stockMovements = append(s.stockMovements, o.Movement)
		t.undo = append(t.undo, func() { s.stockMovements = s.stockMovements[:len(s.stockMovements)-1] })

	case store.AppendCustomerTransaction:
		s.customerTxs = append(s.customerTxs, o.Entry)
		t.undo = append(t.undo, func() { s.customerTxs = s.customerTxs[:len(s.customerTxs)-1] })

	case store.AppendCashMovement:
		if _, ok := s.sessionsByID[o.Movement.CashSessionID]; !ok {
			return fmt.Errorf("cash session %s: %w", o.Movement.CashSessionID, store.ErrNotFound)
		}
		s.cashMovements = append(s.cashMovements, o.Movement)
		t.undo = append(t.undo, func() { s.cashMovements = s.cashMovements[:len(s.cashMovements)-1] })

	case store.EnqueueOutbox:
		if _, exists := s.outboxByID[o.Task.ID]; exists {
			return fmt.Errorf("outbox task %s: %w", o.Task.ID, store.ErrConflict)
		}
		s.outboxByID[o.Task.ID] = cloneOutboxTask(o.Task)
		s.outboxOrder = append(s.outboxOrder, o.Task.ID)
		t.undo = append(t.undo, func() {
			delete(s.outboxByID, o.Task.ID)
			s.outboxOrder = s.outboxOrder[:len(s.outboxOrder)-1]
		})

	case store.MarkOutboxDelivered:
		task, ok := s.outboxByID[o.TaskID]
		if !ok {
			return fmt.Errorf("outbox task %s: %w", o.TaskID, store.ErrNotFound)
		}
		if task.Status != domain.OutboxPending {
			return fmt.Errorf("outbox task %s is %s: %w", o.TaskID, task.Status, store.ErrConflict)
		}
		previous := cloneOutboxTask(task)
		at := o.At
		task.Status = domain.OutboxDelivered
		task.DeliveredAt = &at
		task.Attempts++
		s.outboxByID[o.TaskID] = task
		t.undo = append(t.undo, func() { s.outboxByID[o.TaskID] = previous })

	case store.VoidOutboxTask:
		task, ok := s.outboxByID[o.TaskID]
		if !ok {
			return fmt.Errorf("outbox task %s: %w", o.TaskID, store.ErrNotFound)
		}
		if task.Status != domain.OutboxPending && task.Status != domain.OutboxDead {
			return fmt.Errorf("outbox task %s is %s: %w", o.TaskID, task.Status, store.ErrConflict)
		}
		previous := cloneOutboxTask(task)
		task.Status = domain.OutboxVoided
		task.LastError = o.Reason
		s.outboxByID[o.TaskID] = task
		t.undo = append(t.undo, func() { s.outboxByID[o.TaskID] = previous })

	case store.MarkSaleCancelled:
		sale, ok := s.salesByID[o.SaleID]
		if !ok {
			return fmt.Errorf("sale %s: %w", o.SaleID, store.ErrNotFound)
		}
		if sale.Status != domain.SaleStatusCompleted {
			return fmt.Errorf("sale %s is %s: %w", o.SaleID, sale.Status, store.ErrConflict)
		}
		previous := cloneSale(sale)
		at := o.At
		sale.Status = domain.SaleStatusCancelled
		sale.CancellationReason = o.Reason
		sale.CancelledBy = o.CancelledBy
		sale.CancelledAt = &at
		sale.Notes = o.Notes
		s.salesByID[o.SaleID] = sale
		t.undo = append(t.undo, func() { s.salesByID[o.SaleID] = previous })

	default:
		return fmt.Errorf("unsupported op %T", op)
	}
	return nil
}

func (t *memTx) rollback() {
	for _, undo := range slices.Backward(t.undo) {
		undo()
	}
	t.undo = nil
}

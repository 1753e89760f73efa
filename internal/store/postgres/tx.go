package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetOpenCashSession(ctx context.Context) (*domain.CashSession, error) {
	// FOR SHARE keeps a concurrent close from slipping in before commit.
	return openCashSession(ctx, t.tx, " FOR SHARE")
}

func (t *pgTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id, "")
}

func (t *pgTx) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	return customerBalance(ctx, t.tx, customerID)
}

// LockProducts locks rows in id order so concurrent sales over overlapping
// baskets cannot deadlock.
func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE p.id = ANY($1)
		ORDER BY p.id
		FOR UPDATE OF p
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]domain.Product, len(sorted))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		found[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales s
		WHERE s.id = $1
		FOR UPDATE
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}
	items, err := saleItems(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		sale.Items = append(sale.Items, item.SaleItem)
	}
	return sale, nil
}

func (t *pgTx) LockOutboxTask(ctx context.Context, id string) (*domain.OutboxTask, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_tasks
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanOutboxTask(row)
}

func (t *pgTx) LockOutboxTasksFor(ctx context.Context, aggregateID string) ([]domain.OutboxTask, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_tasks
		WHERE aggregate_id = $1
		ORDER BY created_at, id
		FOR UPDATE
	`, aggregateID)
	if err != nil {
		return nil, err
	}
	return collectOutboxTasks(rows)
}

func (t *pgTx) Apply(ctx context.Context, batch store.Batch) error {
	for _, op := range batch {
		if err := t.apply(ctx, op); err != nil {
			return fmt.Errorf("%s: %w", op.OpName(), err)
		}
	}
	return nil
}

func (t *pgTx) apply(ctx context.Context, op store.Op) error {
	switch o := op.(type) {
	case store.InsertSale:
		return t.insertSale(ctx, o.Sale)

	case store.AdjustStock:
		res, err := t.tx.ExecContext(ctx, `
			UPDATE products
			SET stock = $3, updated_at = now()
			WHERE id = $1 AND stock = $2
		`, o.ProductID, o.Previous, o.New)
		if err != nil {
			if isCheckViolation(err) {
				return store.ErrInsufficientStock
			}
			return err
		}
		return expectOneRow(res, store.ErrConflict)

	case store.AppendStockMovement:
		m := o.Movement
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, product_id, type, quantity, previous_stock, new_stock, reason, user_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, m.ID, m.ProductID, m.Type, m.Quantity, m.PreviousStock, m.NewStock, m.Reason, nullIfEmpty(m.UserID), m.CreatedAt)
		return err

	case store.AppendCustomerTransaction:
		e := o.Entry
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO customer_transactions (id, customer_id, type, amount, description, reference, user_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, e.ID, e.CustomerID, e.Type, e.Amount, e.Description, e.Reference, nullIfEmpty(e.UserID), e.CreatedAt)
		return err

	case store.AppendCashMovement:
		m := o.Movement
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, cash_session_id, type, amount, description, payment_method, sale_id, user_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, m.ID, m.CashSessionID, m.Type, m.Amount, m.Description, m.PaymentMethod, nullIfEmpty(m.SaleID), nullIfEmpty(m.UserID), m.CreatedAt)
		return err

	case store.EnqueueOutbox:
		task := o.Task
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO outbox_tasks (id, kind, aggregate_id, payload, status, attempts, last_error, next_attempt_at, created_at)
			VALUES ($1,$2,$3,$4,$5,0,'',$6,$7)
		`, task.ID, task.Kind, task.AggregateID, string(task.Payload), domain.OutboxPending, task.NextAttemptAt, task.CreatedAt)
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err

	case store.MarkOutboxDelivered:
		res, err := t.tx.ExecContext(ctx, `
			UPDATE outbox_tasks
			SET status = $2, delivered_at = $3, attempts = attempts + 1
			WHERE id = $1 AND status = $4
		`, o.TaskID, domain.OutboxDelivered, o.At, domain.OutboxPending)
		if err != nil {
			return err
		}
		return expectOneRow(res, store.ErrConflict)

	case store.VoidOutboxTask:
		res, err := t.tx.ExecContext(ctx, `
			UPDATE outbox_tasks
			SET status = $2, last_error = $3
			WHERE id = $1 AND status IN ($4, $5)
		`, o.TaskID, domain.OutboxVoided, o.Reason, domain.OutboxPending, domain.OutboxDead)
		if err != nil {
			return err
		}
		return expectOneRow(res, store.ErrConflict)

	case store.MarkSaleCancelled:
		res, err := t.tx.ExecContext(ctx, `
			UPDATE sales
			SET status = $2, cancellation_reason = $3, cancelled_by = $4, cancelled_at = $5, notes = $6
			WHERE id = $1 AND status = $7
		`, o.SaleID, domain.SaleStatusCancelled, o.Reason, nullIfEmpty(o.CancelledBy), o.At, o.Notes, domain.SaleStatusCompleted)
		if err != nil {
			return err
		}
		return expectOneRow(res, store.ErrConflict)

	default:
		return fmt.Errorf("unsupported op %T", op)
	}
}

func (t *pgTx) insertSale(ctx context.Context, sale domain.Sale) error {
	var allocations []byte
	if len(sale.PaymentMethods) > 0 {
		encoded, err := json.Marshal(sale.PaymentMethods)
		if err != nil {
			return err
		}
		allocations = encoded
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, subtotal, tax, total, payment_method, payment_methods, payment_data,
			customer_id, user_id, status, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, sale.Subtotal, sale.Tax, sale.Total, sale.PaymentMethod, nullJSON(allocations), nullJSON(sale.PaymentData),
		sale.CustomerID, nullIfEmpty(sale.UserID), sale.Status, sale.Notes, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1,$2,$3,$4,$5,$6)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range sale.Items {
		if _, err := stmt.ExecContext(ctx, item.ID, sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func expectOneRow(res sql.Result, otherwise error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return otherwise
	}
	return nil
}

// isRetryable reports a serialization failure or a deadlock; both roll the
// transaction back and are safe to run again from the start.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyOpen        = errors.New("cash session already open")
	// ErrConflict reports a lost race: a compare-and-set guard did not match
	// or a row was already in the target state.
	ErrConflict = errors.New("conflict")
)

// Reader is the read surface shared by the repository and an open Tx.
type Reader interface {
	GetOpenCashSession(ctx context.Context) (*domain.CashSession, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

// Tx is one atomic unit of work. Lock* methods take row locks that are held
// until the surrounding WithinTx returns.
type Tx interface {
	Reader
	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	// LockProducts returns the products found among ids; absent ids are
	// simply missing from the map.
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// LockSale returns the sale with its items.
	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	LockOutboxTask(ctx context.Context, id string) (*domain.OutboxTask, error)
	// LockOutboxTasksFor returns every task of an aggregate in creation order.
	LockOutboxTasksFor(ctx context.Context, aggregateID string) ([]domain.OutboxTask, error)
	// Apply executes the batch in order. Any failure aborts the whole Tx.
	Apply(ctx context.Context, batch Batch) error
}

type Repository interface {
	Reader
	// WithinTx runs fn in a transaction that commits only if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error

	EnsureDefaultCustomer(ctx context.Context) (*domain.Customer, error)
	CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	ListCustomerTransactions(ctx context.Context, customerID string) ([]domain.CustomerTransaction, error)

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListStockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)

	GetSaleDetail(ctx context.Context, id string) (*domain.SaleDetail, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, int, error)

	OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, closedBy string, closedAt time.Time) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	ListDueOutboxTasks(ctx context.Context, now time.Time, limit int) ([]domain.OutboxTask, error)
	ListUndeliveredOutboxTasks(ctx context.Context, limit int) ([]domain.OutboxTask, error)
	RecordOutboxFailure(ctx context.Context, id string, lastError string, nextAttemptAt time.Time, dead bool) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Batch is an ordered list of mutations executed all-or-nothing.
type Batch []Op

func (b *Batch) Add(ops ...Op) {
	*b = append(*b, ops...)
}

// Op is one mutation inside a Batch.
type Op interface {
	OpName() string
}

type InsertSale struct {
	Sale domain.Sale
}

// AdjustStock sets a product's stock to New, guarded by Previous.
type AdjustStock struct {
	ProductID string
	Previous  decimal.Decimal
	New       decimal.Decimal
}

type AppendStockMovement struct {
	Movement domain.StockMovement
}

type AppendCustomerTransaction struct {
	Entry domain.CustomerTransaction
}

type AppendCashMovement struct {
	Movement domain.CashMovement
}

type EnqueueOutbox struct {
	Task domain.OutboxTask
}

type MarkOutboxDelivered struct {
	TaskID string
	At     time.Time
}

// VoidOutboxTask retires a pending or dead task without delivering it.
type VoidOutboxTask struct {
	TaskID string
	Reason string
}

// MarkSaleCancelled moves a completed sale to cancelled. Notes replaces the
// stored notes.
type MarkSaleCancelled struct {
	SaleID      string
	Reason      string
	CancelledBy string
	At          time.Time
	Notes       string
}

func (InsertSale) OpName() string                { return "insert_sale" }
func (AdjustStock) OpName() string               { return "adjust_stock" }
func (AppendStockMovement) OpName() string       { return "append_stock_movement" }
func (AppendCustomerTransaction) OpName() string { return "append_customer_transaction" }
func (AppendCashMovement) OpName() string        { return "append_cash_movement" }
func (EnqueueOutbox) OpName() string             { return "enqueue_outbox" }
func (MarkOutboxDelivered) OpName() string       { return "mark_outbox_delivered" }
func (VoidOutboxTask) OpName() string            { return "void_outbox_task" }
func (MarkSaleCancelled) OpName() string         { return "mark_sale_cancelled" }

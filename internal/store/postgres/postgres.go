package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("schema migrated")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const maxTxAttempts = 3

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetOpenCashSession(ctx context.Context) (*domain.CashSession, error) {
	return openCashSession(ctx, s.db, "")
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id, "")
}

func (s *Store) CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	return customerBalance(ctx, s.db, customerID)
}

func (s *Store) EnsureDefaultCustomer(ctx context.Context) (*domain.Customer, error) {
	customer, err := s.findDefaultCustomer(ctx)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	id := xid.New("cust")
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, document_type, document_number, credit_limit, active, notes, created_at)
		VALUES ($1, $2, 'DNI', $3, 0, true, 'Default customer for quick sales. Cannot use on-account payment.', now())
		ON CONFLICT DO NOTHING
	`, id, domain.DefaultCustomerName, domain.DefaultCustomerDocument)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		s.logger.Info("default customer created", zap.String("customer_id", id))
	}
	// a concurrent creator may have won the insert
	return s.findDefaultCustomer(ctx)
}

func (s *Store) findDefaultCustomer(ctx context.Context) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE document_number = $1 AND name = $2 AND active = true
		ORDER BY created_at
		LIMIT 1
	`, domain.DefaultCustomerDocument, domain.DefaultCustomerName)
	return scanCustomer(row)
}

func (s *Store) ListCustomerTransactions(ctx context.Context, customerID string) ([]domain.CustomerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, amount, description, reference, COALESCE(user_id, ''), created_at
		FROM customer_transactions
		WHERE customer_id = $1
		ORDER BY created_at, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CustomerTransaction, 0, 16)
	for rows.Next() {
		var e domain.CustomerTransaction
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Type, &e.Amount, &e.Description, &e.Reference, &e.UserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE p.id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	product, err := scanProduct(rows)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, previous_stock, new_stock, reason, COALESCE(user_id, ''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at, id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.PreviousStock, &m.NewStock, &m.Reason, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionOpen
	session.ClosedAt = nil
	session.ClosedBy = ""

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, status, opening_amount, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5)
	`, session.ID, session.Status, session.OpeningAmount, nullIfEmpty(session.OpenedBy), session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyOpen
		}
		return nil, err
	}
	saved := session
	return &saved, nil
}

func (s *Store) CloseCashSession(ctx context.Context, closedBy string, closedAt time.Time) (*domain.CashSession, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = $1, closed_by = $2, closed_at = $3
		WHERE status = $4
		RETURNING `+cashSessionColumns+`
	`, domain.CashSessionClosed, nullIfEmpty(closedBy), closedAt, domain.CashSessionOpen)
	return scanCashSession(row)
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE id = $1
	`, id)
	return scanCashSession(row)
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cash_session_id, type, amount, description, payment_method,
			COALESCE(sale_id, ''), COALESCE(user_id, ''), created_at
		FROM cash_movements
		WHERE ($1 = '' OR cash_session_id = $1)
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 16)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.CashSessionID, &m.Type, &m.Amount, &m.Description, &m.PaymentMethod, &m.SaleID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ListDueOutboxTasks(ctx context.Context, now time.Time, limit int) ([]domain.OutboxTask, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_tasks
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY created_at, id
		LIMIT $3
	`, domain.OutboxPending, now, limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxTasks(rows)
}

func (s *Store) ListUndeliveredOutboxTasks(ctx context.Context, limit int) ([]domain.OutboxTask, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_tasks
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at, id
		LIMIT $3
	`, domain.OutboxDelivered, domain.OutboxVoided, limit)
	if err != nil {
		return nil, err
	}
	return collectOutboxTasks(rows)
}

func (s *Store) RecordOutboxFailure(ctx context.Context, id string, lastError string, nextAttemptAt time.Time, dead bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET attempts = attempts + 1,
			last_error = $2,
			next_attempt_at = $3,
			status = CASE WHEN $4 THEN $5 ELSE status END
		WHERE id = $1 AND status = $6
	`, id, lastError, nextAttemptAt, dead, domain.OutboxDead, domain.OutboxPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM outbox_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,true,$5)
	`, user.Username, user.FullName, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, full_name, password, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.FullName, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const (
	customerColumns    = `id, name, document_type, document_number, credit_limit, active, notes, created_at`
	cashSessionColumns = `id, status, opening_amount, COALESCE(opened_by, ''), opened_at, COALESCE(closed_by, ''), closed_at`
	outboxColumns      = `id, kind, aggregate_id, payload, status, attempts, last_error, next_attempt_at, created_at, delivered_at`
	productColumns     = `p.id, p.name, COALESCE(p.barcode, ''), p.unit_type, COALESCE(c.name, ''), p.stock, p.active`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func getCustomer(ctx context.Context, q querier, id string, lock string) (*domain.Customer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`+lock, id)
	return scanCustomer(row)
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Name, &c.DocumentType, &c.DocumentNumber, &c.CreditLimit, &c.Active, &c.Notes, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// customerBalance folds the ledger with charge and debit_adjustment counted
// as owed and every other entry type counted as settled.
func customerBalance(ctx context.Context, q querier, customerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type IN ($2, $3) THEN amount ELSE -amount END), 0)
		FROM customer_transactions
		WHERE customer_id = $1
	`, customerID, domain.CustomerTxCharge, domain.CustomerTxDebitAdjustment).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func openCashSession(ctx context.Context, q querier, lock string) (*domain.CashSession, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE status = $1
		ORDER BY opened_at DESC
		LIMIT 1
	`+lock, domain.CashSessionOpen)
	return scanCashSession(row)
}

func scanCashSession(row rowScanner) (*domain.CashSession, error) {
	var (
		session  domain.CashSession
		closedAt sql.NullTime
	)
	if err := row.Scan(&session.ID, &session.Status, &session.OpeningAmount, &session.OpenedBy, &session.OpenedAt, &session.ClosedBy, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Barcode, &p.UnitType, &p.CategoryName, &p.Stock, &p.Active)
	return p, err
}

func scanOutboxTask(row rowScanner) (*domain.OutboxTask, error) {
	var (
		task        domain.OutboxTask
		payload     []byte
		deliveredAt sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.Kind, &task.AggregateID, &payload, &task.Status, &task.Attempts,
		&task.LastError, &task.NextAttemptAt, &task.CreatedAt, &deliveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	task.Payload = json.RawMessage(payload)
	task.NextAttemptAt = task.NextAttemptAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		task.DeliveredAt = &at
	}
	return &task, nil
}

func collectOutboxTasks(rows *sql.Rows) ([]domain.OutboxTask, error) {
	defer rows.Close()

	tasks := make([]domain.OutboxTask, 0, 16)
	for rows.Next() {
		task, err := scanOutboxTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullJSON(val []byte) any {
	if len(val) == 0 {
		return nil
	}
	return string(val)
}

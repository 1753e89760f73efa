package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	logger          *zap.Logger
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	customerTxs     []domain.CustomerTransaction
	salesByID       map[string]domain.Sale
	saleOrder       []string
	stockMovements  []domain.StockMovement
	sessionsByID    map[string]domain.CashSession
	openSessionID   string
	cashMovements   []domain.CashMovement
	outboxByID      map[string]domain.OutboxTask
	outboxOrder     []string
	usersByUsername map[string]domain.UserAccount
	failpoints      map[string]error
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:          logger,
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]domain.Sale),
		sessionsByID:    make(map[string]domain.CashSession),
		outboxByID:      make(map[string]domain.OutboxTask),
		usersByUsername: make(map[string]domain.UserAccount),
		failpoints:      make(map[string]error),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with hardcoded fallbacks.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		fullName string
		password string
		role     string
	}{
		{"admin", "Store Admin", adminPwd, "admin"},
		{"cashier", "Front Cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			FullName:  u.fullName,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo catalogue, customers and users.
func NewSeeded(logger *zap.Logger) *Store {
	s := New(logger)
	for _, p := range []domain.Product{
		{ID: "prod-001", Name: "Yerba Mate 1kg", Barcode: "7790387000011", UnitType: "unit", CategoryName: "Almacen", Stock: decimal.NewFromInt(50), Active: true},
		{ID: "prod-002", Name: "Queso Cremoso", Barcode: "2000000000022", UnitType: "kg", CategoryName: "Fiambreria", Stock: decimal.RequireFromString("12.5"), Active: true},
		{ID: "prod-003", Name: "Agua Mineral 2L", Barcode: "7790895000033", UnitType: "unit", CategoryName: "Bebidas", Stock: decimal.NewFromInt(80), Active: true},
		{ID: "prod-004", Name: "Galletitas Surtidas", Barcode: "7790040000044", UnitType: "unit", CategoryName: "Almacen", Stock: decimal.NewFromInt(40), Active: true},
		{ID: "prod-005", Name: "Aceite Girasol 1.5L", Barcode: "7790272000055", UnitType: "unit", CategoryName: "Almacen", Stock: decimal.NewFromInt(10), Active: false},
	} {
		s.products[p.ID] = p
	}
	now := time.Now().UTC()
	for _, c := range []domain.Customer{
		{ID: "cust-001", Name: "Distribuidora Norte", DocumentType: "CUIT", DocumentNumber: "30712345678", CreditLimit: decimal.NewFromInt(5000), Active: true, CreatedAt: now},
		{ID: "cust-002", Name: "Laura Benitez", DocumentType: "DNI", DocumentNumber: "28123456", CreditLimit: decimal.NewFromInt(80), Active: true, CreatedAt: now},
		{ID: "cust-003", Name: "Cliente Inactivo", DocumentType: "DNI", DocumentNumber: "30111222", CreditLimit: decimal.NewFromInt(1000), Active: false, CreatedAt: now},
	} {
		s.customers[c.ID] = c
	}
	s.usersByUsername = seedUsers(s.logger)
	return s
}

// PutProduct inserts or replaces a catalogue entry.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// DeleteProduct removes a catalogue entry.
func (s *Store) DeleteProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.customers[c.ID] = c
}

// FailOn makes the next Apply that reaches an op named opName fail with err.
// A nil err clears the failpoint.
func (s *Store) FailOn(opName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failpoints, opName)
		return
	}
	s.failpoints[opName] = err
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) GetOpenCashSession(_ context.Context) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openSessionLocked()
}

func (s *Store) openSessionLocked() (*domain.CashSession, error) {
	if s.openSessionID == "" {
		return nil, store.ErrNotFound
	}
	session, ok := s.sessionsByID[s.openSessionID]
	if !ok || session.Status != domain.CashSessionOpen {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customerLocked(id)
}

func (s *Store) customerLocked(id string) (*domain.Customer, error) {
	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) EnsureDefaultCustomer(_ context.Context) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.customers {
		if c.Active && c.IsDefault() {
			found := c
			return &found, nil
		}
	}
	customer := domain.Customer{
		ID:             xid.New("cust"),
		Name:           domain.DefaultCustomerName,
		DocumentType:   "DNI",
		DocumentNumber: domain.DefaultCustomerDocument,
		CreditLimit:    decimal.Zero,
		Active:         true,
		Notes:          "Default customer for quick sales. Cannot use on-account payment.",
		CreatedAt:      time.Now().UTC(),
	}
	s.customers[customer.ID] = customer
	s.logger.Info("default customer created", zap.String("customer_id", customer.ID))
	return &customer, nil
}

func (s *Store) CustomerBalance(_ context.Context, customerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(customerID), nil
}

func (s *Store) balanceLocked(customerID string) decimal.Decimal {
	balance := decimal.Zero
	for _, entry := range s.customerTxs {
		if entry.CustomerID != customerID {
			continue
		}
		if domain.BalanceSign(entry.Type) > 0 {
			balance = balance.Add(entry.Amount)
		} else {
			balance = balance.Sub(entry.Amount)
		}
	}
	return balance
}

func (s *Store) ListCustomerTransactions(_ context.Context, customerID string) ([]domain.CustomerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CustomerTransaction, 0)
	for _, entry := range s.customerTxs {
		if entry.CustomerID == customerID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0)
	for _, m := range s.stockMovements {
		if productID == "" || m.ProductID == productID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

func (s *Store) GetSaleDetail(_ context.Context, id string) (*domain.SaleDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale = cloneSale(sale)

	detail := domain.SaleDetail{
		Sale:                 sale,
		PaymentMethodDisplay: domain.PaymentMethodLabel(sale.PaymentMethod),
		CashierName:          s.userNameLocked(sale.UserID),
		CancelledByName:      s.userNameLocked(sale.CancelledBy),
		ItemDetails:          make([]domain.SaleItemDetail, 0, len(sale.Items)),
	}
	if customer, ok := s.customers[sale.CustomerID]; ok {
		detail.CustomerName = customer.Name
		detail.CustomerDocument = customer.DocumentNumber
	}
	for _, alloc := range sale.PaymentMethods {
		detail.PaymentMethodsDetail = append(detail.PaymentMethodsDetail, domain.AllocationDetail{
			Allocation:    alloc,
			MethodDisplay: domain.PaymentMethodLabel(alloc.Method),
		})
	}
	for _, item := range sale.Items {
		line := domain.SaleItemDetail{SaleItem: item}
		if product, ok := s.products[item.ProductID]; ok {
			line.ProductName = product.Name
			line.Barcode = product.Barcode
			line.UnitType = product.UnitType
			line.CategoryName = product.CategoryName
		}
		detail.ItemDetails = append(detail.ItemDetails, line)
	}
	return &detail, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.SaleSummary, 0)
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		created := dateOnly(sale.CreatedAt)
		if filter.StartDate != nil && created.Before(dateOnly(*filter.StartDate)) {
			continue
		}
		if filter.EndDate != nil && created.After(dateOnly(*filter.EndDate)) {
			continue
		}
		if filter.PaymentMethod != "" && !sale.Payment().Uses(filter.PaymentMethod) {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
			continue
		}

		summary := domain.SaleSummary{
			Sale:                 cloneSale(sale),
			PaymentMethodDisplay: domain.PaymentMethodLabel(sale.PaymentMethod),
			CashierName:          s.userNameLocked(sale.UserID),
			ItemsCount:           len(sale.Items),
			TotalItems:           decimal.Zero,
		}
		summary.Items = nil
		if customer, ok := s.customers[sale.CustomerID]; ok {
			summary.CustomerName = customer.Name
			summary.CustomerDocument = customer.DocumentNumber
		}
		for _, item := range sale.Items {
			summary.TotalItems = summary.TotalItems.Add(item.Quantity)
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(sale.ID), search) &&
			!strings.Contains(strings.ToLower(summary.CustomerName), search) &&
			!strings.Contains(strings.ToLower(summary.CashierName), search) {
			continue
		}
		matched = append(matched, summary)
	}

	slices.SortStableFunc(matched, func(a, b domain.SaleSummary) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	total := len(matched)
	offset := filter.Offset()
	if offset >= total {
		return []domain.SaleSummary{}, total, nil
	}
	end := offset + filter.Limit
	if filter.Limit < 1 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) OpenCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.openSessionLocked(); err == nil {
		return nil, store.ErrAlreadyOpen
	}
	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionOpen
	session.ClosedAt = nil
	session.ClosedBy = ""

	s.sessionsByID[session.ID] = session
	s.openSessionID = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) CloseCashSession(_ context.Context, closedBy string, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.openSessionLocked()
	if err != nil {
		return nil, err
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionClosed
	session.ClosedBy = closedBy
	session.ClosedAt = &closedAt

	s.sessionsByID[session.ID] = *session
	s.openSessionID = ""
	return session, nil
}

func (s *Store) GetCashSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.CashMovement, 0)
	for _, m := range s.cashMovements {
		if sessionID == "" || m.CashSessionID == sessionID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

func (s *Store) ListDueOutboxTasks(_ context.Context, now time.Time, limit int) ([]domain.OutboxTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]domain.OutboxTask, 0)
	for _, id := range s.outboxOrder {
		task := s.outboxByID[id]
		if task.Status != domain.OutboxPending || task.NextAttemptAt.After(now) {
			continue
		}
		tasks = append(tasks, cloneOutboxTask(task))
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	return tasks, nil
}

func (s *Store) ListUndeliveredOutboxTasks(_ context.Context, limit int) ([]domain.OutboxTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]domain.OutboxTask, 0)
	for _, id := range s.outboxOrder {
		task := s.outboxByID[id]
		if task.Status == domain.OutboxDelivered || task.Status == domain.OutboxVoided {
			continue
		}
		tasks = append(tasks, cloneOutboxTask(task))
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	return tasks, nil
}

func (s *Store) RecordOutboxFailure(_ context.Context, id string, lastError string, nextAttemptAt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.outboxByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if task.Status != domain.OutboxPending {
		return store.ErrConflict
	}
	task.Attempts++
	task.LastError = lastError
	task.NextAttemptAt = nextAttemptAt
	if dead {
		task.Status = domain.OutboxDead
	}
	s.outboxByID[id] = task
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) userNameLocked(username string) string {
	if username == "" {
		return ""
	}
	if user, ok := s.usersByUsername[username]; ok && user.FullName != "" {
		return user.FullName
	}
	return username
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.PaymentMethods = slices.Clone(src.PaymentMethods)
	dup.PaymentData = slices.Clone(src.PaymentData)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return dup
}

func cloneOutboxTask(src domain.OutboxTask) domain.OutboxTask {
	dup := src
	dup.Payload = slices.Clone(src.Payload)
	if src.DeliveredAt != nil {
		at := *src.DeliveredAt
		dup.DeliveredAt = &at
	}
	return dup
}

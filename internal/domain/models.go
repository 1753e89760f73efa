package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Barcode      string          `json:"barcode,omitempty"`
	UnitType     string          `json:"unit_type"`
	CategoryName string          `json:"category_name,omitempty"`
	Stock        decimal.Decimal `json:"stock"`
	Active       bool            `json:"active"`
}

type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	DocumentType   string          `json:"document_type"`
	DocumentNumber string          `json:"document_number"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	Active         bool            `json:"active"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsDefault reports whether c is the reserved walk-in identity.
func (c Customer) IsDefault() bool {
	return c.DocumentNumber == DefaultCustomerDocument && c.Name == DefaultCustomerName
}

type Sale struct {
	ID                 string          `json:"id"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	Tax                decimal.Decimal `json:"tax"`
	Total              decimal.Decimal `json:"total"`
	PaymentMethod      string          `json:"payment_method"`
	PaymentMethods     []Allocation    `json:"payment_methods,omitempty"`
	PaymentData        json.RawMessage `json:"payment_data,omitempty"`
	CustomerID         string          `json:"customer_id"`
	UserID             string          `json:"user_id,omitempty"`
	Status             string          `json:"status"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CancelledBy        string          `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	Items              []SaleItem      `json:"items,omitempty"`
}

// Payment rebuilds the tagged payment variant from the persisted columns.
func (s Sale) Payment() Payment {
	if s.PaymentMethod == PaymentMultiple && len(s.PaymentMethods) > 1 {
		return SplitPayment(s.PaymentMethods)
	}
	return SinglePayment(s.PaymentMethod)
}

type SaleItem struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type StockMovement struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	NewStock      decimal.Decimal `json:"new_stock"`
	Reason        string          `json:"reason"`
	UserID        string          `json:"user_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CashSession struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	OpenedBy      string          `json:"opened_by,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedBy      string          `json:"closed_by,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

type CashMovement struct {
	ID            string          `json:"id"`
	CashSessionID string          `json:"cash_session_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	PaymentMethod string          `json:"payment_method"`
	SaleID        string          `json:"sale_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CustomerTransaction struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	UserID      string          `json:"user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BalanceSign is +1 for entry types that increase what the customer owes.
func BalanceSign(txType string) int {
	switch txType {
	case CustomerTxCharge, CustomerTxDebitAdjustment:
		return 1
	default:
		return -1
	}
}

type OutboxTask struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

// CashMovementPayload is the body of an OutboxKindCashMovement task.
type CashMovementPayload struct {
	CashSessionID string          `json:"cash_session_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	PaymentMethod string          `json:"payment_method"`
	SaleID        string          `json:"sale_id"`
	UserID        string          `json:"user_id,omitempty"`
}

type UserAccount struct {
	Username  string
	FullName  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type SaleItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateSaleRequest struct {
	Items          []SaleItemRequest `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Tax            decimal.Decimal   `json:"tax"`
	Total          decimal.Decimal   `json:"total"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentMethods []Allocation      `json:"payment_methods,omitempty"`
	PaymentData    json.RawMessage   `json:"payment_data,omitempty"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

type CancelSaleRequest struct {
	SaleID string `json:"-"`
	Reason string `json:"reason,omitempty"`
}

type CancelSaleResponse struct {
	SaleID        string          `json:"saleId"`
	Reason        string          `json:"reason"`
	StockRestored int             `json:"stockRestored"`
	TotalReverted decimal.Decimal `json:"totalReverted"`
	CancelledBy   string          `json:"cancelled_by,omitempty"`
	CancelledAt   time.Time       `json:"cancelled_at"`
}

type SaleItemDetail struct {
	SaleItem
	ProductName  string `json:"product_name"`
	Barcode      string `json:"barcode,omitempty"`
	UnitType     string `json:"unit_type,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
}

type AllocationDetail struct {
	Allocation
	MethodDisplay string `json:"method_display"`
}

type SaleDetail struct {
	Sale
	PaymentMethodDisplay string             `json:"payment_method_display"`
	PaymentMethodsDetail []AllocationDetail `json:"payment_methods_detail,omitempty"`
	CashierName          string             `json:"cashier_name,omitempty"`
	CustomerName         string             `json:"customer_name,omitempty"`
	CustomerDocument     string             `json:"customer_document,omitempty"`
	CancelledByName      string             `json:"cancelled_by_name,omitempty"`
	ItemDetails          []SaleItemDetail   `json:"items"`
}

type SaleSummary struct {
	Sale
	PaymentMethodDisplay string          `json:"payment_method_display"`
	CashierName          string          `json:"cashier_name,omitempty"`
	CustomerName         string          `json:"customer_name,omitempty"`
	CustomerDocument     string          `json:"customer_document,omitempty"`
	ItemsCount           int             `json:"items_count"`
	TotalItems           decimal.Decimal `json:"total_items"`
}

// SaleListQuery carries the raw list parameters as received.
type SaleListQuery struct {
	StartDate     string
	EndDate       string
	PaymentMethod string
	Status        string
	CustomerID    string
	Search        string
	Page          string
	Limit         string
}

type SaleFilter struct {
	StartDate     *time.Time
	EndDate       *time.Time
	PaymentMethod string
	Status        string
	CustomerID    string
	Search        string
	Page          int
	Limit         int
}

// Offset is the zero-based row offset of the current page.
func (f SaleFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type SaleListResponse struct {
	Sales      []SaleSummary `json:"sales"`
	Pagination Pagination    `json:"pagination"`
}

type CashSessionOpenRequest struct {
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type CashSessionResponse struct {
	Session   CashSession     `json:"session"`
	Movements []CashMovement  `json:"movements,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	StockMovementOut = "out"
	StockMovementIn  = "in"
)

const (
	CashSessionOpen   = "open"
	CashSessionClosed = "closed"
)

const (
	CashMovementSale       = "sale"
	CashMovementWithdrawal = "withdrawal"
	CashMovementDeposit    = "deposit"
)

const (
	CustomerTxCharge           = "charge"
	CustomerTxCreditAdjustment = "credit_adjustment"
	CustomerTxDebitAdjustment  = "debit_adjustment"
	CustomerTxPayment          = "payment"
)

const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxDead      = "dead"
	// OutboxVoided marks a task made moot before delivery, such as the cash
	// movement of a sale cancelled while its task was still undelivered.
	OutboxVoided = "voided"

	OutboxKindCashMovement = "cash_movement"
)

const (
	DefaultCustomerDocument = "00000000"
	DefaultCustomerName     = "Consumidor Final"
)

// Package apperror carries machine-readable error codes from the service layer
// to the HTTP adapter.
package apperror

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindPrecondition
	KindConflict
	KindNotFound
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

const (
	CodeCashClosed             = "CASH_CLOSED"
	CodeNoItems                = "NO_ITEMS"
	CodeInvalidProductID       = "INVALID_PRODUCT_ID"
	CodeInvalidQuantity        = "INVALID_QUANTITY"
	CodeInvalidUnitPrice       = "INVALID_UNIT_PRICE"
	CodeInvalidPaymentMethod   = "INVALID_PAYMENT_METHOD"
	CodeInvalidPaymentAmount   = "INVALID_PAYMENT_AMOUNT"
	CodePaymentAmountMismatch  = "PAYMENT_AMOUNT_MISMATCH"
	CodeInvalidSubtotal        = "INVALID_SUBTOTAL"
	CodeInvalidTotal           = "INVALID_TOTAL"
	CodeCalculationError       = "CALCULATION_ERROR"
	CodeDefaultCustomerError   = "DEFAULT_CUSTOMER_ERROR"
	CodeCustomerRequired       = "CUSTOMER_REQUIRED"
	CodeCustomerNotFound       = "CUSTOMER_NOT_FOUND"
	CodeDefaultCustomerNoCred  = "DEFAULT_CUSTOMER_NO_CREDIT"
	CodeCreditLimitExceeded    = "CREDIT_LIMIT_EXCEEDED"
	CodeProductNotFound        = "PRODUCT_NOT_FOUND"
	CodeProductInactive        = "PRODUCT_INACTIVE"
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeSaleCreateError        = "SALE_CREATE_ERROR"
	CodeInvalidSaleID          = "INVALID_SALE_ID"
	CodeSaleNotFoundOrCanceled = "SALE_NOT_FOUND_OR_CANCELLED"
	CodeSaleCancelError        = "SALE_CANCEL_ERROR"
	CodeSalesFetchError        = "SALES_FETCH_ERROR"
	CodeSaleNotFound           = "SALE_NOT_FOUND"
	CodeSaleFetchError         = "SALE_FETCH_ERROR"
	CodeInvalidDate            = "INVALID_DATE"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidCustomerID      = "INVALID_CUSTOMER_ID"
	CodeCashSessionOpen        = "CASH_SESSION_ALREADY_OPEN"
	CodeCashSessionNotOpen     = "CASH_SESSION_NOT_OPEN"
	CodeCashSessionError       = "CASH_SESSION_ERROR"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeRateLimited            = "RATE_LIMIT_EXCEEDED"
	CodeNotFound               = "NOT_FOUND"
	CodeMethodNotAllowed       = "METHOD_NOT_ALLOWED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error is a classified failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Status overrides the HTTP status derived from Kind when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus resolves the response status for e.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindPrecondition:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WithStatus returns a copy of e answering with status.
func (e *Error) WithStatus(status int) *Error {
	copied := *e
	copied.Status = status
	return &copied
}

func New(kind Kind, code string, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code string, message string) *Error {
	return New(KindValidation, code, message)
}

func Precondition(code string, message string) *Error {
	return New(KindPrecondition, code, message)
}

func Conflict(code string, message string) *Error {
	return New(KindConflict, code, message)
}

func NotFound(code string, message string) *Error {
	return New(KindNotFound, code, message)
}

// Infrastructure wraps an unexpected failure. The message is safe to show
// to clients; err is kept for logs.
func Infrastructure(code string, message string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Code: code, Message: message, Err: err}
}

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not classified.
func CodeOf(err error) string {
	if appErr, ok := From(err); ok {
		return appErr.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := From(err)
	return ok && appErr.Kind == kind
}

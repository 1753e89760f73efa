package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

// resolveWalkInCustomer picks the customer for a sale with no on-account
// allocation: the requested one when it is active, otherwise the default.
func (s *Service) resolveWalkInCustomer(ctx context.Context, requestedID string) (*domain.Customer, error) {
	if id := strings.TrimSpace(requestedID); id != "" {
		customer, err := s.repo.GetCustomer(ctx, id)
		switch {
		case err == nil && customer.Active:
			return customer, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	customer, err := s.repo.EnsureDefaultCustomer(ctx)
	if err != nil {
		return nil, apperror.Infrastructure(apperror.CodeDefaultCustomerError, "default customer unavailable", err)
	}
	return customer, nil
}

// resolveCreditCustomer locks the customer an on-account sale is charged to.
func resolveCreditCustomer(ctx context.Context, tx store.Tx, requestedID string) (*domain.Customer, error) {
	id := strings.TrimSpace(requestedID)
	if id == "" {
		return nil, apperror.Precondition(apperror.CodeCustomerRequired, "a valid customer is required for on-account payment")
	}

	customer, err := tx.LockCustomer(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !customer.Active) {
		return nil, apperror.NotFound(apperror.CodeCustomerNotFound, "customer not found or inactive").
			WithStatus(http.StatusBadRequest)
	}
	if err != nil {
		return nil, err
	}
	if customer.IsDefault() {
		return nil, apperror.Precondition(apperror.CodeDefaultCustomerNoCred,
			fmt.Sprintf("customer %q cannot use on-account payment", domain.DefaultCustomerName))
	}
	return customer, nil
}

// checkCreditLimit rejects when the current balance plus amount would exceed
// the customer's limit. Landing exactly on the limit is allowed.
func checkCreditLimit(ctx context.Context, tx store.Tx, customer *domain.Customer, amount decimal.Decimal) error {
	balance, err := tx.CustomerBalance(ctx, customer.ID)
	if err != nil {
		return err
	}
	if balance.Add(amount).GreaterThan(customer.CreditLimit) {
		return apperror.Conflict(apperror.CodeCreditLimitExceeded,
			fmt.Sprintf("on-account amount exceeds the customer's credit limit (balance %s, limit %s, requested %s)",
				balance.StringFixed(2), customer.CreditLimit.StringFixed(2), amount.StringFixed(2)))
	}
	return nil
}

// chargeOps writes one charge per on-account allocation.
func chargeOps(sale domain.Sale, allocations []domain.Allocation, itemCount int, at time.Time) []store.Op {
	split := sale.Payment().IsSplit()
	var ops []store.Op
	for _, alloc := range allocations {
		if alloc.Method != domain.PaymentOnAccount {
			continue
		}
		entry := domain.CustomerTransaction{
			ID:          xid.New("ctr"),
			CustomerID:  sale.CustomerID,
			Type:        domain.CustomerTxCharge,
			Amount:      alloc.Amount,
			Description: fmt.Sprintf("Sale of %d product(s)", itemCount),
			Reference:   "Sale #" + sale.ID,
			UserID:      sale.UserID,
			CreatedAt:   at,
		}
		if split {
			entry.Description = "Partial on-account sale: $" + alloc.Amount.StringFixed(2)
			entry.Reference += " (Partial)"
		}
		ops = append(ops, store.AppendCustomerTransaction{Entry: entry})
	}
	return ops
}

// creditAdjustmentOps reverses every on-account charge of a cancelled sale.
func creditAdjustmentOps(sale *domain.Sale, reason string, userID string, at time.Time) []store.Op {
	payment := sale.Payment()
	var ops []store.Op
	for _, alloc := range payment.Allocations(sale.Total) {
		if alloc.Method != domain.PaymentOnAccount {
			continue
		}
		entry := domain.CustomerTransaction{
			ID:          xid.New("ctr"),
			CustomerID:  sale.CustomerID,
			Type:        domain.CustomerTxCreditAdjustment,
			Amount:      alloc.Amount,
			Description: fmt.Sprintf("Cancellation of sale #%s - %s", sale.ID, reason),
			Reference:   "Cancelled sale #" + sale.ID,
			UserID:      userID,
			CreatedAt:   at,
		}
		if payment.IsSplit() {
			entry.Description = fmt.Sprintf("Partial cancellation of sale #%s - %s", sale.ID, reason)
			entry.Reference += " (Partial)"
		}
		ops = append(ops, store.AppendCustomerTransaction{Entry: entry})
	}
	return ops
}

// CustomerBalance is the derived on-account balance of a customer.
func (s *Service) CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, apperror.NotFound(apperror.CodeCustomerNotFound, "customer not found")
		}
		return decimal.Zero, apperror.Infrastructure(apperror.CodeInternal, "failed to load customer", err)
	}
	balance, err := s.repo.CustomerBalance(ctx, customerID)
	if err != nil {
		return decimal.Zero, apperror.Infrastructure(apperror.CodeInternal, "failed to compute balance", err)
	}
	return balance, nil
}

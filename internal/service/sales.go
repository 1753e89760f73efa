package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/payment"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

const defaultCancelReason = "Cancelled by user"

// validateSaleRequest runs every check that needs no datastore access.
func validateSaleRequest(req domain.CreateSaleRequest) (domain.Payment, error) {
	if len(req.Items) == 0 {
		return domain.Payment{}, apperror.Validation(apperror.CodeNoItems, "sale must contain at least one item")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidProductID, fmt.Sprintf("item %d: invalid product id", i+1))
		}
		if !item.Quantity.IsPositive() {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidQuantity, fmt.Sprintf("item %d: quantity must be greater than 0", i+1))
		}
		if !domain.FitsPlaces(item.Quantity, domain.QuantityPlaces) {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidQuantity, fmt.Sprintf("item %d: quantity allows at most 3 decimals", i+1))
		}
		if !item.UnitPrice.IsPositive() {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidUnitPrice, fmt.Sprintf("item %d: unit price must be greater than 0", i+1))
		}
		if !domain.FitsPlaces(item.UnitPrice, domain.MoneyPlaces) {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidUnitPrice, fmt.Sprintf("item %d: unit price allows at most 2 decimals", i+1))
		}
	}
	for _, amount := range []struct {
		value decimal.Decimal
		code  string
		name  string
	}{
		{req.Subtotal, apperror.CodeInvalidSubtotal, "subtotal"},
		{req.Tax, apperror.CodeInvalidAmount, "tax"},
		{req.Total, apperror.CodeInvalidTotal, "total"},
	} {
		if !domain.FitsPlaces(amount.value, domain.MoneyPlaces) {
			return domain.Payment{}, apperror.Validation(amount.code, amount.name+" allows at most 2 decimals")
		}
	}

	pay, err := payment.Validate(req.Total, req.PaymentMethod, req.PaymentMethods)
	if err != nil {
		return domain.Payment{}, err
	}

	if !req.Subtotal.IsPositive() {
		return domain.Payment{}, apperror.Validation(apperror.CodeInvalidSubtotal, "subtotal must be greater than 0")
	}
	if !req.Total.IsPositive() {
		return domain.Payment{}, apperror.Validation(apperror.CodeInvalidTotal, "total must be greater than 0")
	}
	if !payment.WithinTolerance(req.Subtotal.Add(req.Tax), req.Total) {
		return domain.Payment{}, apperror.Validation(apperror.CodeCalculationError,
			fmt.Sprintf("subtotal %s plus tax %s does not match total %s", req.Subtotal, req.Tax, req.Total))
	}
	return pay, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleDetail, error) {
	actor, _ := ActorFromContext(ctx)

	// Fast path: a closed register rejects before any other work. The check
	// is repeated inside the transaction.
	if _, err := requireOpenSession(ctx, s.repo); err != nil {
		return domain.SaleDetail{}, s.reject("create", err, apperror.CodeSaleCreateError, "failed to create sale")
	}

	pay, err := validateSaleRequest(req)
	if err != nil {
		return domain.SaleDetail{}, s.reject("create", err, apperror.CodeSaleCreateError, "failed to create sale")
	}
	onAccount := pay.Uses(domain.PaymentOnAccount)

	var walkIn *domain.Customer
	if !onAccount {
		walkIn, err = s.resolveWalkInCustomer(ctx, req.CustomerID)
		if err != nil {
			return domain.SaleDetail{}, s.reject("create", err, apperror.CodeSaleCreateError, "failed to create sale")
		}
	}

	saleID := xid.New("sale")
	allocations := pay.Allocations(req.Total)
	var (
		sale    domain.Sale
		taskIDs []string
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		now := s.now()
		taskIDs = taskIDs[:0]

		session, err := requireOpenSession(ctx, tx)
		if err != nil {
			return err
		}

		customer := walkIn
		if onAccount {
			customer, err = resolveCreditCustomer(ctx, tx, req.CustomerID)
			if err != nil {
				return err
			}
			if err := checkCreditLimit(ctx, tx, customer, pay.AmountFor(domain.PaymentOnAccount, req.Total)); err != nil {
				return err
			}
		}

		plan, err := planOutflow(ctx, tx, req.Items)
		if err != nil {
			return err
		}

		sale = buildSale(saleID, req, pay, customer.ID, actor.Username, now)

		var batch store.Batch
		batch.Add(store.InsertSale{Sale: sale})
		batch.Add(plan.outflowOps(saleID, actor.Username, now)...)
		batch.Add(chargeOps(sale, allocations, len(req.Items), now)...)
		for _, alloc := range allocations {
			task, err := cashMovementTask(session.ID, sale, alloc, pay.IsSplit(), now)
			if err != nil {
				return err
			}
			batch.Add(store.EnqueueOutbox{Task: task})
			taskIDs = append(taskIDs, task.ID)
		}
		return tx.Apply(ctx, batch)
	})
	if err != nil {
		return domain.SaleDetail{}, s.reject("create", err, apperror.CodeSaleCreateError, "failed to create sale")
	}

	s.metrics.SaleCreated()
	s.logger.Info("sale created",
		zap.String("sale_id", saleID),
		zap.String("payment_method", sale.PaymentMethod),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.String("customer_id", sale.CustomerID),
		zap.String("user", actor.Username),
	)

	// The sale is committed; a failed delivery stays pending for the worker.
	if err := s.dispatcher.Deliver(ctx, taskIDs...); err != nil {
		s.logger.Warn("cash movement delivery deferred", zap.String("sale_id", saleID), zap.Error(err))
	}

	detail, err := s.repo.GetSaleDetail(ctx, saleID)
	if err != nil {
		s.logger.Warn("reload created sale", zap.String("sale_id", saleID), zap.Error(err))
		return fallbackDetail(sale), nil
	}
	s.cacheSale(ctx, detail)
	return *detail, nil
}

func buildSale(saleID string, req domain.CreateSaleRequest, pay domain.Payment, customerID string, userID string, at time.Time) domain.Sale {
	sale := domain.Sale{
		ID:            saleID,
		Subtotal:      req.Subtotal,
		Tax:           req.Tax,
		Total:         req.Total,
		PaymentMethod: pay.Method(),
		CustomerID:    customerID,
		UserID:        userID,
		Status:        domain.SaleStatusCompleted,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     at,
		Items:         make([]domain.SaleItem, 0, len(req.Items)),
	}
	if pay.IsSplit() {
		sale.PaymentMethods = pay.Splits()
	}
	if len(req.PaymentData) > 0 && string(req.PaymentData) != "null" {
		sale.PaymentData = append(json.RawMessage(nil), req.PaymentData...)
	}
	for _, item := range req.Items {
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:        xid.New("item"),
			SaleID:    saleID,
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Quantity.Mul(item.UnitPrice).Round(2),
		})
	}
	return sale
}

// cashMovementTask builds the outbox entry that records one allocation in
// the session's cash ledger.
func cashMovementTask(sessionID string, sale domain.Sale, alloc domain.Allocation, split bool, at time.Time) (domain.OutboxTask, error) {
	description := "Sale #" + sale.ID
	if split {
		description = fmt.Sprintf("Sale #%s (%s)", sale.ID, alloc.Method)
	}
	payload, err := json.Marshal(domain.CashMovementPayload{
		CashSessionID: sessionID,
		Type:          domain.CashMovementSale,
		Amount:        alloc.Amount,
		Description:   description,
		PaymentMethod: alloc.Method,
		SaleID:        sale.ID,
		UserID:        sale.UserID,
	})
	if err != nil {
		return domain.OutboxTask{}, err
	}
	return domain.OutboxTask{
		ID:            xid.New("obx"),
		Kind:          domain.OutboxKindCashMovement,
		AggregateID:   sale.ID,
		Payload:       payload,
		Status:        domain.OutboxPending,
		NextAttemptAt: at,
		CreatedAt:     at,
	}, nil
}

func fallbackDetail(sale domain.Sale) domain.SaleDetail {
	detail := domain.SaleDetail{
		Sale:                 sale,
		PaymentMethodDisplay: domain.PaymentMethodLabel(sale.PaymentMethod),
		ItemDetails:          make([]domain.SaleItemDetail, 0, len(sale.Items)),
	}
	for _, item := range sale.Items {
		detail.ItemDetails = append(detail.ItemDetails, domain.SaleItemDetail{SaleItem: item})
	}
	for _, alloc := range sale.PaymentMethods {
		detail.PaymentMethodsDetail = append(detail.PaymentMethodsDetail, domain.AllocationDetail{
			Allocation:    alloc,
			MethodDisplay: domain.PaymentMethodLabel(alloc.Method),
		})
	}
	return detail
}

func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (domain.CancelSaleResponse, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.CancelSaleResponse{}, s.reject("cancel", err, apperror.CodeSaleCancelError, "failed to cancel sale")
	}

	saleID := strings.TrimSpace(req.SaleID)
	if !xid.Valid("sale", saleID) {
		return domain.CancelSaleResponse{}, s.reject("cancel",
			apperror.Validation(apperror.CodeInvalidSaleID, "invalid sale id"),
			apperror.CodeSaleCancelError, "failed to cancel sale")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}

	var (
		resp   domain.CancelSaleResponse
		voided int
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		now := s.now()

		sale, err := tx.LockSale(ctx, saleID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && sale.Status != domain.SaleStatusCompleted) {
			return apperror.Conflict(apperror.CodeSaleNotFoundOrCanceled, "sale not found or already cancelled").
				WithStatus(http.StatusNotFound)
		}
		if err != nil {
			return err
		}

		plan, err := s.planInflow(ctx, tx, sale)
		if err != nil {
			return err
		}
		sessionID, err := currentSessionID(ctx, tx)
		if err != nil {
			return err
		}
		tasks, err := tx.LockOutboxTasksFor(ctx, sale.ID)
		if err != nil {
			return err
		}
		pay := sale.Payment()
		withdraw, voids := cashCompensation(tasks, pay.Allocations(sale.Total), reason)
		voided = len(voids)

		var batch store.Batch
		batch.Add(store.MarkSaleCancelled{
			SaleID:      sale.ID,
			Reason:      reason,
			CancelledBy: actor.Username,
			At:          now,
			Notes:       sale.Notes + " - Cancelled: " + reason,
		})
		batch.Add(plan.inflowOps(sale.ID, reason, actor.Username, now)...)
		batch.Add(creditAdjustmentOps(sale, reason, actor.Username, now)...)
		batch.Add(voids...)
		switch {
		case len(withdraw) == 0:
		case sessionID != "":
			batch.Add(withdrawalOps(sessionID, sale.ID, withdraw, pay.IsSplit(), reason, actor.Username, now)...)
		default:
			s.logger.Warn("no open cash session, cash ledger not compensated", zap.String("sale_id", sale.ID))
		}
		if err := tx.Apply(ctx, batch); err != nil {
			return err
		}

		resp = domain.CancelSaleResponse{
			SaleID:        sale.ID,
			Reason:        reason,
			StockRestored: len(plan),
			TotalReverted: sale.Total,
			CancelledBy:   actor.Username,
			CancelledAt:   now,
		}
		return nil
	})
	if err != nil {
		return domain.CancelSaleResponse{}, s.reject("cancel", err, apperror.CodeSaleCancelError, "failed to cancel sale")
	}

	if err := s.cache.Delete(ctx, saleID); err != nil {
		s.logger.Warn("evict cancelled sale from cache", zap.String("sale_id", saleID), zap.Error(err))
	}
	s.metrics.SaleCancelled()
	s.logger.Info("sale cancelled",
		zap.String("sale_id", saleID),
		zap.String("reason", reason),
		zap.Int("stock_restored", resp.StockRestored),
		zap.Int("voided_cash_tasks", voided),
		zap.String("user", actor.Username),
	)
	return resp, nil
}

// cashCompensation pairs each allocation of a cancelled sale with its cash
// movement task. A task that never reached the ledger is voided; allocations
// that were recorded, or have no task, get a withdrawal.
func cashCompensation(tasks []domain.OutboxTask, allocations []domain.Allocation, reason string) ([]domain.Allocation, []store.Op) {
	var (
		withdraw []domain.Allocation
		voids    []store.Op
	)
	used := make(map[string]bool, len(tasks))
	for _, alloc := range allocations {
		var match *domain.OutboxTask
		for i := range tasks {
			task := &tasks[i]
			if used[task.ID] || task.Kind != domain.OutboxKindCashMovement || task.Status == domain.OutboxVoided {
				continue
			}
			var payload domain.CashMovementPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				continue
			}
			if payload.PaymentMethod == alloc.Method && payload.Amount.Equal(alloc.Amount) {
				match = task
				break
			}
		}
		if match == nil || match.Status == domain.OutboxDelivered {
			withdraw = append(withdraw, alloc)
		} else {
			voids = append(voids, store.VoidOutboxTask{TaskID: match.ID, Reason: "sale cancelled: " + reason})
		}
		if match != nil {
			used[match.ID] = true
		}
	}
	return withdraw, voids
}

// withdrawalOps writes one negative cash movement per allocation.
func withdrawalOps(sessionID string, saleID string, allocations []domain.Allocation, split bool, reason string, userID string, at time.Time) []store.Op {
	var ops []store.Op
	for _, alloc := range allocations {
		description := fmt.Sprintf("Cancelled sale #%s - %s", saleID, reason)
		if split {
			description = fmt.Sprintf("Cancelled sale #%s (%s) - %s", saleID, alloc.Method, reason)
		}
		ops = append(ops, store.AppendCashMovement{Movement: domain.CashMovement{
			ID:            xid.New("cmv"),
			CashSessionID: sessionID,
			Type:          domain.CashMovementWithdrawal,
			Amount:        alloc.Amount.Abs().Neg(),
			Description:   description,
			PaymentMethod: alloc.Method,
			SaleID:        saleID,
			UserID:        userID,
			CreatedAt:     at,
		}})
	}
	return ops
}

// cacheSale stores only cancelled details. A completed sale can still be
// cancelled, and a read racing that cancel would write it back stale.
func (s *Service) cacheSale(ctx context.Context, detail *domain.SaleDetail) {
	if detail.Status != domain.SaleStatusCancelled {
		return
	}
	if err := s.cache.Set(ctx, detail, s.cacheTTL); err != nil {
		s.logger.Warn("cache sale detail", zap.String("sale_id", detail.ID), zap.Error(err))
	}
}

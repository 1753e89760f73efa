package service

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

type stockLine struct {
	Product  domain.Product
	Previous decimal.Decimal
	Quantity decimal.Decimal
	New      decimal.Decimal
}

// stockPlan holds one line per product, ordered by product id.
type stockPlan []stockLine

// aggregateQuantities sums quantities per product and returns the ids sorted.
func aggregateQuantities[T any](lines []T, key func(T) (string, decimal.Decimal)) ([]string, map[string]decimal.Decimal) {
	totals := make(map[string]decimal.Decimal, len(lines))
	for _, line := range lines {
		id, qty := key(line)
		totals[id] = totals[id].Add(qty)
	}
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, totals
}

// planOutflow locks the requested products and checks each can cover the
// summed quantity of every line that references it.
func planOutflow(ctx context.Context, tx store.Tx, items []domain.SaleItemRequest) (stockPlan, error) {
	ids, totals := aggregateQuantities(items, func(it domain.SaleItemRequest) (string, decimal.Decimal) {
		return it.ProductID, it.Quantity
	})

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	plan := make(stockPlan, 0, len(ids))
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, apperror.NotFound(apperror.CodeProductNotFound, fmt.Sprintf("product %s not found", id)).
				WithStatus(http.StatusBadRequest)
		}
		if !product.Active {
			return nil, apperror.Precondition(apperror.CodeProductInactive, fmt.Sprintf("product %q is not active", product.Name))
		}
		qty := totals[id]
		if product.Stock.LessThan(qty) {
			return nil, apperror.Conflict(apperror.CodeInsufficientStock,
				fmt.Sprintf("insufficient stock for %q: available %s, requested %s", product.Name, product.Stock, qty))
		}
		plan = append(plan, stockLine{
			Product:  product,
			Previous: product.Stock,
			Quantity: qty,
			New:      product.Stock.Sub(qty),
		})
	}
	return plan, nil
}

func (p stockPlan) outflowOps(saleID string, userID string, at time.Time) []store.Op {
	ops := make([]store.Op, 0, len(p)*2)
	for _, line := range p {
		ops = append(ops,
			store.AdjustStock{ProductID: line.Product.ID, Previous: line.Previous, New: line.New},
			store.AppendStockMovement{Movement: domain.StockMovement{
				ID:            xid.New("mov"),
				ProductID:     line.Product.ID,
				Type:          domain.StockMovementOut,
				Quantity:      line.Quantity.Neg(),
				PreviousStock: line.Previous,
				NewStock:      line.New,
				Reason:        "Sale #" + saleID,
				UserID:        userID,
				CreatedAt:     at,
			}},
		)
	}
	return ops
}

// planInflow restores the quantities recorded on the sale's lines. Products
// deleted since the sale are skipped.
func (s *Service) planInflow(ctx context.Context, tx store.Tx, sale *domain.Sale) (stockPlan, error) {
	ids, totals := aggregateQuantities(sale.Items, func(it domain.SaleItem) (string, decimal.Decimal) {
		return it.ProductID, it.Quantity
	})

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	plan := make(stockPlan, 0, len(ids))
	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			s.logger.Warn("product missing, stock not restored",
				zap.String("sale_id", sale.ID), zap.String("product_id", id))
			continue
		}
		qty := totals[id]
		plan = append(plan, stockLine{
			Product:  product,
			Previous: product.Stock,
			Quantity: qty,
			New:      product.Stock.Add(qty),
		})
	}
	return plan, nil
}

func (p stockPlan) inflowOps(saleID string, reason string, userID string, at time.Time) []store.Op {
	ops := make([]store.Op, 0, len(p)*2)
	for _, line := range p {
		ops = append(ops,
			store.AdjustStock{ProductID: line.Product.ID, Previous: line.Previous, New: line.New},
			store.AppendStockMovement{Movement: domain.StockMovement{
				ID:            xid.New("mov"),
				ProductID:     line.Product.ID,
				Type:          domain.StockMovementIn,
				Quantity:      line.Quantity,
				PreviousStock: line.Previous,
				NewStock:      line.New,
				Reason:        fmt.Sprintf("Sale #%s cancelled - %s", saleID, reason),
				UserID:        userID,
				CreatedAt:     at,
			}},
		)
	}
	return ops
}

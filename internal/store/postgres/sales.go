package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

const saleColumns = `s.id, s.subtotal, s.tax, s.total, s.payment_method, s.payment_methods, s.payment_data,
	s.customer_id, COALESCE(s.user_id, ''), s.status, COALESCE(s.cancellation_reason, ''),
	COALESCE(s.cancelled_by, ''), s.cancelled_at, s.notes, s.created_at`

func scanSale(row rowScanner, extra ...any) (*domain.Sale, error) {
	var (
		sale        domain.Sale
		allocations []byte
		paymentData []byte
		cancelledAt sql.NullTime
	)
	dest := []any{
		&sale.ID, &sale.Subtotal, &sale.Tax, &sale.Total, &sale.PaymentMethod, &allocations, &paymentData,
		&sale.CustomerID, &sale.UserID, &sale.Status, &sale.CancellationReason,
		&sale.CancelledBy, &cancelledAt, &sale.Notes, &sale.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &sale.PaymentMethods); err != nil {
			return nil, fmt.Errorf("decode payment_methods for sale %s: %w", sale.ID, err)
		}
	}
	if len(paymentData) > 0 {
		sale.PaymentData = json.RawMessage(paymentData)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	return &sale, nil
}

func saleItems(ctx context.Context, q querier, saleID string) ([]domain.SaleItemDetail, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT si.id, si.sale_id, si.product_id, si.quantity, si.unit_price, si.subtotal,
			COALESCE(p.name, ''), COALESCE(p.barcode, ''), COALESCE(p.unit_type, ''), COALESCE(c.name, '')
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE si.sale_id = $1
		ORDER BY si.id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItemDetail, 0, 8)
	for rows.Next() {
		var item domain.SaleItemDetail
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal,
			&item.ProductName, &item.Barcode, &item.UnitType, &item.CategoryName); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetSaleDetail(ctx context.Context, id string) (*domain.SaleDetail, error) {
	var detail domain.SaleDetail
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`,
			COALESCE(NULLIF(u.full_name, ''), s.user_id, ''),
			COALESCE(c.name, ''), COALESCE(c.document_number, ''),
			COALESCE(NULLIF(cu.full_name, ''), s.cancelled_by, '')
		FROM sales s
		LEFT JOIN users u ON u.username = s.user_id
		LEFT JOIN users cu ON cu.username = s.cancelled_by
		LEFT JOIN customers c ON c.id = s.customer_id
		WHERE s.id = $1
	`, id)
	sale, err := scanSale(row, &detail.CashierName, &detail.CustomerName, &detail.CustomerDocument, &detail.CancelledByName)
	if err != nil {
		return nil, err
	}

	items, err := saleItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		sale.Items = append(sale.Items, item.SaleItem)
	}

	detail.Sale = *sale
	detail.ItemDetails = items
	detail.PaymentMethodDisplay = domain.PaymentMethodLabel(sale.PaymentMethod)
	for _, alloc := range sale.PaymentMethods {
		detail.PaymentMethodsDetail = append(detail.PaymentMethodsDetail, domain.AllocationDetail{
			Allocation:    alloc,
			MethodDisplay: domain.PaymentMethodLabel(alloc.Method),
		})
	}
	return &detail, nil
}

// saleFilterSQL renders the WHERE clause shared by the page and count
// queries. Dates compare on the UTC calendar day.
func saleFilterSQL(filter domain.SaleFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartDate != nil {
		conds = append(conds, "(s.created_at AT TIME ZONE 'UTC')::date >= "+arg(filter.StartDate.UTC().Format("2006-01-02"))+"::date")
	}
	if filter.EndDate != nil {
		conds = append(conds, "(s.created_at AT TIME ZONE 'UTC')::date <= "+arg(filter.EndDate.UTC().Format("2006-01-02"))+"::date")
	}
	if filter.PaymentMethod != "" {
		p := arg(filter.PaymentMethod)
		conds = append(conds, "(s.payment_method = "+p+
			" OR COALESCE(s.payment_methods, '[]'::jsonb) @> jsonb_build_array(jsonb_build_object('method', "+p+"::text)))")
	}
	if filter.Status != "" {
		conds = append(conds, "s.status = "+arg(filter.Status))
	}
	if filter.CustomerID != "" {
		conds = append(conds, "s.customer_id = "+arg(filter.CustomerID))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		p := arg("%" + escapeLike(search) + "%")
		conds = append(conds, "(s.id ILIKE "+p+" OR c.name ILIKE "+p+" OR COALESCE(NULLIF(u.full_name, ''), s.user_id, '') ILIKE "+p+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleSummary, int, error) {
	where, args := saleFilterSQL(filter)
	joins := `
		FROM sales s
		LEFT JOIN users u ON u.username = s.user_id
		LEFT JOIN customers c ON c.id = s.customer_id
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+joins+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit < 1 {
		limit = total
	}
	pageArgs := append(args, limit, filter.Offset())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`,
			COALESCE(NULLIF(u.full_name, ''), s.user_id, ''),
			COALESCE(c.name, ''), COALESCE(c.document_number, ''),
			(SELECT COUNT(*) FROM sale_items si WHERE si.sale_id = s.id),
			(SELECT COALESCE(SUM(si.quantity), 0) FROM sale_items si WHERE si.sale_id = s.id)
		`+joins+where+fmt.Sprintf(`
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sales := make([]domain.SaleSummary, 0, limit)
	for rows.Next() {
		var (
			summary    domain.SaleSummary
			totalItems decimal.Decimal
		)
		sale, err := scanSale(rows, &summary.CashierName, &summary.CustomerName, &summary.CustomerDocument,
			&summary.ItemsCount, &totalItems)
		if err != nil {
			return nil, 0, err
		}
		summary.Sale = *sale
		summary.TotalItems = totalItems
		summary.PaymentMethodDisplay = domain.PaymentMethodLabel(sale.PaymentMethod)
		sales = append(sales, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return sales, total, nil
}

func escapeLike(val string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(val)
}

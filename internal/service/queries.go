package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

const (
	defaultPageLimit = 25
	maxPageLimit     = 100
	dateLayout       = "2006-01-02"
)

// ParseSaleFilter validates raw list parameters. Page and limit are clamped
// rather than rejected.
func ParseSaleFilter(q domain.SaleListQuery) (domain.SaleFilter, error) {
	filter := domain.SaleFilter{
		CustomerID: strings.TrimSpace(q.CustomerID),
		Search:     strings.TrimSpace(q.Search),
		Page:       1,
		Limit:      defaultPageLimit,
	}

	for _, d := range []struct {
		raw  string
		dest **time.Time
		name string
	}{
		{q.StartDate, &filter.StartDate, "start_date"},
		{q.EndDate, &filter.EndDate, "end_date"},
	} {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return domain.SaleFilter{}, apperror.Validation(apperror.CodeInvalidDate, d.name+" must use YYYY-MM-DD")
		}
		*d.dest = &parsed
	}

	if method := strings.ToLower(strings.TrimSpace(q.PaymentMethod)); method != "" {
		if !domain.IsPaymentMethod(method) {
			return domain.SaleFilter{}, apperror.Validation(apperror.CodeInvalidPaymentMethod, "unknown payment method "+method)
		}
		filter.PaymentMethod = method
	}

	if status := strings.ToLower(strings.TrimSpace(q.Status)); status != "" {
		if status != domain.SaleStatusCompleted && status != domain.SaleStatusCancelled {
			return domain.SaleFilter{}, apperror.Validation(apperror.CodeInvalidStatus, "status must be completed or cancelled")
		}
		filter.Status = status
	}

	if page, err := strconv.Atoi(strings.TrimSpace(q.Page)); err == nil && page > 1 {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(strings.TrimSpace(q.Limit)); err == nil {
		filter.Limit = min(max(limit, 1), maxPageLimit)
	}
	return filter, nil
}

func (s *Service) ListSales(ctx context.Context, q domain.SaleListQuery) (domain.SaleListResponse, error) {
	filter, err := ParseSaleFilter(q)
	if err != nil {
		return domain.SaleListResponse{}, err
	}

	sales, total, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		s.logger.Error("list sales", zap.Error(err))
		return domain.SaleListResponse{}, apperror.Infrastructure(apperror.CodeSalesFetchError, "failed to fetch sales", err)
	}

	pages := 0
	if total > 0 {
		pages = (total + filter.Limit - 1) / filter.Limit
	}
	return domain.SaleListResponse{
		Sales: sales,
		Pagination: domain.Pagination{
			Page:  filter.Page,
			Limit: filter.Limit,
			Total: total,
			Pages: pages,
		},
	}, nil
}

// GetSale serves from the cache when possible. Cache errors only cost a
// datastore read.
func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleDetail, error) {
	saleID = strings.TrimSpace(saleID)
	if !xid.Valid("sale", saleID) {
		return domain.SaleDetail{}, apperror.Validation(apperror.CodeInvalidSaleID, "invalid sale id")
	}

	cached, ok, err := s.cache.Get(ctx, saleID)
	if err != nil {
		s.logger.Warn("read sale cache", zap.String("sale_id", saleID), zap.Error(err))
	}
	if ok {
		return *cached, nil
	}

	detail, err := s.repo.GetSaleDetail(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.SaleDetail{}, apperror.NotFound(apperror.CodeSaleNotFound, "sale not found")
	}
	if err != nil {
		s.logger.Error("get sale", zap.String("sale_id", saleID), zap.Error(err))
		return domain.SaleDetail{}, apperror.Infrastructure(apperror.CodeSaleFetchError, "failed to fetch sale", err)
	}
	s.cacheSale(ctx, detail)
	return *detail, nil
}

// ListPendingOutbox returns tasks not yet delivered, dead ones included.
func (s *Service) ListPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxTask, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	tasks, err := s.repo.ListUndeliveredOutboxTasks(ctx, limit)
	if err != nil {
		return nil, apperror.Infrastructure(apperror.CodeInternal, "failed to list outbox tasks", err)
	}
	return tasks, nil
}

package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSessionResponse, error) {
	actor, _ := ActorFromContext(ctx)
	if req.OpeningAmount.IsNegative() {
		return domain.CashSessionResponse{}, apperror.Validation(apperror.CodeInvalidAmount, "opening amount cannot be negative")
	}
	if !domain.FitsPlaces(req.OpeningAmount, domain.MoneyPlaces) {
		return domain.CashSessionResponse{}, apperror.Validation(apperror.CodeInvalidAmount, "opening amount allows at most 2 decimals")
	}

	saved, err := s.repo.OpenCashSession(ctx, domain.CashSession{
		ID:            xid.New("cash"),
		OpeningAmount: req.OpeningAmount,
		OpenedBy:      actor.Username,
		OpenedAt:      s.now(),
	})
	if errors.Is(err, store.ErrAlreadyOpen) {
		return domain.CashSessionResponse{}, apperror.Conflict(apperror.CodeCashSessionOpen, "a cash session is already open")
	}
	if err != nil {
		return domain.CashSessionResponse{}, apperror.Infrastructure(apperror.CodeCashSessionError, "failed to open cash session", err)
	}

	s.logger.Info("cash session opened", zap.String("session_id", saved.ID), zap.String("user", actor.Username))
	return domain.CashSessionResponse{Session: *saved, Balance: saved.OpeningAmount}, nil
}

func (s *Service) CloseCashSession(ctx context.Context) (domain.CashSessionResponse, error) {
	actor, _ := ActorFromContext(ctx)

	closed, err := s.repo.CloseCashSession(ctx, actor.Username, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return domain.CashSessionResponse{}, apperror.Precondition(apperror.CodeCashSessionNotOpen, "no cash session is open")
	}
	if err != nil {
		return domain.CashSessionResponse{}, apperror.Infrastructure(apperror.CodeCashSessionError, "failed to close cash session", err)
	}

	resp, err := s.sessionResponse(ctx, *closed)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	s.logger.Info("cash session closed",
		zap.String("session_id", closed.ID),
		zap.String("balance", resp.Balance.StringFixed(2)),
		zap.String("user", actor.Username),
	)
	return resp, nil
}

func (s *Service) CurrentCashSession(ctx context.Context) (domain.CashSessionResponse, error) {
	session, err := s.repo.GetOpenCashSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CashSessionResponse{}, apperror.NotFound(apperror.CodeCashSessionNotOpen, "no cash session is open")
	}
	if err != nil {
		return domain.CashSessionResponse{}, apperror.Infrastructure(apperror.CodeCashSessionError, "failed to load cash session", err)
	}
	return s.sessionResponse(ctx, *session)
}

func (s *Service) CashSessionMovements(ctx context.Context, sessionID string) (domain.CashSessionResponse, error) {
	session, err := s.repo.GetCashSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CashSessionResponse{}, apperror.NotFound(apperror.CodeNotFound, "cash session not found")
	}
	if err != nil {
		return domain.CashSessionResponse{}, apperror.Infrastructure(apperror.CodeCashSessionError, "failed to load cash session", err)
	}
	return s.sessionResponse(ctx, *session)
}

// sessionResponse attaches the movements; the balance is the opening amount
// plus every movement, withdrawals being negative.
func (s *Service) sessionResponse(ctx context.Context, session domain.CashSession) (domain.CashSessionResponse, error) {
	movements, err := s.repo.ListCashMovements(ctx, session.ID)
	if err != nil {
		return domain.CashSessionResponse{}, apperror.Infrastructure(apperror.CodeCashSessionError, "failed to list cash movements", err)
	}
	balance := session.OpeningAmount
	for _, m := range movements {
		balance = balance.Add(m.Amount)
	}
	return domain.CashSessionResponse{Session: session, Movements: movements, Balance: balance}, nil
}

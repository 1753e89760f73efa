package service

import (
	"context"
	"errors"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

// requireOpenSession fails with CASH_CLOSED unless a session is open. Inside
// a transaction r is the Tx, so the read shares its snapshot and row lock.
func requireOpenSession(ctx context.Context, r store.Reader) (*domain.CashSession, error) {
	session, err := r.GetOpenCashSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Precondition(apperror.CodeCashClosed, "cash register must be open to process sales")
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// currentSessionID returns the open session id, or "" when the register is
// closed.
func currentSessionID(ctx context.Context, r store.Reader) (string, error) {
	session, err := r.GetOpenCashSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

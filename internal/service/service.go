package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"possale/backend/internal/apperror"
	"possale/backend/internal/cache"
	"possale/backend/internal/domain"
	"possale/backend/internal/metrics"
	"possale/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Dispatcher delivers outbox tasks written by a committed sale.
type Dispatcher interface {
	Deliver(ctx context.Context, ids ...string) error
}

type noopDispatcher struct{}

func (noopDispatcher) Deliver(_ context.Context, _ ...string) error { return nil }

type Options struct {
	Cache      cache.SaleCache
	CacheTTL   time.Duration
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

type Service struct {
	repo       store.Repository
	cache      cache.SaleCache
	cacheTTL   time.Duration
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopSaleCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = noopDispatcher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:       repo,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// SetDispatcher replaces the post-commit dispatcher. The outbox dispatcher
// needs the repository first, so main wires it after New.
func (s *Service) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = noopDispatcher{}
	}
	s.dispatcher = d
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, apperror.New(apperror.KindPrecondition, apperror.CodeForbidden, "admin role required").
			WithStatus(http.StatusForbidden)
	}
	return actor, nil
}

// classify turns err into an *apperror.Error. Store sentinels keep their
// meaning; anything else becomes an infrastructure failure under code.
func classify(err error, code string, message string) *apperror.Error {
	if appErr, ok := apperror.From(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return apperror.Conflict(apperror.CodeInsufficientStock, "insufficient stock")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperror.Infrastructure(code, "request timed out", err)
	default:
		return apperror.Infrastructure(code, message, err)
	}
}

// reject records a failed create or cancel and returns the classified error.
func (s *Service) reject(operation string, err error, code string, message string) error {
	appErr := classify(err, code, message)
	s.metrics.SaleRejected(operation, appErr.Code)
	if appErr.Kind == apperror.KindInfrastructure {
		s.logger.Error(operation+" sale failed", zap.String("code", appErr.Code), zap.Error(err))
	} else {
		s.logger.Info(operation+" sale rejected", zap.String("code", appErr.Code), zap.String("reason", appErr.Message))
	}
	return appErr
}

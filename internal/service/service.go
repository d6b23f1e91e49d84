package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"brewline/backend/internal/alert"
	"brewline/backend/internal/cache"
	"brewline/backend/internal/deduction"
	"brewline/backend/internal/domain"
	"brewline/backend/internal/ledger"
	"brewline/backend/internal/lock"
	"brewline/backend/internal/recipe"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultBranchID      string
	RecipeCache          cache.RecipeCache
	RecipeCacheTTL       time.Duration
	Locker               lock.Locker
	Notifier             alert.Notifier
	PreflightConcurrency int
	Logger               logrus.FieldLogger
}

type Service struct {
	repo            store.Repository
	recipes         *recipe.Service
	ledger          *ledger.Service
	alerts          *alert.Service
	engine          *deduction.Engine
	validate        *validator.Validate
	defaultBranchID string
	logger          logrus.FieldLogger
}

func New(repo store.Repository, opts Options) *Service {
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main-branch"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	recipes := recipe.NewService(repo, repo, opts.RecipeCache, opts.RecipeCacheTTL, opts.Logger.WithField("component", "recipe"))
	alerts := alert.NewService(repo, opts.Notifier, opts.Logger.WithField("component", "alert"))
	led := ledger.NewService(repo, repo, alerts, opts.Logger.WithField("component", "ledger"))
	engine := deduction.NewEngine(repo, recipes, led, repo, deduction.Options{
		Concurrency: opts.PreflightConcurrency,
		Locker:      opts.Locker,
		Logger:      opts.Logger.WithField("component", "deduction"),
	})

	return &Service{
		repo:            repo,
		recipes:         recipes,
		ledger:          led,
		alerts:          alerts,
		engine:          engine,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		defaultBranchID: opts.DefaultBranchID,
		logger:          opts.Logger,
	}
}

func (s *Service) DefaultBranchID() string {
	return s.defaultBranchID
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

func requireManager(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Role.CanManage() {
		return domain.Actor{}, fmt.Errorf("%w: manager or admin role required", ErrForbidden)
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) branchOrDefault(branchID string) string {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return s.defaultBranchID
	}
	return branchID
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("write audit log")
	}
}

// ListAuditLogs returns entries for one UTC day (YYYY-MM-DD), newest first. An
// empty date means the last 24 hours.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from, to time.Time
	if strings.TrimSpace(date) == "" {
		to = time.Now().UTC().Add(time.Second)
		from = to.Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidInput)
		}
		from = parsed.UTC()
		to = from.Add(24 * time.Hour)
	}

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

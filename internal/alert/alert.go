// Package alert raises and resolves low-stock and out-of-stock alerts.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

// Notifier delivers newly created alerts downstream. Delivery failures never
// undo the alert.
type Notifier interface {
	Notify(ctx context.Context, alert domain.StockAlert) error
}

type Service struct {
	repo     store.AlertRepository
	notifier Notifier
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewService(repo store.AlertRepository, notifier Notifier, logger logrus.FieldLogger) *Service {
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TypeFor picks the alert kind for a balance at or below threshold.
func TypeFor(quantity float64) domain.AlertType {
	if quantity <= 0 {
		return domain.AlertOutOfStock
	}
	return domain.AlertLowStock
}

// Raise creates an alert unless an unresolved one already exists for the same
// branch, raw material and type. created reports which case happened.
func (s *Service) Raise(ctx context.Context, branchID string, rawMaterialID string, alertType domain.AlertType, currentQuantity float64, threshold float64) (*domain.StockAlert, bool, error) {
	if !alertType.Valid() {
		return nil, false, fmt.Errorf("%w: alert type %q", store.ErrInvalidInput, alertType)
	}
	stored, created, err := s.repo.CreateAlertIfAbsent(ctx, domain.StockAlert{
		BranchID:        branchID,
		RawMaterialID:   rawMaterialID,
		AlertType:       alertType,
		CurrentQuantity: currentQuantity,
		Threshold:       threshold,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("raise alert: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	if err := s.notifier.Notify(ctx, *stored); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"alert_id":        stored.ID,
			"branch_id":       branchID,
			"raw_material_id": rawMaterialID,
		}).Warn("notify stock alert")
	}
	return stored, true, nil
}

// Resolve marks the alert resolved. Resolving an already-resolved alert returns
// it unchanged.
func (s *Service) Resolve(ctx context.Context, alertID string, resolvedBy string) (*domain.StockAlert, error) {
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", store.ErrInvalidInput)
	}
	resolved, err := s.repo.ResolveAlert(ctx, alertID, resolvedBy, s.now())
	if err != nil {
		return nil, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return resolved, nil
}

// ListUnresolved lists open alerts, newest first. An empty branchID lists all
// branches.
func (s *Service) ListUnresolved(ctx context.Context, branchID string) ([]domain.StockAlert, error) {
	return s.repo.ListUnresolvedAlerts(ctx, strings.TrimSpace(branchID))
}

// Package ledger is the per-branch raw material stock ledger. Every quantity
// change goes through a signed delta paired with an immutable movement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"brewline/backend/internal/alert"
	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

const (
	defaultMovementLimit = 50
	maxMovementLimit     = 500
)

type AlertRaiser interface {
	Raise(ctx context.Context, branchID string, rawMaterialID string, alertType domain.AlertType, currentQuantity float64, threshold float64) (*domain.StockAlert, bool, error)
}

type Service struct {
	stocks  store.StockRepository
	catalog store.CatalogRepository
	alerts  AlertRaiser
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewService(stocks store.StockRepository, catalog store.CatalogRepository, alerts AlertRaiser, logger logrus.FieldLogger) *Service {
	return &Service{
		stocks:  stocks,
		catalog: catalog,
		alerts:  alerts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Read returns the current quantity. found is false when the branch has no
// record for the material, which is distinct from a record holding 0.
func (s *Service) Read(ctx context.Context, branchID string, rawMaterialID string) (quantity float64, found bool, err error) {
	stock, err := s.stocks.GetStock(ctx, branchID, rawMaterialID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read stock %s/%s: %w", branchID, rawMaterialID, err)
	}
	return stock.CurrentQuantity, true, nil
}

func (s *Service) Stock(ctx context.Context, branchID string, rawMaterialID string) (*domain.BranchStock, error) {
	if _, err := s.catalog.GetRawMaterial(ctx, rawMaterialID); err != nil {
		return nil, fmt.Errorf("lookup raw material %s: %w", rawMaterialID, err)
	}
	return s.stocks.GetStock(ctx, branchID, rawMaterialID)
}

// ApplyDelta applies a signed change, creating the record at 0 if absent, and
// raises an alert when the resulting balance is at or below the material's
// minimum level. Negative results are allowed unless delta.RequireNonNegative
// is set. A replayed idempotency key returns the original movement and raises
// nothing.
func (s *Service) ApplyDelta(ctx context.Context, delta store.StockDelta) (*domain.StockMovement, error) {
	material, err := s.catalog.GetRawMaterial(ctx, delta.RawMaterialID)
	if err != nil {
		return nil, fmt.Errorf("lookup raw material %s: %w", delta.RawMaterialID, err)
	}
	return s.applyDelta(ctx, *material, delta)
}

func (s *Service) applyDelta(ctx context.Context, material domain.RawMaterial, delta store.StockDelta) (*domain.StockMovement, error) {
	if delta.At.IsZero() {
		delta.At = s.now()
	}
	movement, applied, err := s.stocks.ApplyStockDelta(ctx, delta)
	if err != nil {
		return nil, fmt.Errorf("apply %s delta %s/%s: %w", delta.MovementType, delta.BranchID, delta.RawMaterialID, err)
	}
	if applied && movement.NewQuantity <= material.MinStockLevel {
		s.raise(ctx, material, movement)
	}
	return movement, nil
}

func (s *Service) raise(ctx context.Context, material domain.RawMaterial, movement *domain.StockMovement) {
	if s.alerts == nil {
		return
	}
	alertType := alert.TypeFor(movement.NewQuantity)
	if _, _, err := s.alerts.Raise(ctx, movement.BranchID, movement.RawMaterialID, alertType, movement.NewQuantity, material.MinStockLevel); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"branch_id":       movement.BranchID,
			"raw_material_id": movement.RawMaterialID,
			"alert_type":      alertType,
		}).Warn("raise stock alert")
	}
}

// Receive books purchased stock into the branch.
func (s *Service) Receive(ctx context.Context, branchID string, req domain.StockReceiveRequest, actor string) (*domain.StockMovement, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be greater than 0", store.ErrInvalidInput)
	}
	return s.ApplyDelta(ctx, store.StockDelta{
		BranchID:       branchID,
		RawMaterialID:  req.RawMaterialID,
		Delta:          req.Quantity,
		MovementType:   domain.MovementPurchase,
		Reference:      strings.TrimSpace(req.Reference),
		Notes:          strings.TrimSpace(req.Notes),
		Actor:          actor,
		IdempotencyKey: scopedKey("purchase", branchID, req.IdempotencyKey),
	})
}

// Adjust books a manual correction. The balance may go negative.
func (s *Service) Adjust(ctx context.Context, branchID string, req domain.StockAdjustRequest, actor string) (*domain.StockMovement, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be 0", store.ErrInvalidInput)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", store.ErrInvalidInput)
	}
	return s.ApplyDelta(ctx, store.StockDelta{
		BranchID:       branchID,
		RawMaterialID:  req.RawMaterialID,
		Delta:          req.Delta,
		MovementType:   domain.MovementAdjustment,
		Notes:          reason,
		Actor:          actor,
		IdempotencyKey: scopedKey("adjust", branchID, req.IdempotencyKey),
	})
}

// Transfer moves stock between branches. The outbound leg never takes the
// source below zero. If the inbound leg fails, the outbound leg is reversed
// with an adjustment and the inbound error is returned.
func (s *Service) Transfer(ctx context.Context, fromBranchID string, req domain.StockTransferRequest, actor string) (*domain.StockTransferResponse, error) {
	toBranchID := strings.TrimSpace(req.ToBranchID)
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be greater than 0", store.ErrInvalidInput)
	}
	if toBranchID == "" || toBranchID == fromBranchID {
		return nil, fmt.Errorf("%w: destination branch must differ from source", store.ErrInvalidInput)
	}
	material, err := s.catalog.GetRawMaterial(ctx, req.RawMaterialID)
	if err != nil {
		return nil, fmt.Errorf("lookup raw material %s: %w", req.RawMaterialID, err)
	}

	reference := fmt.Sprintf("transfer:%s->%s", fromBranchID, toBranchID)
	baseKey := scopedKey("transfer", fromBranchID, req.IdempotencyKey)
	legKey := func(leg string) string {
		if baseKey == "" {
			return ""
		}
		return baseKey + ":" + leg
	}

	out, err := s.applyDelta(ctx, *material, store.StockDelta{
		BranchID:           fromBranchID,
		RawMaterialID:      material.ID,
		Delta:              -req.Quantity,
		MovementType:       domain.MovementTransferOut,
		Reference:          reference,
		Notes:              strings.TrimSpace(req.Notes),
		Actor:              actor,
		IdempotencyKey:     legKey("out"),
		RequireNonNegative: true,
	})
	if err != nil {
		return nil, err
	}

	in, err := s.applyDelta(ctx, *material, store.StockDelta{
		BranchID:       toBranchID,
		RawMaterialID:  material.ID,
		Delta:          req.Quantity,
		MovementType:   domain.MovementTransferIn,
		Reference:      reference,
		Notes:          strings.TrimSpace(req.Notes),
		Actor:          actor,
		IdempotencyKey: legKey("in"),
	})
	if err != nil {
		_, compErr := s.applyDelta(ctx, *material, store.StockDelta{
			BranchID:       fromBranchID,
			RawMaterialID:  material.ID,
			Delta:          req.Quantity,
			MovementType:   domain.MovementAdjustment,
			Reference:      reference,
			Notes:          "reversal of failed transfer " + out.ID,
			Actor:          actor,
			IdempotencyKey: legKey("reversal"),
		})
		if compErr != nil {
			s.logger.WithError(compErr).WithFields(logrus.Fields{
				"branch_id":       fromBranchID,
				"raw_material_id": material.ID,
				"movement_id":     out.ID,
			}).Error("reverse transfer-out after failed transfer-in")
			return nil, errors.Join(err, compErr)
		}
		return nil, err
	}

	return &domain.StockTransferResponse{Out: *out, In: *in}, nil
}

// LowStock lists branch records at or below their material's minimum level,
// lowest coverage first.
func (s *Service) LowStock(ctx context.Context, branchID string) ([]domain.LowStockItem, error) {
	stocks, err := s.stocks.ListStocks(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("list stocks for %s: %w", branchID, err)
	}
	materials, err := s.catalog.ListRawMaterials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list raw materials: %w", err)
	}
	byID := make(map[string]domain.RawMaterial, len(materials))
	for _, m := range materials {
		byID[m.ID] = m
	}

	items := make([]domain.LowStockItem, 0)
	for _, stock := range stocks {
		material, ok := byID[stock.RawMaterialID]
		if !ok || stock.CurrentQuantity > material.MinStockLevel {
			continue
		}
		items = append(items, domain.LowStockItem{
			BranchID:        branchID,
			RawMaterialID:   stock.RawMaterialID,
			Name:            material.Name,
			Unit:            material.Unit,
			CurrentQuantity: stock.CurrentQuantity,
			MinStockLevel:   material.MinStockLevel,
			LastUpdated:     stock.LastUpdated,
		})
	}
	slices.SortFunc(items, func(a, b domain.LowStockItem) int {
		ra, rb := coverage(a), coverage(b)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		}
		return strings.Compare(a.RawMaterialID, b.RawMaterialID)
	})
	return items, nil
}

func coverage(item domain.LowStockItem) float64 {
	if item.MinStockLevel <= 0 {
		return item.CurrentQuantity
	}
	return item.CurrentQuantity / item.MinStockLevel
}

// Movements returns history for one record, newest first.
func (s *Service) Movements(ctx context.Context, branchID string, rawMaterialID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = defaultMovementLimit
	}
	if limit > maxMovementLimit {
		limit = maxMovementLimit
	}
	return s.stocks.ListMovements(ctx, branchID, rawMaterialID, limit)
}

func (s *Service) MovementByKey(ctx context.Context, idempotencyKey string) (*domain.StockMovement, error) {
	return s.stocks.FindMovementByKey(ctx, idempotencyKey)
}

// scopedKey namespaces client-supplied keys so the same key used for different
// operations or branches never collides.
func scopedKey(operation string, branchID string, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return operation + ":" + branchID + ":" + key
}

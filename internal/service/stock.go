package service

import (
	"context"
	"fmt"
	"strings"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

func (s *Service) ReceiveStock(ctx context.Context, branchID string, req domain.StockReceiveRequest) (domain.StockMovement, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if err := s.check(req); err != nil {
		return domain.StockMovement{}, err
	}
	branchID = s.branchOrDefault(branchID)

	movement, err := s.ledger.Receive(ctx, branchID, req, actor.Username)
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.logAudit(ctx, branchID, "stock_receive", "raw_material", movement.RawMaterialID,
		fmt.Sprintf("qty=%g,new=%g,ref=%s", movement.Delta, movement.NewQuantity, movement.Reference))
	return *movement, nil
}

func (s *Service) AdjustStock(ctx context.Context, branchID string, req domain.StockAdjustRequest) (domain.StockMovement, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if err := s.check(req); err != nil {
		return domain.StockMovement{}, err
	}
	branchID = s.branchOrDefault(branchID)

	movement, err := s.ledger.Adjust(ctx, branchID, req, actor.Username)
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.logAudit(ctx, branchID, "stock_adjust", "raw_material", movement.RawMaterialID,
		fmt.Sprintf("delta=%g,previous=%g,new=%g,reason=%s", movement.Delta, movement.PreviousQuantity, movement.NewQuantity, movement.Notes))
	return *movement, nil
}

func (s *Service) TransferStock(ctx context.Context, fromBranchID string, req domain.StockTransferRequest) (domain.StockTransferResponse, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.StockTransferResponse{}, err
	}
	if err := s.check(req); err != nil {
		return domain.StockTransferResponse{}, err
	}
	fromBranchID = s.branchOrDefault(fromBranchID)

	resp, err := s.ledger.Transfer(ctx, fromBranchID, req, actor.Username)
	if err != nil {
		return domain.StockTransferResponse{}, err
	}
	s.logAudit(ctx, fromBranchID, "stock_transfer", "raw_material", req.RawMaterialID,
		fmt.Sprintf("to=%s,qty=%g,out=%s,in=%s", req.ToBranchID, req.Quantity, resp.Out.ID, resp.In.ID))
	return *resp, nil
}

func (s *Service) GetStock(ctx context.Context, branchID string, rawMaterialID string) (domain.BranchStock, error) {
	stock, err := s.ledger.Stock(ctx, s.branchOrDefault(branchID), strings.TrimSpace(rawMaterialID))
	if err != nil {
		return domain.BranchStock{}, err
	}
	return *stock, nil
}

func (s *Service) LowStock(ctx context.Context, branchID string) ([]domain.LowStockItem, error) {
	return s.ledger.LowStock(ctx, s.branchOrDefault(branchID))
}

func (s *Service) ListMovements(ctx context.Context, branchID string, rawMaterialID string, limit int) ([]domain.StockMovement, error) {
	rawMaterialID = strings.TrimSpace(rawMaterialID)
	if rawMaterialID == "" {
		return nil, fmt.Errorf("%w: raw material id is required", store.ErrInvalidInput)
	}
	return s.ledger.Movements(ctx, s.branchOrDefault(branchID), rawMaterialID, limit)
}

func (s *Service) ListAlerts(ctx context.Context, branchID string) ([]domain.StockAlert, error) {
	return s.alerts.ListUnresolved(ctx, branchID)
}

func (s *Service) ResolveAlert(ctx context.Context, alertID string, req domain.AlertResolveRequest) (domain.StockAlert, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.StockAlert{}, err
	}
	resolvedBy := strings.TrimSpace(req.ResolvedBy)
	if resolvedBy == "" {
		resolvedBy = actor.Username
	}

	resolved, err := s.alerts.Resolve(ctx, strings.TrimSpace(alertID), resolvedBy)
	if err != nil {
		return domain.StockAlert{}, err
	}
	s.logAudit(ctx, resolved.BranchID, "alert_resolve", "stock_alert", resolved.ID,
		fmt.Sprintf("type=%s,raw_material=%s,by=%s", resolved.AlertType, resolved.RawMaterialID, resolved.ResolvedBy))
	return *resolved, nil
}

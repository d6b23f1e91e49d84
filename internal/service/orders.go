package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

const deductionFailedMessage = "inventory deduction failed; retry with POST /api/v1/orders/{id}/deduct"

// CreateOrder prices the order from the catalog, stores it and deducts its
// ingredients. Shortages and warnings never fail the order. A failed deduction
// is logged and reported in DeductionError while the order stays created. A
// repeated idempotency key returns the original order.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.OrderResponse, error) {
	req.BranchID = s.branchOrDefault(req.BranchID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.check(req); err != nil {
		return domain.OrderResponse{}, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return toOrderResponse(existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.OrderResponse{}, err
		}
	}

	items, total, err := s.priceItems(ctx, normalizeLines(req.Items))
	if err != nil {
		return domain.OrderResponse{}, err
	}

	orderID := xid.New("ord")
	created, err := s.repo.CreateOrder(ctx, domain.Order{
		ID:             orderID,
		BranchID:       req.BranchID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
		AddOns:         req.AddOns,
		TotalAmount:    total,
		CreatedBy:      actorName(ctx),
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if created.ID != orderID {
		// Lost a race with a concurrent request carrying the same key.
		return toOrderResponse(created, true), nil
	}
	s.logAudit(ctx, created.BranchID, "order_create", "order", created.ID,
		fmt.Sprintf("items=%d,add_ons=%d,total=%s", len(created.Items), len(created.AddOns), created.TotalAmount))

	resp := domain.OrderResponse{Order: *created}
	report, err := s.deduct(ctx, created)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":  created.ID,
			"branch_id": created.BranchID,
		}).Error("order deduction failed")
		resp.DeductionError = deductionFailedMessage
		return resp, nil
	}
	snapshot := report.Snapshot()
	resp.Order.CostSnapshot = &snapshot
	resp.Deduction = report
	return resp, nil
}

// RetryDeduction re-runs deduction from the order's stored lines. Lines that
// already committed are not deducted again.
func (s *Service) RetryDeduction(ctx context.Context, orderID string) (domain.DeductionReport, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.DeductionReport{}, err
	}
	report, err := s.deduct(ctx, order)
	if err != nil {
		return domain.DeductionReport{}, err
	}
	return *report, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return toOrderResponse(order, false), nil
}

func (s *Service) ExpectedCost(ctx context.Context, req domain.ExpectedCostRequest) (domain.ExpectedCost, error) {
	req.BranchID = s.branchOrDefault(req.BranchID)
	if err := s.check(req); err != nil {
		return domain.ExpectedCost{}, err
	}
	if len(req.Lines) == 0 && len(req.AddOns) == 0 {
		return domain.ExpectedCost{}, fmt.Errorf("%w: at least one line or add-on is required", store.ErrInvalidInput)
	}
	req.Lines = normalizeLines(req.Lines)

	estimate, err := s.engine.CalculateExpectedCost(ctx, req)
	if err != nil {
		return domain.ExpectedCost{}, err
	}
	return *estimate, nil
}

func (s *Service) deduct(ctx context.Context, order *domain.Order) (*domain.DeductionReport, error) {
	report, err := s.engine.DeductForOrder(ctx, domain.DeductionRequest{
		OrderID:  order.ID,
		BranchID: order.BranchID,
		Lines:    order.Lines(),
		AddOns:   order.AddOns,
		Actor:    actorName(ctx),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, order.BranchID, "order_deduct", "order", order.ID,
		fmt.Sprintf("status=%s,cogs=%s,shortages=%d,warnings=%d,errors=%d",
			report.Status, report.CostOfGoods, len(report.Shortages), len(report.Warnings), len(report.Errors)))
	return report, nil
}

func (s *Service) priceItems(ctx context.Context, lines []domain.OrderLine) ([]domain.OrderItem, decimal.Decimal, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		product, err := s.repo.GetProduct(ctx, line.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, decimal.Zero, fmt.Errorf("%w: unknown product %s", store.ErrInvalidInput, line.ProductID)
		}
		if err != nil {
			return nil, decimal.Zero, err
		}
		if !product.Active {
			return nil, decimal.Zero, fmt.Errorf("%w: product %s is not for sale", store.ErrInvalidInput, line.ProductID)
		}
		lineTotal := product.Price.Mul(decimal.NewFromFloat(line.Quantity))
		items = append(items, domain.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
			LineTotal:   lineTotal,
		})
		total = total.Add(lineTotal)
	}
	return items, total, nil
}

// normalizeLines merges repeated products, keeping first-appearance order.
func normalizeLines(lines []domain.OrderLine) []domain.OrderLine {
	merged := make([]domain.OrderLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func toOrderResponse(order *domain.Order, duplicate bool) domain.OrderResponse {
	resp := domain.OrderResponse{Order: *order, Duplicate: duplicate}
	if order.CostSnapshot != nil {
		report := order.CostSnapshot.Report(order.ID)
		resp.Deduction = &report
	}
	return resp
}

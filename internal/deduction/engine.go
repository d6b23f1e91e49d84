// Package deduction turns completed orders into raw material stock deductions
// and costs them.
//
// A run has four phases. Demand is aggregated per raw material across all
// order lines and add-ons. A read-only preflight then checks every
// requirement against branch stock. Only requirements that passed are
// committed. Finally cost of goods and gross profit are settled and the
// snapshot is stored on the order. Shortages, missing recipes and dangling
// raw material references are reported in the result and never abort the
// run; only infrastructure failures are returned as errors.
package deduction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/lock"
	"brewline/backend/internal/store"
)

type RecipeSource interface {
	GetActive(ctx context.Context, productID string) (*domain.RecipeVersion, error)
}

type Ledger interface {
	Read(ctx context.Context, branchID string, rawMaterialID string) (float64, bool, error)
	ApplyDelta(ctx context.Context, delta store.StockDelta) (*domain.StockMovement, error)
	MovementByKey(ctx context.Context, idempotencyKey string) (*domain.StockMovement, error)
}

type Options struct {
	// Concurrency bounds parallel stock reads during preflight.
	Concurrency int
	Locker      lock.Locker
	Logger      logrus.FieldLogger
}

type Engine struct {
	catalog     store.CatalogRepository
	recipes     RecipeSource
	ledger      Ledger
	orders      store.OrderRepository
	locker      lock.Locker
	concurrency int
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewEngine(catalog store.CatalogRepository, recipes RecipeSource, ledger Ledger, orders store.OrderRepository, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		catalog:     catalog,
		recipes:     recipes,
		ledger:      ledger,
		orders:      orders,
		locker:      opts.Locker,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SaleKey is the idempotency key of the sale movement for one raw material of
// one order. A line that committed in an earlier run is never deducted again.
func SaleKey(orderID string, rawMaterialID string) string {
	return "sale:" + orderID + ":" + rawMaterialID
}

type check struct {
	req       *requirement
	key       string
	prior     *domain.StockMovement
	available float64
	found     bool
}

// preflight reads stock for every requirement without mutating anything.
// Reads fan out up to the engine's concurrency; results keep input order.
func (e *Engine) preflight(ctx context.Context, branchID string, orderID string, reqs []*requirement) ([]check, error) {
	checks := make([]check, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, req := range reqs {
		i, req := i, req
		checks[i] = check{req: req}
		if orderID != "" {
			checks[i].key = SaleKey(orderID, req.material.ID)
		}
		g.Go(func() error {
			c := &checks[i]
			if c.key != "" {
				prior, err := e.ledger.MovementByKey(gctx, c.key)
				if err == nil {
					c.prior = prior
					return nil
				}
				if !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("lookup movement %s: %w", c.key, err)
				}
			}
			qty, found, err := e.ledger.Read(gctx, branchID, req.material.ID)
			if err != nil {
				return err
			}
			c.available, c.found = qty, found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return checks, nil
}

func baseResult(req *requirement) domain.DeductionLineResult {
	return domain.DeductionLineResult{
		RawMaterialID:   req.material.ID,
		RawMaterialName: req.material.Name,
		Quantity:        req.quantity,
		Unit:            req.material.Unit,
		UnitCost:        req.material.UnitCost,
		TotalCost:       decimal.Zero,
	}
}

func noRecordResult(req *requirement, branchID string) (domain.DeductionLineResult, domain.Shortage) {
	result := baseResult(req)
	result.Status = domain.LineSkippedNoStockRecord
	result.Message = fmt.Sprintf("no stock record for %s at branch %s; expected cost %s not charged",
		req.material.Name, branchID, req.cost().StringFixed(4))
	return result, domain.Shortage{
		RawMaterialID:   req.material.ID,
		RawMaterialName: req.material.Name,
		Required:        req.quantity,
		Available:       0,
		Unit:            req.material.Unit,
		HasStockRecord:  false,
	}
}

func insufficientResult(req *requirement, available float64) (domain.DeductionLineResult, domain.Shortage) {
	result := baseResult(req)
	result.Status = domain.LineSkippedInsufficientStock
	result.PreviousQuantity = available
	result.NewQuantity = available
	result.Message = fmt.Sprintf("insufficient stock for %s: required %s %s, available %s %s",
		req.material.Name, formatQty(req.quantity), req.material.Unit, formatQty(available), req.material.Unit)
	return result, domain.Shortage{
		RawMaterialID:   req.material.ID,
		RawMaterialName: req.material.Name,
		Required:        req.quantity,
		Available:       available,
		Unit:            req.material.Unit,
		HasStockRecord:  true,
	}
}

func deductedResult(req *requirement, movement *domain.StockMovement) domain.DeductionLineResult {
	result := baseResult(req)
	result.Quantity = -movement.Delta
	result.TotalCost = decimal.NewFromFloat(result.Quantity).Mul(req.material.UnitCost)
	result.PreviousQuantity = movement.PreviousQuantity
	result.NewQuantity = movement.NewQuantity
	result.Status = domain.LineDeducted
	result.MovementID = movement.ID
	result.Message = fmt.Sprintf("deducted %s %s of %s", formatQty(result.Quantity), req.material.Unit, req.material.Name)
	return result
}

// DeductForOrder runs a deduction for an existing order. An order whose stored
// snapshot is already fully_deducted is returned as is without touching stock.
// When req carries no lines or add-ons the order's own are used.
func (e *Engine) DeductForOrder(ctx context.Context, req domain.DeductionRequest) (*domain.DeductionReport, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrInvalidInput)
	}

	release, err := e.locker.Acquire(ctx, "deduct:"+req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", req.OrderID, err)
	}
	defer release()

	order, err := e.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	if order.CostSnapshot != nil && order.CostSnapshot.InventoryDeductionStatus == domain.DeductionFullyDeducted {
		report := order.CostSnapshot.Report(order.ID)
		return &report, nil
	}

	branchID := req.BranchID
	if branchID == "" {
		branchID = order.BranchID
	}
	lines, addOns := req.Lines, req.AddOns
	if len(lines) == 0 && len(addOns) == 0 {
		lines, addOns = order.Lines(), order.AddOns
	}

	log := e.logger.WithFields(logrus.Fields{"order_id": order.ID, "branch_id": branchID})

	d, err := e.aggregate(ctx, lines, addOns)
	if err != nil {
		return nil, fmt.Errorf("aggregate demand: %w", err)
	}
	checks, err := e.preflight(ctx, branchID, order.ID, d.requirements)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	details := make([]domain.DeductionLineResult, 0, len(checks))
	shortages := make([]domain.Shortage, 0)
	cogs := decimal.Zero
	deducted := 0

	for _, c := range checks {
		var result domain.DeductionLineResult
		switch {
		case c.prior != nil:
			result = deductedResult(c.req, c.prior)
		case !c.found:
			var shortage domain.Shortage
			result, shortage = noRecordResult(c.req, branchID)
			shortages = append(shortages, shortage)
		case c.available < c.req.quantity:
			var shortage domain.Shortage
			result, shortage = insufficientResult(c.req, c.available)
			shortages = append(shortages, shortage)
		default:
			movement, err := e.ledger.ApplyDelta(ctx, store.StockDelta{
				BranchID:           branchID,
				RawMaterialID:      c.req.material.ID,
				Delta:              -c.req.quantity,
				MovementType:       domain.MovementSale,
				Reference:          order.ID,
				Notes:              fmt.Sprintf("sale for order %s", order.ID),
				Actor:              req.Actor,
				IdempotencyKey:     c.key,
				RequireNonNegative: true,
			})
			if errors.Is(err, store.ErrInsufficientStock) {
				// Another order drained the record between preflight and commit.
				available, _, readErr := e.ledger.Read(ctx, branchID, c.req.material.ID)
				if readErr != nil {
					return nil, fmt.Errorf("reread stock after lost race: %w", readErr)
				}
				var shortage domain.Shortage
				result, shortage = insufficientResult(c.req, available)
				shortages = append(shortages, shortage)
				log.WithField("raw_material_id", c.req.material.ID).Warn("stock changed between preflight and commit")
				break
			}
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", c.req.material.ID, err)
			}
			result = deductedResult(c.req, movement)
		}

		if result.Status == domain.LineDeducted {
			deducted++
			cogs = cogs.Add(result.TotalCost)
		}
		details = append(details, result)
	}

	status := domain.DeductionNotDeducted
	switch {
	case deducted > 0 && deducted == len(checks) && len(shortages) == 0 && len(d.errors) == 0:
		status = domain.DeductionFullyDeducted
	case deducted > 0:
		status = domain.DeductionPartiallyDeducted
	}

	report := domain.DeductionReport{
		OrderID:          order.ID,
		Success:          status == domain.DeductionFullyDeducted,
		Status:           status,
		CostOfGoods:      cogs,
		GrossProfit:      order.TotalAmount.Sub(cogs),
		DeductionDetails: details,
		Shortages:        shortages,
		Warnings:         d.warnings,
		Errors:           d.errors,
		DeductedAt:       e.now(),
	}

	if err := e.orders.AttachCostSnapshot(ctx, order.ID, report.Snapshot()); err != nil {
		return nil, fmt.Errorf("store cost snapshot: %w", err)
	}

	log.WithFields(logrus.Fields{
		"status":        status,
		"cost_of_goods": cogs.String(),
		"shortages":     len(shortages),
		"warnings":      len(d.warnings),
		"errors":        len(d.errors),
	}).Info("order deduction settled")
	return &report, nil
}

package deduction

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

// CalculateExpectedCost estimates the cost and stock coverage of a prospective
// order using aggregation and preflight only. Nothing is committed. Requirement
// statuses describe what a deduction would do right now.
func (e *Engine) CalculateExpectedCost(ctx context.Context, req domain.ExpectedCostRequest) (*domain.ExpectedCost, error) {
	if req.BranchID == "" {
		return nil, fmt.Errorf("%w: branch id is required", store.ErrInvalidInput)
	}

	d, err := e.aggregate(ctx, req.Lines, req.AddOns)
	if err != nil {
		return nil, fmt.Errorf("aggregate demand: %w", err)
	}
	checks, err := e.preflight(ctx, req.BranchID, "", d.requirements)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	out := &domain.ExpectedCost{
		TotalCost:        decimal.Zero,
		PerLineBreakdown: make([]domain.ExpectedCostLine, 0, len(d.products)),
		Requirements:     make([]domain.DeductionLineResult, 0, len(checks)),
		Shortages:        make([]domain.Shortage, 0),
		Warnings:         d.warnings,
		Errors:           d.errors,
	}

	revenue := decimal.Zero
	priced := true
	for _, pl := range d.products {
		line := domain.ExpectedCostLine{
			ProductID: pl.line.ProductID,
			Quantity:  pl.line.Quantity,
			HasRecipe: pl.hasRecipe,
			UnitCost:  pl.unitCost,
			TotalCost: pl.unitCost.Mul(decimal.NewFromFloat(pl.line.Quantity)),
		}
		product, err := e.catalog.GetProduct(ctx, pl.line.ProductID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			priced = false
			out.Errors = append(out.Errors, fmt.Sprintf("product %s does not exist", pl.line.ProductID))
		case err != nil:
			return nil, fmt.Errorf("lookup product %s: %w", pl.line.ProductID, err)
		default:
			line.ProductName = product.Name
			revenue = revenue.Add(product.Price.Mul(decimal.NewFromFloat(pl.line.Quantity)))
		}
		out.PerLineBreakdown = append(out.PerLineBreakdown, line)
	}

	for _, c := range checks {
		out.TotalCost = out.TotalCost.Add(c.req.cost())
		switch {
		case !c.found:
			result, shortage := noRecordResult(c.req, req.BranchID)
			out.Requirements = append(out.Requirements, result)
			out.Shortages = append(out.Shortages, shortage)
		case c.available < c.req.quantity:
			result, shortage := insufficientResult(c.req, c.available)
			out.Requirements = append(out.Requirements, result)
			out.Shortages = append(out.Shortages, shortage)
		default:
			result := baseResult(c.req)
			result.Status = domain.LineDeducted
			result.TotalCost = c.req.cost()
			result.PreviousQuantity = c.available
			result.NewQuantity = roundQty(c.available - c.req.quantity)
			result.Message = fmt.Sprintf("would deduct %s %s of %s", formatQty(c.req.quantity), c.req.material.Unit, c.req.material.Name)
			out.Requirements = append(out.Requirements, result)
		}
	}

	if priced && len(d.products) > 0 {
		margin := revenue.Sub(out.TotalCost)
		out.ExpectedMargin = &margin
	}
	return out, nil
}

package deduction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/recipe"
	"brewline/backend/internal/store"
)

// requirement is the total demand for one raw material across an order,
// expressed in the material's own unit.
type requirement struct {
	material domain.RawMaterial
	quantity float64
}

func (r requirement) cost() decimal.Decimal {
	return decimal.NewFromFloat(r.quantity).Mul(r.material.UnitCost)
}

// productLine is the per-order-line view used by expected costing.
type productLine struct {
	line      domain.OrderLine
	product   *domain.Product
	hasRecipe bool
	unitCost  decimal.Decimal
}

// demand is the outcome of aggregation. Requirements keep first-appearance
// order so reports are stable across runs.
type demand struct {
	requirements []*requirement
	byID         map[string]*requirement
	products     []productLine
	warnings     []string
	errors       []string
	seenWarning  map[string]struct{}
	materials    map[string]*domain.RawMaterial
	missing      map[string]struct{}
}

func newDemand() *demand {
	return &demand{
		requirements: make([]*requirement, 0),
		byID:         make(map[string]*requirement),
		products:     make([]productLine, 0),
		warnings:     make([]string, 0),
		errors:       make([]string, 0),
		seenWarning:  make(map[string]struct{}),
		materials:    make(map[string]*domain.RawMaterial),
		missing:      make(map[string]struct{}),
	}
}

func (d *demand) warn(message string) {
	if _, seen := d.seenWarning[message]; seen {
		return
	}
	d.seenWarning[message] = struct{}{}
	d.warnings = append(d.warnings, message)
}

func (d *demand) add(material domain.RawMaterial, quantity float64) {
	if req, ok := d.byID[material.ID]; ok {
		req.quantity += quantity
		return
	}
	req := &requirement{material: material, quantity: quantity}
	d.byID[material.ID] = req
	d.requirements = append(d.requirements, req)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// material resolves a raw material once per aggregation. A missing material
// returns (nil, nil); only infrastructure failures return an error.
func (e *Engine) material(ctx context.Context, d *demand, id string) (*domain.RawMaterial, error) {
	if m, ok := d.materials[id]; ok {
		return m, nil
	}
	if _, ok := d.missing[id]; ok {
		return nil, nil
	}
	m, err := e.catalog.GetRawMaterial(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		d.missing[id] = struct{}{}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup raw material %s: %w", id, err)
	}
	d.materials[id] = m
	return m, nil
}

// aggregate expands every order line through its active recipe, folds in the
// add-ons and sums demand per raw material. Business conditions land in
// warnings or errors; only infrastructure failures are returned.
func (e *Engine) aggregate(ctx context.Context, lines []domain.OrderLine, addOns []domain.AddOn) (*demand, error) {
	d := newDemand()

	for _, line := range lines {
		pl := productLine{line: line}
		if line.Quantity <= 0 {
			d.errors = append(d.errors, fmt.Sprintf("line for product %s has non-positive quantity %s", line.ProductID, formatQty(line.Quantity)))
			d.products = append(d.products, pl)
			continue
		}

		active, err := e.recipes.GetActive(ctx, line.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			d.warn(fmt.Sprintf("no recipe for product %s; no stock will be deducted for this line", line.ProductID))
			d.products = append(d.products, pl)
			continue
		}
		if err != nil {
			return nil, err
		}
		pl.hasRecipe = true

		for _, rl := range active.Lines {
			material, err := e.material(ctx, d, rl.RawMaterialID)
			if err != nil {
				return nil, err
			}
			if material == nil {
				d.errors = append(d.errors, fmt.Sprintf("recipe for product %s references raw material %s which no longer exists", line.ProductID, rl.RawMaterialID))
				continue
			}
			perUnit, unitCost, ok := recipe.LineCost(rl.Quantity, rl.Unit, *material)
			if !ok {
				d.warn(recipe.UnitMismatchWarning(material.ID, rl.Unit, material.Unit))
			}
			pl.unitCost = pl.unitCost.Add(unitCost)
			d.add(*material, perUnit*line.Quantity)
		}
		d.products = append(d.products, pl)
	}

	for _, addOn := range addOns {
		if addOn.Quantity <= 0 {
			d.errors = append(d.errors, fmt.Sprintf("add-on %s has non-positive quantity %s", addOn.RawMaterialID, formatQty(addOn.Quantity)))
			continue
		}
		material, err := e.material(ctx, d, addOn.RawMaterialID)
		if err != nil {
			return nil, err
		}
		if material == nil {
			d.errors = append(d.errors, fmt.Sprintf("add-on references raw material %s which does not exist", addOn.RawMaterialID))
			continue
		}
		converted, _, ok := recipe.LineCost(addOn.Quantity, addOn.Unit, *material)
		if !ok {
			d.warn(recipe.UnitMismatchWarning(material.ID, addOn.Unit, material.Unit))
		}
		d.add(*material, converted)
	}

	for _, req := range d.requirements {
		req.quantity = roundQty(req.quantity)
	}
	return d, nil
}

// roundQty trims float noise from unit conversion and summing, so 0.18 l lands
// on 180 ml.
func roundQty(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

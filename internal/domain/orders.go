package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderLine struct {
	ProductID string  `json:"product_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gt=0"`
}

// AddOn is raw-material consumption outside the base recipe ("extra syrup").
// Quantity is already multiplied out by the caller.
type AddOn struct {
	RawMaterialID string  `json:"raw_material_id" validate:"required"`
	Quantity      float64 `json:"quantity" validate:"gt=0"`
	Unit          string  `json:"unit" validate:"required"`
}

type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    float64         `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type Order struct {
	ID             string             `json:"id"`
	BranchID       string             `json:"branch_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Items          []OrderItem        `json:"items"`
	AddOns         []AddOn            `json:"add_ons,omitempty"`
	TotalAmount    decimal.Decimal    `json:"total_amount"`
	CreatedBy      string             `json:"created_by"`
	CreatedAt      time.Time          `json:"created_at"`
	CostSnapshot   *OrderCostSnapshot `json:"cost_snapshot,omitempty"`
}

// Lines returns the order items as deduction lines.
func (o Order) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

type OrderCreateRequest struct {
	BranchID       string      `json:"branch_id" validate:"max=64"`
	IdempotencyKey string      `json:"idempotency_key" validate:"max=160"`
	Items          []OrderLine `json:"items" validate:"required,min=1,dive"`
	AddOns         []AddOn     `json:"add_ons" validate:"dive"`
}

type OrderResponse struct {
	Order          Order            `json:"order"`
	Deduction      *DeductionReport `json:"deduction,omitempty"`
	DeductionError string           `json:"deduction_error,omitempty"`
	Duplicate      bool             `json:"duplicate"`
}

type DeductionStatus string

const (
	DeductionNotDeducted       DeductionStatus = "not_deducted"
	DeductionFullyDeducted     DeductionStatus = "fully_deducted"
	DeductionPartiallyDeducted DeductionStatus = "partially_deducted"
)

func (s DeductionStatus) Valid() bool {
	switch s {
	case DeductionNotDeducted, DeductionFullyDeducted, DeductionPartiallyDeducted:
		return true
	}
	return false
}

type LineStatus string

const (
	LineDeducted                 LineStatus = "deducted"
	LineSkippedNoStockRecord     LineStatus = "skipped_no_stock_record"
	LineSkippedInsufficientStock LineStatus = "skipped_insufficient_stock"
)

func (s LineStatus) Valid() bool {
	switch s {
	case LineDeducted, LineSkippedNoStockRecord, LineSkippedInsufficientStock:
		return true
	}
	return false
}

// DeductionLineResult reports one raw material touched by an order. TotalCost is
// non-zero only for deducted lines.
type DeductionLineResult struct {
	RawMaterialID    string          `json:"raw_material_id"`
	RawMaterialName  string          `json:"raw_material_name"`
	Quantity         float64         `json:"quantity"`
	Unit             string          `json:"unit"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	PreviousQuantity float64         `json:"previous_quantity"`
	NewQuantity      float64         `json:"new_quantity"`
	Status           LineStatus      `json:"status"`
	Message          string          `json:"message"`
	MovementID       string          `json:"movement_id,omitempty"`
}

type Shortage struct {
	RawMaterialID   string  `json:"raw_material_id"`
	RawMaterialName string  `json:"raw_material_name"`
	Required        float64 `json:"required"`
	Available       float64 `json:"available"`
	Unit            string  `json:"unit"`
	HasStockRecord  bool    `json:"has_stock_record"`
}

// OrderCostSnapshot is persisted onto the order after a deduction run.
type OrderCostSnapshot struct {
	CostOfGoods              decimal.Decimal       `json:"cost_of_goods"`
	GrossProfit              decimal.Decimal       `json:"gross_profit"`
	InventoryDeductionStatus DeductionStatus       `json:"inventory_deduction_status"`
	Details                  []DeductionLineResult `json:"details"`
	Shortages                []Shortage            `json:"shortages"`
	Warnings                 []string              `json:"warnings"`
	Errors                   []string              `json:"errors"`
	DeductedAt               time.Time             `json:"deducted_at"`
}

type DeductionRequest struct {
	OrderID  string      `json:"order_id" validate:"required"`
	BranchID string      `json:"branch_id" validate:"required"`
	Lines    []OrderLine `json:"lines" validate:"dive"`
	AddOns   []AddOn     `json:"add_ons" validate:"dive"`
	Actor    string      `json:"actor"`
}

type DeductionReport struct {
	OrderID          string                `json:"order_id"`
	Success          bool                  `json:"success"`
	Status           DeductionStatus       `json:"status"`
	CostOfGoods      decimal.Decimal       `json:"cost_of_goods"`
	GrossProfit      decimal.Decimal       `json:"gross_profit"`
	DeductionDetails []DeductionLineResult `json:"deduction_details"`
	Shortages        []Shortage            `json:"shortages"`
	Warnings         []string              `json:"warnings"`
	Errors           []string              `json:"errors"`
	DeductedAt       time.Time             `json:"deducted_at"`
}

// Report rebuilds the report a snapshot was produced from.
func (s OrderCostSnapshot) Report(orderID string) DeductionReport {
	return DeductionReport{
		OrderID:          orderID,
		Success:          s.InventoryDeductionStatus == DeductionFullyDeducted,
		Status:           s.InventoryDeductionStatus,
		CostOfGoods:      s.CostOfGoods,
		GrossProfit:      s.GrossProfit,
		DeductionDetails: s.Details,
		Shortages:        s.Shortages,
		Warnings:         s.Warnings,
		Errors:           s.Errors,
		DeductedAt:       s.DeductedAt,
	}
}

// Snapshot is the persisted form of a report.
func (r DeductionReport) Snapshot() OrderCostSnapshot {
	return OrderCostSnapshot{
		CostOfGoods:              r.CostOfGoods,
		GrossProfit:              r.GrossProfit,
		InventoryDeductionStatus: r.Status,
		Details:                  r.DeductionDetails,
		Shortages:                r.Shortages,
		Warnings:                 r.Warnings,
		Errors:                   r.Errors,
		DeductedAt:               r.DeductedAt,
	}
}

type ExpectedCostRequest struct {
	BranchID string      `json:"branch_id" validate:"max=64"`
	Lines    []OrderLine `json:"lines" validate:"dive"`
	AddOns   []AddOn     `json:"add_ons" validate:"dive"`
}

type ExpectedCostLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    float64         `json:"quantity"`
	HasRecipe   bool            `json:"has_recipe"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

type ExpectedCost struct {
	TotalCost        decimal.Decimal       `json:"total_cost"`
	PerLineBreakdown []ExpectedCostLine    `json:"per_line_breakdown"`
	Requirements     []DeductionLineResult `json:"requirements"`
	Shortages        []Shortage            `json:"shortages"`
	Warnings         []string              `json:"warnings"`
	Errors           []string              `json:"errors"`
	ExpectedMargin   *decimal.Decimal      `json:"expected_margin,omitempty"`
}

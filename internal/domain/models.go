package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleBarista Role = "barista"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleBarista:
		return true
	}
	return false
}

// CanManage reports whether the role may change catalog, recipes and stock.
func (r Role) CanManage() bool {
	return r == RoleAdmin || r == RoleManager
}

func ParseRole(raw string) (Role, bool) {
	role := Role(raw)
	return role, role.Valid()
}

type Actor struct {
	Username string
	Role     Role
}

type RawMaterial struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Unit          string          `json:"unit"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	MinStockLevel float64         `json:"min_stock_level"`
	CreatedAt     time.Time       `json:"created_at"`
}

type RawMaterialCreateRequest struct {
	ID            string          `json:"id" validate:"required,max=64"`
	Name          string          `json:"name" validate:"required,max=120"`
	Unit          string          `json:"unit" validate:"required"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	MinStockLevel float64         `json:"min_stock_level" validate:"gte=0"`
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	ID    string          `json:"id" validate:"required,max=64"`
	Name  string          `json:"name" validate:"required,max=120"`
	Price decimal.Decimal `json:"price"`
}

type RecipeLine struct {
	RawMaterialID string  `json:"raw_material_id" validate:"required"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
}

// RecipeVersion is immutable once stored; edits create a new version.
type RecipeVersion struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Version   int             `json:"version"`
	IsActive  bool            `json:"is_active"`
	Lines     []RecipeLine    `json:"lines"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Notes     string          `json:"notes,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type RecipeCreateRequest struct {
	ProductID string       `json:"product_id" validate:"required"`
	Lines     []RecipeLine `json:"lines" validate:"required,min=1,dive"`
	Notes     string       `json:"notes" validate:"max=500"`
}

type RecipeCreateResponse struct {
	Recipe   RecipeVersion `json:"recipe"`
	Warnings []string      `json:"warnings"`
}

type BranchStock struct {
	BranchID        string    `json:"branch_id"`
	RawMaterialID   string    `json:"raw_material_id"`
	CurrentQuantity float64   `json:"current_quantity"`
	LastUpdated     time.Time `json:"last_updated"`
}

type MovementType string

const (
	MovementSale        MovementType = "sale"
	MovementPurchase    MovementType = "purchase"
	MovementAdjustment  MovementType = "adjustment"
	MovementTransferIn  MovementType = "transfer-in"
	MovementTransferOut MovementType = "transfer-out"
)

func ParseMovementType(raw string) (MovementType, bool) {
	m := MovementType(raw)
	return m, m.Valid()
}

func (m MovementType) Valid() bool {
	switch m {
	case MovementSale, MovementPurchase, MovementAdjustment, MovementTransferIn, MovementTransferOut:
		return true
	}
	return false
}

// StockMovement is append-only.
type StockMovement struct {
	ID               string       `json:"id"`
	BranchID         string       `json:"branch_id"`
	RawMaterialID    string       `json:"raw_material_id"`
	MovementType     MovementType `json:"movement_type"`
	Delta            float64      `json:"delta"`
	PreviousQuantity float64      `json:"previous_quantity"`
	NewQuantity      float64      `json:"new_quantity"`
	Reference        string       `json:"reference,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Actor            string       `json:"actor"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

type AlertType string

const (
	AlertLowStock   AlertType = "low_stock"
	AlertOutOfStock AlertType = "out_of_stock"
)

func ParseAlertType(raw string) (AlertType, bool) {
	a := AlertType(raw)
	return a, a.Valid()
}

func (a AlertType) Valid() bool {
	return a == AlertLowStock || a == AlertOutOfStock
}

type StockAlert struct {
	ID              string     `json:"id"`
	BranchID        string     `json:"branch_id"`
	RawMaterialID   string     `json:"raw_material_id"`
	AlertType       AlertType  `json:"alert_type"`
	CurrentQuantity float64    `json:"current_quantity"`
	Threshold       float64    `json:"threshold"`
	Resolved        bool       `json:"resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type LowStockItem struct {
	BranchID        string    `json:"branch_id"`
	RawMaterialID   string    `json:"raw_material_id"`
	Name            string    `json:"name"`
	Unit            string    `json:"unit"`
	CurrentQuantity float64   `json:"current_quantity"`
	MinStockLevel   float64   `json:"min_stock_level"`
	LastUpdated     time.Time `json:"last_updated"`
}

type StockReceiveRequest struct {
	RawMaterialID  string  `json:"raw_material_id" validate:"required"`
	Quantity       float64 `json:"quantity" validate:"gt=0"`
	Reference      string  `json:"reference" validate:"max=120"`
	Notes          string  `json:"notes" validate:"max=500"`
	IdempotencyKey string  `json:"idempotency_key" validate:"max=160"`
}

type StockAdjustRequest struct {
	RawMaterialID  string  `json:"raw_material_id" validate:"required"`
	Delta          float64 `json:"delta" validate:"ne=0"`
	Reason         string  `json:"reason" validate:"required,max=500"`
	IdempotencyKey string  `json:"idempotency_key" validate:"max=160"`
}

type StockTransferRequest struct {
	ToBranchID     string  `json:"to_branch_id" validate:"required"`
	RawMaterialID  string  `json:"raw_material_id" validate:"required"`
	Quantity       float64 `json:"quantity" validate:"gt=0"`
	Notes          string  `json:"notes" validate:"max=500"`
	IdempotencyKey string  `json:"idempotency_key" validate:"max=160"`
}

type StockTransferResponse struct {
	Out StockMovement `json:"out"`
	In  StockMovement `json:"in"`
}

type AlertResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

package store

import (
	"context"
	"errors"
	"time"

	"brewline/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
)

// StockDelta is one signed change to a (branch, raw material) counter.
type StockDelta struct {
	BranchID      string
	RawMaterialID string
	Delta         float64
	MovementType  domain.MovementType
	Reference     string
	Notes         string
	Actor         string
	// IdempotencyKey, when set, makes the delta apply at most once. A replay returns
	// the original movement with applied=false.
	IdempotencyKey string
	// RequireNonNegative rejects the delta with ErrInsufficientStock when the
	// resulting quantity would drop below zero.
	RequireNonNegative bool
	At                 time.Time
}

type CatalogRepository interface {
	CreateRawMaterial(ctx context.Context, material domain.RawMaterial) (*domain.RawMaterial, error)
	GetRawMaterial(ctx context.Context, id string) (*domain.RawMaterial, error)
	ListRawMaterials(ctx context.Context) ([]domain.RawMaterial, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type RecipeRepository interface {
	// CreateRecipeVersion assigns version = max+1 for the product, marks it the only
	// active version and stores it.
	CreateRecipeVersion(ctx context.Context, recipe domain.RecipeVersion) (*domain.RecipeVersion, error)
	GetActiveRecipe(ctx context.Context, productID string) (*domain.RecipeVersion, error)
	ListRecipeVersions(ctx context.Context, productID string) ([]domain.RecipeVersion, error)
}

type StockRepository interface {
	GetStock(ctx context.Context, branchID string, rawMaterialID string) (*domain.BranchStock, error)
	ListStocks(ctx context.Context, branchID string) ([]domain.BranchStock, error)
	ApplyStockDelta(ctx context.Context, delta StockDelta) (movement *domain.StockMovement, applied bool, err error)
	FindMovementByKey(ctx context.Context, idempotencyKey string) (*domain.StockMovement, error)
	ListMovements(ctx context.Context, branchID string, rawMaterialID string, limit int) ([]domain.StockMovement, error)
}

type AlertRepository interface {
	// CreateAlertIfAbsent stores alert unless an unresolved alert with the same
	// (branch, raw material, type) exists, in which case that one is returned.
	CreateAlertIfAbsent(ctx context.Context, alert domain.StockAlert) (stored *domain.StockAlert, created bool, err error)
	ResolveAlert(ctx context.Context, alertID string, resolvedBy string, at time.Time) (*domain.StockAlert, error)
	ListUnresolvedAlerts(ctx context.Context, branchID string) ([]domain.StockAlert, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	AttachCostSnapshot(ctx context.Context, orderID string, snapshot domain.OrderCostSnapshot) error
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogRepository
	RecipeRepository
	StockRepository
	AlertRepository
	OrderRepository
	AuditRepository
	UserRepository
}

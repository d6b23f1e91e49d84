package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// New opens the pool, checks connectivity and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRawMaterial(ctx context.Context, material domain.RawMaterial) (*domain.RawMaterial, error) {
	if material.ID == "" || material.Name == "" || material.Unit == "" {
		return nil, store.ErrInvalidInput
	}
	if material.CreatedAt.IsZero() {
		material.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_materials (id, name, unit, unit_cost, min_stock_level, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, material.ID, material.Name, material.Unit, material.UnitCost, material.MinStockLevel, material.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := material
	return &created, nil
}

func (s *Store) GetRawMaterial(ctx context.Context, id string) (*domain.RawMaterial, error) {
	var m domain.RawMaterial
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, unit_cost, min_stock_level, created_at
		FROM raw_materials
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Unit, &m.UnitCost, &m.MinStockLevel, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) ListRawMaterials(ctx context.Context) ([]domain.RawMaterial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, unit_cost, min_stock_level, created_at
		FROM raw_materials
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	materials := make([]domain.RawMaterial, 0, 64)
	for rows.Next() {
		var m domain.RawMaterial
		if err := rows.Scan(&m.ID, &m.Name, &m.Unit, &m.UnitCost, &m.MinStockLevel, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || !product.Price.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, product.ID, product.Name, product.Price, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, active, created_at
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateRecipeVersion locks the product row so concurrent creators get
// consecutive version numbers.
func (s *Store) CreateRecipeVersion(ctx context.Context, recipe domain.RecipeVersion) (*domain.RecipeVersion, error) {
	if recipe.ProductID == "" || len(recipe.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	linesJSON, err := json.Marshal(recipe.Lines)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var productID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, recipe.ProductID).Scan(&productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM recipe_versions WHERE product_id = $1
	`, recipe.ProductID).Scan(&maxVersion); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE recipe_versions SET is_active = false WHERE product_id = $1 AND is_active
	`, recipe.ProductID); err != nil {
		return nil, err
	}

	if recipe.ID == "" {
		recipe.ID = xid.New("rcp")
	}
	if recipe.CreatedAt.IsZero() {
		recipe.CreatedAt = time.Now().UTC()
	}
	recipe.Version = maxVersion + 1
	recipe.IsActive = true

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recipe_versions (id, product_id, version, is_active, lines, total_cost, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, recipe.ID, recipe.ProductID, recipe.Version, recipe.IsActive, linesJSON, recipe.TotalCost, recipe.Notes, recipe.CreatedBy, recipe.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &recipe, nil
}

const recipeColumns = `id, product_id, version, is_active, lines, total_cost, notes, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipe(row rowScanner) (domain.RecipeVersion, error) {
	var r domain.RecipeVersion
	var linesJSON []byte
	if err := row.Scan(&r.ID, &r.ProductID, &r.Version, &r.IsActive, &linesJSON, &r.TotalCost, &r.Notes, &r.CreatedBy, &r.CreatedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal(linesJSON, &r.Lines); err != nil {
		return r, fmt.Errorf("decode recipe %s lines: %w", r.ID, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) GetActiveRecipe(ctx context.Context, productID string) (*domain.RecipeVersion, error) {
	recipe, err := scanRecipe(s.db.QueryRowContext(ctx, `
		SELECT `+recipeColumns+`
		FROM recipe_versions
		WHERE product_id = $1 AND is_active
		ORDER BY version DESC
		LIMIT 1
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &recipe, nil
}

func (s *Store) ListRecipeVersions(ctx context.Context, productID string) ([]domain.RecipeVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recipeColumns+`
		FROM recipe_versions
		WHERE product_id = $1
		ORDER BY version DESC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.RecipeVersion, 0, 8)
	for rows.Next() {
		recipe, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, recipe)
	}
	return versions, rows.Err()
}

func (s *Store) GetStock(ctx context.Context, branchID string, rawMaterialID string) (*domain.BranchStock, error) {
	var stock domain.BranchStock
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, raw_material_id, current_quantity, last_updated
		FROM branch_stocks
		WHERE branch_id = $1 AND raw_material_id = $2
	`, branchID, rawMaterialID).Scan(&stock.BranchID, &stock.RawMaterialID, &stock.CurrentQuantity, &stock.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	stock.LastUpdated = stock.LastUpdated.UTC()
	return &stock, nil
}

func (s *Store) ListStocks(ctx context.Context, branchID string) ([]domain.BranchStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT branch_id, raw_material_id, current_quantity, last_updated
		FROM branch_stocks
		WHERE branch_id = $1
		ORDER BY raw_material_id
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make([]domain.BranchStock, 0, 64)
	for rows.Next() {
		var stock domain.BranchStock
		if err := rows.Scan(&stock.BranchID, &stock.RawMaterialID, &stock.CurrentQuantity, &stock.LastUpdated); err != nil {
			return nil, err
		}
		stock.LastUpdated = stock.LastUpdated.UTC()
		stocks = append(stocks, stock)
	}
	return stocks, rows.Err()
}

// ApplyStockDelta locks the counter row, replays a known idempotency key,
// applies the floor check and appends the movement in one transaction.
func (s *Store) ApplyStockDelta(ctx context.Context, delta store.StockDelta) (*domain.StockMovement, bool, error) {
	if delta.BranchID == "" || delta.RawMaterialID == "" || !delta.MovementType.Valid() {
		return nil, false, store.ErrInvalidInput
	}
	at := delta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branch_stocks (branch_id, raw_material_id, current_quantity, last_updated)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (branch_id, raw_material_id) DO NOTHING
	`, delta.BranchID, delta.RawMaterialID, at); err != nil {
		return nil, false, err
	}

	var previous float64
	if err := tx.QueryRowContext(ctx, `
		SELECT current_quantity
		FROM branch_stocks
		WHERE branch_id = $1 AND raw_material_id = $2
		FOR UPDATE
	`, delta.BranchID, delta.RawMaterialID).Scan(&previous); err != nil {
		return nil, false, err
	}

	// Checked under the row lock so two writers with the same key serialize.
	if delta.IdempotencyKey != "" {
		existing, err := findMovement(ctx, tx, delta.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	next := roundQuantity(previous + delta.Delta)
	if delta.RequireNonNegative && next < 0 {
		return nil, false, store.ErrInsufficientStock
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE branch_stocks
		SET current_quantity = $3, last_updated = $4
		WHERE branch_id = $1 AND raw_material_id = $2
	`, delta.BranchID, delta.RawMaterialID, next, at); err != nil {
		return nil, false, err
	}

	movement := domain.StockMovement{
		ID:               xid.New("mov"),
		BranchID:         delta.BranchID,
		RawMaterialID:    delta.RawMaterialID,
		MovementType:     delta.MovementType,
		Delta:            delta.Delta,
		PreviousQuantity: previous,
		NewQuantity:      next,
		Reference:        delta.Reference,
		Notes:            delta.Notes,
		Actor:            delta.Actor,
		IdempotencyKey:   delta.IdempotencyKey,
		CreatedAt:        at,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, branch_id, raw_material_id, movement_type, delta, previous_quantity, new_quantity,
			reference, notes, actor, idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, movement.ID, movement.BranchID, movement.RawMaterialID, movement.MovementType, movement.Delta,
		movement.PreviousQuantity, movement.NewQuantity, movement.Reference, movement.Notes, movement.Actor,
		nullIfEmpty(movement.IdempotencyKey), movement.CreatedAt); err != nil {
		if isUniqueViolation(err) && delta.IdempotencyKey != "" {
			_ = tx.Rollback()
			existing, findErr := s.FindMovementByKey(ctx, delta.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &movement, true, nil
}

const movementColumns = `id, branch_id, raw_material_id, movement_type, delta, previous_quantity, new_quantity,
	reference, notes, actor, COALESCE(idempotency_key, ''), created_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanMovement(row rowScanner) (domain.StockMovement, error) {
	var m domain.StockMovement
	err := row.Scan(&m.ID, &m.BranchID, &m.RawMaterialID, &m.MovementType, &m.Delta, &m.PreviousQuantity,
		&m.NewQuantity, &m.Reference, &m.Notes, &m.Actor, &m.IdempotencyKey, &m.CreatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

func findMovement(ctx context.Context, q queryRower, idempotencyKey string) (*domain.StockMovement, error) {
	m, err := scanMovement(q.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE idempotency_key = $1
	`, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) FindMovementByKey(ctx context.Context, idempotencyKey string) (*domain.StockMovement, error) {
	if idempotencyKey == "" {
		return nil, store.ErrNotFound
	}
	return findMovement(ctx, s.db, idempotencyKey)
}

func (s *Store) ListMovements(ctx context.Context, branchID string, rawMaterialID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE branch_id = $1 AND raw_material_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, branchID, rawMaterialID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

const alertColumns = `id, branch_id, raw_material_id, alert_type, current_quantity, threshold,
	resolved, resolved_by, resolved_at, created_at`

func scanAlert(row rowScanner) (domain.StockAlert, error) {
	var a domain.StockAlert
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.BranchID, &a.RawMaterialID, &a.AlertType, &a.CurrentQuantity, &a.Threshold,
		&a.Resolved, &a.ResolvedBy, &resolvedAt, &a.CreatedAt); err != nil {
		return a, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// CreateAlertIfAbsent relies on the partial unique index over open alerts.
func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert domain.StockAlert) (*domain.StockAlert, bool, error) {
	if alert.BranchID == "" || alert.RawMaterialID == "" || !alert.AlertType.Valid() {
		return nil, false, store.ErrInvalidInput
	}
	if alert.ID == "" {
		alert.ID = xid.New("alr")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_alerts (id, branch_id, raw_material_id, alert_type, current_quantity, threshold, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (branch_id, raw_material_id, alert_type) WHERE NOT resolved DO NOTHING
	`, alert.ID, alert.BranchID, alert.RawMaterialID, alert.AlertType, alert.CurrentQuantity, alert.Threshold, alert.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 1 {
		alert.Resolved = false
		alert.ResolvedBy = ""
		alert.ResolvedAt = nil
		return &alert, true, nil
	}

	existing, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM stock_alerts
		WHERE branch_id = $1 AND raw_material_id = $2 AND alert_type = $3 AND NOT resolved
	`, alert.BranchID, alert.RawMaterialID, alert.AlertType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Resolved between the insert and the read; the caller may retry.
			return nil, false, store.ErrConflict
		}
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *Store) ResolveAlert(ctx context.Context, alertID string, resolvedBy string, at time.Time) (*domain.StockAlert, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE stock_alerts
		SET resolved = true, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND NOT resolved
	`, alertID, resolvedBy, at); err != nil {
		return nil, err
	}

	alert, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM stock_alerts WHERE id = $1
	`, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

func (s *Store) ListUnresolvedAlerts(ctx context.Context, branchID string) ([]domain.StockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM stock_alerts
		WHERE NOT resolved AND ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC, id ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.StockAlert, 0, 8)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// CreateOrder returns the already stored order when the idempotency key was
// seen before.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.BranchID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.CostSnapshot = nil

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}
	addOns := order.AddOns
	if addOns == nil {
		addOns = []domain.AddOn{}
	}
	addOnsJSON, err := json.Marshal(addOns)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, branch_id, idempotency_key, items, add_ons, total_amount, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, order.ID, order.BranchID, nullIfEmpty(order.IdempotencyKey), itemsJSON, addOnsJSON, order.TotalAmount, order.CreatedBy, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
	}
	return &order, nil
}

const orderColumns = `id, branch_id, COALESCE(idempotency_key, ''), items, add_ons, total_amount, created_by, created_at, cost_snapshot`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var itemsJSON, addOnsJSON, snapshotJSON []byte
	if err := row.Scan(&o.ID, &o.BranchID, &o.IdempotencyKey, &itemsJSON, &addOnsJSON, &o.TotalAmount, &o.CreatedBy, &o.CreatedAt, &snapshotJSON); err != nil {
		return o, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, fmt.Errorf("decode order %s items: %w", o.ID, err)
	}
	if err := json.Unmarshal(addOnsJSON, &o.AddOns); err != nil {
		return o, fmt.Errorf("decode order %s add-ons: %w", o.ID, err)
	}
	if len(o.AddOns) == 0 {
		o.AddOns = nil
	}
	if len(snapshotJSON) > 0 {
		var snapshot domain.OrderCostSnapshot
		if err := json.Unmarshal(snapshotJSON, &snapshot); err != nil {
			return o, fmt.Errorf("decode order %s snapshot: %w", o.ID, err)
		}
		o.CostSnapshot = &snapshot
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1
	`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) AttachCostSnapshot(ctx context.Context, orderID string, snapshot domain.OrderCostSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET cost_snapshot = $2 WHERE id = $1`, orderID, payload)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || !user.Role.Valid() {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func roundQuantity(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

package memory

import (
	"context"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

// Store keeps every document in process memory. Each method runs under the store
// mutex, which gives per-document atomic read-modify-write.
type Store struct {
	mu               sync.RWMutex
	rawMaterials     map[string]domain.RawMaterial
	products         map[string]domain.Product
	recipesByProduct map[string][]domain.RecipeVersion
	stocks           map[string]map[string]domain.BranchStock
	movements        []domain.StockMovement
	movementsByKey   map[string]int
	alertsByID       map[string]domain.StockAlert
	ordersByID       map[string]domain.Order
	ordersByIdem     map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		rawMaterials:     make(map[string]domain.RawMaterial),
		products:         make(map[string]domain.Product),
		recipesByProduct: make(map[string][]domain.RecipeVersion),
		stocks:           make(map[string]map[string]domain.BranchStock),
		movements:        make([]domain.StockMovement, 0, 256),
		movementsByKey:   make(map[string]int),
		alertsByID:       make(map[string]domain.StockAlert),
		ordersByID:       make(map[string]domain.Order),
		ordersByIdem:     make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_MANAGER_PASSWORD and SEED_BARISTA_PASSWORD, falling back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username string
		envKey   string
		fallback string
		role     domain.Role
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"manager", "SEED_MANAGER_PASSWORD", "manager123", domain.RoleManager},
		{"barista", "SEED_BARISTA_PASSWORD", "barista123", domain.RoleBarista},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(accounts))
	usedDefaults := false
	for _, acc := range accounts {
		password := os.Getenv(acc.envKey)
		if password == "" {
			password = acc.fallback
			usedDefaults = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).WithField("username", acc.username).Fatal("memory-store: hash seed password")
		}
		users[acc.username] = domain.UserAccount{
			Username:  acc.username,
			Password:  string(hash),
			Role:      acc.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usedDefaults {
		logrus.Warn("memory-store: using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

// NewSeeded returns a store with a small café catalog, recipes and stock for
// "main-branch".
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	materials := []domain.RawMaterial{
		{ID: "milk", Name: "Whole Milk", Unit: "ml", UnitCost: decimal.RequireFromString("0.0012"), MinStockLevel: 2000},
		{ID: "coffee-beans", Name: "Espresso Beans", Unit: "g", UnitCost: decimal.RequireFromString("0.025"), MinStockLevel: 500},
		{ID: "vanilla-syrup", Name: "Vanilla Syrup", Unit: "ml", UnitCost: decimal.RequireFromString("0.01"), MinStockLevel: 250},
		{ID: "sugar", Name: "Cane Sugar", Unit: "kg", UnitCost: decimal.RequireFromString("1.60"), MinStockLevel: 1},
		{ID: "cup-12oz", Name: "Paper Cup 12oz", Unit: "pcs", UnitCost: decimal.RequireFromString("0.08"), MinStockLevel: 50},
	}
	for _, m := range materials {
		m.CreatedAt = now
		s.rawMaterials[m.ID] = m
	}

	products := []domain.Product{
		{ID: "latte", Name: "Latte", Price: decimal.RequireFromString("4.50")},
		{ID: "americano", Name: "Americano", Price: decimal.RequireFromString("3.20")},
		{ID: "vanilla-latte", Name: "Vanilla Latte", Price: decimal.RequireFromString("5.10")},
		{ID: "croissant", Name: "Butter Croissant", Price: decimal.RequireFromString("2.80")},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		s.products[p.ID] = p
	}

	recipes := map[string][]domain.RecipeLine{
		"latte": {
			{RawMaterialID: "milk", Quantity: 200, Unit: "ml"},
			{RawMaterialID: "coffee-beans", Quantity: 18, Unit: "g"},
			{RawMaterialID: "cup-12oz", Quantity: 1, Unit: "pcs"},
		},
		"americano": {
			{RawMaterialID: "coffee-beans", Quantity: 18, Unit: "g"},
			{RawMaterialID: "cup-12oz", Quantity: 1, Unit: "pcs"},
		},
		"vanilla-latte": {
			{RawMaterialID: "milk", Quantity: 0.18, Unit: "l"},
			{RawMaterialID: "coffee-beans", Quantity: 18, Unit: "g"},
			{RawMaterialID: "vanilla-syrup", Quantity: 20, Unit: "ml"},
			{RawMaterialID: "cup-12oz", Quantity: 1, Unit: "pcs"},
		},
	}
	for productID, lines := range recipes {
		s.recipesByProduct[productID] = []domain.RecipeVersion{{
			ID:        xid.New("rcp"),
			ProductID: productID,
			Version:   1,
			IsActive:  true,
			Lines:     lines,
			TotalCost: seedRecipeCost(lines, s.rawMaterials),
			CreatedBy: "seed",
			CreatedAt: now,
		}}
	}

	s.stocks["main-branch"] = map[string]domain.BranchStock{
		"milk":          {BranchID: "main-branch", RawMaterialID: "milk", CurrentQuantity: 12000, LastUpdated: now},
		"coffee-beans":  {BranchID: "main-branch", RawMaterialID: "coffee-beans", CurrentQuantity: 3000, LastUpdated: now},
		"vanilla-syrup": {BranchID: "main-branch", RawMaterialID: "vanilla-syrup", CurrentQuantity: 1000, LastUpdated: now},
		"sugar":         {BranchID: "main-branch", RawMaterialID: "sugar", CurrentQuantity: 5, LastUpdated: now},
		"cup-12oz":      {BranchID: "main-branch", RawMaterialID: "cup-12oz", CurrentQuantity: 300, LastUpdated: now},
	}

	s.usersByUsername = seedUsers()
	return s
}

// seedRecipeCost assumes seed units already match or convert by factor 1000.
func seedRecipeCost(lines []domain.RecipeLine, materials map[string]domain.RawMaterial) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		material := materials[line.RawMaterialID]
		qty := line.Quantity
		if line.Unit == "l" && material.Unit == "ml" {
			qty *= 1000
		}
		total = total.Add(decimal.NewFromFloat(qty).Mul(material.UnitCost))
	}
	return total
}

func (s *Store) CreateRawMaterial(_ context.Context, material domain.RawMaterial) (*domain.RawMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if material.ID == "" || material.Name == "" || material.Unit == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.rawMaterials[material.ID]; exists {
		return nil, store.ErrConflict
	}
	if material.CreatedAt.IsZero() {
		material.CreatedAt = time.Now().UTC()
	}
	s.rawMaterials[material.ID] = material
	created := material
	return &created, nil
}

func (s *Store) GetRawMaterial(_ context.Context, id string) (*domain.RawMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	material, exists := s.rawMaterials[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &material, nil
}

func (s *Store) ListRawMaterials(_ context.Context) ([]domain.RawMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	materials := make([]domain.RawMaterial, 0, len(s.rawMaterials))
	for _, m := range s.rawMaterials {
		materials = append(materials, m)
	}
	slices.SortFunc(materials, func(a, b domain.RawMaterial) int {
		return strings.Compare(a.Name, b.Name)
	})
	return materials, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || !product.Price.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateRecipeVersion(_ context.Context, recipe domain.RecipeVersion) (*domain.RecipeVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recipe.ProductID == "" || len(recipe.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	versions := s.recipesByProduct[recipe.ProductID]
	maxVersion := 0
	for i := range versions {
		if versions[i].Version > maxVersion {
			maxVersion = versions[i].Version
		}
		versions[i].IsActive = false
	}

	if recipe.ID == "" {
		recipe.ID = xid.New("rcp")
	}
	if recipe.CreatedAt.IsZero() {
		recipe.CreatedAt = time.Now().UTC()
	}
	recipe.Version = maxVersion + 1
	recipe.IsActive = true
	recipe.Lines = slices.Clone(recipe.Lines)
	s.recipesByProduct[recipe.ProductID] = append(versions, recipe)

	created := cloneRecipe(recipe)
	return &created, nil
}

func (s *Store) GetActiveRecipe(_ context.Context, productID string) (*domain.RecipeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active *domain.RecipeVersion
	for i := range s.recipesByProduct[productID] {
		v := &s.recipesByProduct[productID][i]
		if v.IsActive && (active == nil || v.Version > active.Version) {
			active = v
		}
	}
	if active == nil {
		return nil, store.ErrNotFound
	}
	found := cloneRecipe(*active)
	return &found, nil
}

func (s *Store) ListRecipeVersions(_ context.Context, productID string) ([]domain.RecipeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.recipesByProduct[productID]
	result := make([]domain.RecipeVersion, 0, len(versions))
	for _, v := range versions {
		result = append(result, cloneRecipe(v))
	}
	slices.SortFunc(result, func(a, b domain.RecipeVersion) int {
		return b.Version - a.Version
	})
	return result, nil
}

func (s *Store) GetStock(_ context.Context, branchID string, rawMaterialID string) (*domain.BranchStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, exists := s.stocks[branchID][rawMaterialID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &stock, nil
}

func (s *Store) ListStocks(_ context.Context, branchID string) ([]domain.BranchStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]domain.BranchStock, 0, len(s.stocks[branchID]))
	for _, stock := range s.stocks[branchID] {
		stocks = append(stocks, stock)
	}
	slices.SortFunc(stocks, func(a, b domain.BranchStock) int {
		return strings.Compare(a.RawMaterialID, b.RawMaterialID)
	})
	return stocks, nil
}

func (s *Store) ApplyStockDelta(_ context.Context, delta store.StockDelta) (*domain.StockMovement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta.BranchID == "" || delta.RawMaterialID == "" || !delta.MovementType.Valid() {
		return nil, false, store.ErrInvalidInput
	}
	if delta.IdempotencyKey != "" {
		if idx, exists := s.movementsByKey[delta.IdempotencyKey]; exists {
			existing := s.movements[idx]
			return &existing, false, nil
		}
	}

	at := delta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if s.stocks[delta.BranchID] == nil {
		s.stocks[delta.BranchID] = make(map[string]domain.BranchStock)
	}
	stock, exists := s.stocks[delta.BranchID][delta.RawMaterialID]
	if !exists {
		stock = domain.BranchStock{BranchID: delta.BranchID, RawMaterialID: delta.RawMaterialID}
	}

	previous := stock.CurrentQuantity
	next := roundQuantity(previous + delta.Delta)
	if delta.RequireNonNegative && next < 0 {
		return nil, false, store.ErrInsufficientStock
	}

	stock.CurrentQuantity = next
	stock.LastUpdated = at
	s.stocks[delta.BranchID][delta.RawMaterialID] = stock

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
	s.movements = append(s.movements, movement)
	if delta.IdempotencyKey != "" {
		s.movementsByKey[delta.IdempotencyKey] = len(s.movements) - 1
	}
	return &movement, true, nil
}

func (s *Store) FindMovementByKey(_ context.Context, idempotencyKey string) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, exists := s.movementsByKey[idempotencyKey]
	if !exists || idempotencyKey == "" {
		return nil, store.ErrNotFound
	}
	movement := s.movements[idx]
	return &movement, nil
}

func (s *Store) ListMovements(_ context.Context, branchID string, rawMaterialID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.BranchID != branchID || m.RawMaterialID != rawMaterialID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateAlertIfAbsent(_ context.Context, alert domain.StockAlert) (*domain.StockAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.BranchID == "" || alert.RawMaterialID == "" || !alert.AlertType.Valid() {
		return nil, false, store.ErrInvalidInput
	}
	for _, existing := range s.alertsByID {
		if existing.Resolved {
			continue
		}
		if existing.BranchID == alert.BranchID && existing.RawMaterialID == alert.RawMaterialID && existing.AlertType == alert.AlertType {
			found := existing
			return &found, false, nil
		}
	}

	if alert.ID == "" {
		alert.ID = xid.New("alr")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Resolved = false
	alert.ResolvedBy = ""
	alert.ResolvedAt = nil
	s.alertsByID[alert.ID] = alert
	created := alert
	return &created, true, nil
}

func (s *Store) ResolveAlert(_ context.Context, alertID string, resolvedBy string, at time.Time) (*domain.StockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, exists := s.alertsByID[alertID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !alert.Resolved {
		resolvedAt := at
		alert.Resolved = true
		alert.ResolvedBy = resolvedBy
		alert.ResolvedAt = &resolvedAt
		s.alertsByID[alertID] = alert
	}
	resolved := alert
	return &resolved, nil
}

func (s *Store) ListUnresolvedAlerts(_ context.Context, branchID string) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]domain.StockAlert, 0, 8)
	for _, alert := range s.alertsByID {
		if alert.Resolved {
			continue
		}
		if branchID != "" && alert.BranchID != branchID {
			continue
		}
		alerts = append(alerts, alert)
	}
	slices.SortFunc(alerts, func(a, b domain.StockAlert) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return alerts, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.BranchID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if order.IdempotencyKey != "" {
		if id, exists := s.ordersByIdem[order.IdempotencyKey]; exists {
			existing := cloneOrder(s.ordersByID[id])
			return &existing, nil
		}
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.CostSnapshot = nil
	stored := cloneOrder(order)
	s.ordersByID[order.ID] = stored
	if order.IdempotencyKey != "" {
		s.ordersByIdem[order.IdempotencyKey] = order.ID
	}
	created := cloneOrder(stored)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneOrder(order)
	return &found, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.ordersByIdem[key]
	if !exists || key == "" {
		return nil, store.ErrNotFound
	}
	found := cloneOrder(s.ordersByID[id])
	return &found, nil
}

func (s *Store) AttachCostSnapshot(_ context.Context, orderID string, snapshot domain.OrderCostSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return store.ErrNotFound
	}
	cloned := cloneSnapshot(snapshot)
	order.CostSnapshot = &cloned
	s.ordersByID[orderID] = order
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" || !user.Role.Valid() {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// roundQuantity trims float noise so 0.3-0.1-0.2 lands on 0 rather than -2.7e-17.
func roundQuantity(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

func cloneRecipe(src domain.RecipeVersion) domain.RecipeVersion {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.AddOns = slices.Clone(src.AddOns)
	if src.CostSnapshot != nil {
		snapshot := cloneSnapshot(*src.CostSnapshot)
		dst.CostSnapshot = &snapshot
	}
	return dst
}

func cloneSnapshot(src domain.OrderCostSnapshot) domain.OrderCostSnapshot {
	dst := src
	dst.Details = slices.Clone(src.Details)
	dst.Shortages = slices.Clone(src.Shortages)
	dst.Warnings = slices.Clone(src.Warnings)
	dst.Errors = slices.Clone(src.Errors)
	return dst
}

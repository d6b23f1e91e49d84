// Package recipe owns versioned product recipes and their costing.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brewline/backend/internal/cache"
	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/units"
)

// Issue describes one rejected recipe line. Line is the zero-based index, or -1
// for problems with the submission as a whole.
type Issue struct {
	Line    int    `json:"line"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Line < 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
			continue
		}
		parts = append(parts, fmt.Sprintf("line %d %s: %s", issue.Line, issue.Field, issue.Message))
	}
	return "invalid recipe: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == store.ErrInvalidInput
}

type Service struct {
	recipes store.RecipeRepository
	catalog store.CatalogRepository
	cache   cache.RecipeCache
	ttl     time.Duration
	logger  logrus.FieldLogger
}

func NewService(recipes store.RecipeRepository, catalog store.CatalogRepository, recipeCache cache.RecipeCache, ttl time.Duration, logger logrus.FieldLogger) *Service {
	if recipeCache == nil {
		recipeCache = cache.NoopRecipeCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		recipes: recipes,
		catalog: catalog,
		cache:   recipeCache,
		ttl:     ttl,
		logger:  logger,
	}
}

// LineCost converts quantity into the material's own unit and prices it. ok is
// false when the units are unrelated and the quantity was used unconverted.
func LineCost(quantity float64, unit string, material domain.RawMaterial) (converted float64, cost decimal.Decimal, ok bool) {
	converted, ok = units.TryConvert(quantity, unit, material.Unit)
	return converted, decimal.NewFromFloat(converted).Mul(material.UnitCost), ok
}

// UnitMismatchWarning is the data-quality message for a conversion that fell
// back to the raw quantity.
func UnitMismatchWarning(rawMaterialID string, fromUnit string, toUnit string) string {
	return fmt.Sprintf("no conversion from %q to %q for raw material %s; quantity used unconverted", fromUnit, toUnit, rawMaterialID)
}

// CreateVersion validates every line, prices the recipe and stores it as the
// product's new active version. Any failing line rejects the whole submission
// with a *ValidationError. The returned warnings list unit conversions that
// could not be applied.
func (s *Service) CreateVersion(ctx context.Context, productID string, lines []domain.RecipeLine, notes string, createdBy string) (*domain.RecipeVersion, []string, error) {
	productID = strings.TrimSpace(productID)
	issues := make([]Issue, 0)
	if productID == "" {
		issues = append(issues, Issue{Line: -1, Field: "product_id", Message: "is required"})
	} else if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("lookup product: %w", err)
		}
		issues = append(issues, Issue{Line: -1, Field: "product_id", Message: "product does not exist"})
	}
	if len(lines) == 0 {
		issues = append(issues, Issue{Line: -1, Field: "lines", Message: "at least one line is required"})
	}

	materials := make(map[string]domain.RawMaterial, len(lines))
	for i, line := range lines {
		if line.Quantity <= 0 {
			issues = append(issues, Issue{Line: i, Field: "quantity", Message: "must be greater than 0"})
		}
		if !units.Supported(line.Unit) {
			issues = append(issues, Issue{Line: i, Field: "unit", Message: fmt.Sprintf("unsupported unit %q", line.Unit)})
		}
		id := strings.TrimSpace(line.RawMaterialID)
		if id == "" {
			issues = append(issues, Issue{Line: i, Field: "raw_material_id", Message: "is required"})
			continue
		}
		if _, seen := materials[id]; seen {
			continue
		}
		material, err := s.catalog.GetRawMaterial(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			issues = append(issues, Issue{Line: i, Field: "raw_material_id", Message: fmt.Sprintf("raw material %s does not exist", id)})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lookup raw material %s: %w", id, err)
		}
		materials[id] = *material
	}
	if len(issues) > 0 {
		return nil, nil, &ValidationError{Issues: issues}
	}

	stored := make([]domain.RecipeLine, 0, len(lines))
	warnings := make([]string, 0)
	total := decimal.Zero
	for _, line := range lines {
		id := strings.TrimSpace(line.RawMaterialID)
		material := materials[id]
		unit := units.Canonical(line.Unit)
		_, cost, ok := LineCost(line.Quantity, unit, material)
		if !ok {
			warnings = append(warnings, UnitMismatchWarning(id, unit, material.Unit))
		}
		total = total.Add(cost)
		stored = append(stored, domain.RecipeLine{RawMaterialID: id, Quantity: line.Quantity, Unit: unit})
	}

	created, err := s.recipes.CreateRecipeVersion(ctx, domain.RecipeVersion{
		ProductID: productID,
		Lines:     stored,
		TotalCost: total,
		Notes:     strings.TrimSpace(notes),
		CreatedBy: createdBy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store recipe version: %w", err)
	}

	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.WithError(err).WithField("product_id", productID).Warn("invalidate recipe cache")
	}
	for _, warning := range warnings {
		s.logger.WithField("product_id", productID).Warn(warning)
	}
	return created, warnings, nil
}

// GetActive returns the product's active version, or an error wrapping
// store.ErrNotFound when the product has none.
func (s *Service) GetActive(ctx context.Context, productID string) (*domain.RecipeVersion, error) {
	cached, hit, err := s.cache.Get(ctx, productID)
	if err != nil {
		s.logger.WithError(err).WithField("product_id", productID).Warn("read recipe cache")
	} else if hit {
		return cached, nil
	}

	active, err := s.recipes.GetActiveRecipe(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("active recipe for %s: %w", productID, err)
	}
	if err := s.cache.Set(ctx, productID, active, s.ttl); err != nil {
		s.logger.WithError(err).WithField("product_id", productID).Warn("write recipe cache")
	}
	return active, nil
}

// CostOf is the stored total cost of the active version. A product without an
// active recipe cannot be costed and yields store.ErrNotFound, never zero.
func (s *Service) CostOf(ctx context.Context, productID string) (decimal.Decimal, error) {
	active, err := s.GetActive(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return active.TotalCost, nil
}

func (s *Service) ListVersions(ctx context.Context, productID string) ([]domain.RecipeVersion, error) {
	if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	return s.recipes.ListRecipeVersions(ctx, productID)
}

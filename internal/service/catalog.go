package service

import (
	"context"
	"fmt"
	"strings"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/units"
)

func (s *Service) CreateRawMaterial(ctx context.Context, req domain.RawMaterialCreateRequest) (domain.RawMaterial, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.RawMaterial{}, err
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.RawMaterial{}, err
	}
	if !units.Supported(req.Unit) {
		return domain.RawMaterial{}, fmt.Errorf("%w: unsupported unit %q", store.ErrInvalidInput, req.Unit)
	}
	if req.UnitCost.IsNegative() {
		return domain.RawMaterial{}, fmt.Errorf("%w: unit_cost must not be negative", store.ErrInvalidInput)
	}

	created, err := s.repo.CreateRawMaterial(ctx, domain.RawMaterial{
		ID:            req.ID,
		Name:          req.Name,
		Unit:          units.Canonical(req.Unit),
		UnitCost:      req.UnitCost,
		MinStockLevel: req.MinStockLevel,
	})
	if err != nil {
		return domain.RawMaterial{}, err
	}

	s.logAudit(ctx, "", "raw_material_create", "raw_material", created.ID,
		fmt.Sprintf("name=%s,unit=%s,unit_cost=%s,min=%g", created.Name, created.Unit, created.UnitCost, created.MinStockLevel))
	return *created, nil
}

func (s *Service) ListRawMaterials(ctx context.Context) ([]domain.RawMaterial, error) {
	return s.repo.ListRawMaterials(ctx)
}

func (s *Service) GetRawMaterial(ctx context.Context, id string) (domain.RawMaterial, error) {
	material, err := s.repo.GetRawMaterial(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.RawMaterial{}, err
	}
	return *material, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	if !req.Price.IsPositive() {
		return domain.Product{}, fmt.Errorf("%w: price must be greater than 0", store.ErrInvalidInput)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{ID: req.ID, Name: req.Name, Price: req.Price})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "", "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%s", created.Name, created.Price))
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateRecipe(ctx context.Context, req domain.RecipeCreateRequest) (domain.RecipeCreateResponse, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.RecipeCreateResponse{}, err
	}
	if err := s.check(req); err != nil {
		return domain.RecipeCreateResponse{}, err
	}

	created, warnings, err := s.recipes.CreateVersion(ctx, req.ProductID, req.Lines, req.Notes, actor.Username)
	if err != nil {
		return domain.RecipeCreateResponse{}, err
	}

	s.logAudit(ctx, "", "recipe_create", "recipe", created.ID,
		fmt.Sprintf("product=%s,version=%d,lines=%d,total_cost=%s", created.ProductID, created.Version, len(created.Lines), created.TotalCost))
	return domain.RecipeCreateResponse{Recipe: *created, Warnings: warnings}, nil
}

func (s *Service) GetActiveRecipe(ctx context.Context, productID string) (domain.RecipeVersion, error) {
	active, err := s.recipes.GetActive(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.RecipeVersion{}, err
	}
	return *active, nil
}

func (s *Service) ListRecipeVersions(ctx context.Context, productID string) ([]domain.RecipeVersion, error) {
	return s.recipes.ListVersions(ctx, strings.TrimSpace(productID))
}

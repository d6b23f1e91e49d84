package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"brewline/backend/internal/domain"
)

func (a *API) handleListRawMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := a.service.ListRawMaterials(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"raw_materials": materials})
}

func (a *API) handleGetRawMaterial(w http.ResponseWriter, r *http.Request) {
	material, err := a.service.GetRawMaterial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, material)
}

func (a *API) handleCreateRawMaterial(w http.ResponseWriter, r *http.Request) {
	var req domain.RawMaterialCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	material, err := a.service.CreateRawMaterial(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, material)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleActiveRecipe(w http.ResponseWriter, r *http.Request) {
	active, err := a.service.GetActiveRecipe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (a *API) handleRecipeVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.service.ListRecipeVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": versions})
}

// handleCreateRecipe takes the product from the path; a product_id in the body
// is overwritten.
func (a *API) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	var req domain.RecipeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ProductID = chi.URLParam(r, "id")

	resp, err := a.service.CreateRecipe(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/storefront/storefront-go/internal/models"
	"github.com/storefront/storefront-go/internal/services"
)

// ListProductsHandler handles GET /api/v1/products
func (a *App) ListProductsHandler(w http.ResponseWriter, r *http.Request) {
	var filter models.ProductFilter
	fields := map[string]string{}

	category := r.URL.Query().Get("category")
	if category == "" {
		category = r.Header.Get("required-category")
	}
	if category != "" {
		id, err := strconv.ParseInt(category, 10, 64)
		if err != nil || id <= 0 {
			fields["category"] = "must be a category id"
		}
		filter.CategoryID = id
	}

	filter.Search = r.URL.Query().Get("search")
	if filter.Search == "" {
		filter.Search = r.Header.Get("search-keyword")
	}

	var err error
	if filter.Page, err = intParam(r, "page", "page-no"); err != nil {
		fields["page"] = err.Error()
	}
	if filter.PageSize, err = intParam(r, "page_size", "results-per-page"); err != nil {
		fields["page_size"] = err.Error()
	}
	if len(fields) > 0 {
		writeError(w, r, &services.ValidationError{Fields: fields})
		return
	}

	page, err := a.productService.ListProducts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListHotProductsHandler handles GET /api/v1/hot_products
func (a *App) ListHotProductsHandler(w http.ResponseWriter, r *http.Request) {
	products, err := a.productService.ListHotProducts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// GetProductHandler handles GET /api/v1/products/{id}
func (a *App) GetProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	product, err := a.productService.GetProduct(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// CreateProductHandler handles POST /api/v1/products
func (a *App) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	var in models.ProductInput
	if !decodeJSON(w, r, &in) {
		return
	}
	product, err := a.productService.CreateProduct(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

// UpdateProductHandler handles PUT /api/v1/products/{id}
func (a *App) UpdateProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in models.ProductInput
	if !decodeJSON(w, r, &in) {
		return
	}
	product, err := a.productService.UpdateProduct(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// DeleteProductHandler handles DELETE /api/v1/products/{id}
func (a *App) DeleteProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.productService.DeleteProduct(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) ListCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	categories, err := a.categoryService.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (a *App) GetCategoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	category, err := a.categoryService.GetCategory(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, category)
}

func (a *App) CreateCategoryHandler(w http.ResponseWriter, r *http.Request) {
	var in models.CategoryInput
	if !decodeJSON(w, r, &in) {
		return
	}
	category, err := a.categoryService.CreateCategory(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (a *App) UpdateCategoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in models.CategoryInput
	if !decodeJSON(w, r, &in) {
		return
	}
	category, err := a.categoryService.UpdateCategory(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, category)
}

func (a *App) DeleteCategoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.categoryService.DeleteCategory(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) ListOffersHandler(w http.ResponseWriter, r *http.Request) {
	offers, err := a.offerService.ListOffers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (a *App) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offer, err := a.offerService.GetOffer(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (a *App) CreateOfferHandler(w http.ResponseWriter, r *http.Request) {
	var in models.OfferInput
	if !decodeJSON(w, r, &in) {
		return
	}
	offer, err := a.offerService.CreateOffer(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (a *App) UpdateOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in models.OfferInput
	if !decodeJSON(w, r, &in) {
		return
	}
	offer, err := a.offerService.UpdateOffer(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (a *App) DeleteOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.offerService.DeleteOffer(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

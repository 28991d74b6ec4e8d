package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	productSelect = `
		SELECT p.id, p.name, p.image, p.category_id, c.name, p.price, p.inventory, p.description, p.hot
		FROM products p
		JOIN categories c ON c.id = p.category_id`
	productByIDQuery   = productSelect + " WHERE p.id = ?"
	hotProductsQuery   = productSelect + " WHERE p.hot = TRUE ORDER BY p.id"
	insertProductQuery = "INSERT INTO products (name, image, category_id, price, inventory, description, hot) VALUES (?, ?, ?, ?, ?, ?, ?)"
	updateProductQuery = "UPDATE products SET name = ?, image = ?, category_id = ?, price = ?, inventory = ?, description = ?, hot = ? WHERE id = ?"
	deleteProductQuery = "DELETE FROM products WHERE id = ?"
)

var maxPriceExclusive = decimal.New(1, 15)

// ProductCache holds cached products
type ProductCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[int64]cachedProduct
}

type cachedProduct struct {
	product models.Product
	expires time.Time
}

// NewProductCache creates a cache whose entries live for ttl. A ttl of zero disables caching.
func NewProductCache(ttl time.Duration) *ProductCache {
	return &ProductCache{
		ttl:   ttl,
		items: make(map[int64]cachedProduct),
	}
}

func (c *ProductCache) get(id int64, now time.Time) (models.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.items[id]
	if !ok || !now.Before(cached.expires) {
		return models.Product{}, false
	}
	return cached.product, true
}

func (c *ProductCache) put(p models.Product, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[p.ID] = cachedProduct{product: p, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ProductCache) invalidate(id int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// ProductOptions configures listing and caching
type ProductOptions struct {
	// Cache may be shared with OrderService. When nil a cache with CacheTTL is created.
	Cache           *ProductCache
	CacheTTL        time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

// ProductService handles product-related operations
type ProductService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	cache   *ProductCache
	opts    ProductOptions
	now     func() time.Time
}

// NewProductService creates a new product service
func NewProductService(database *db.DB, m *metrics.AppMetrics, opts ProductOptions) *ProductService {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 10
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = opts.DefaultPageSize
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewProductCache(opts.CacheTTL)
	}
	return &ProductService{
		db:      database,
		metrics: m,
		cache:   cache,
		opts:    opts,
		now:     time.Now,
	}
}

// ListProducts returns one page of products matching the filter, ordered by id.
func (s *ProductService) ListProducts(ctx context.Context, filter models.ProductFilter) (*models.ProductPage, error) {
	v := validator{}
	v.check(filter.Page >= 0, "page", "must be a positive number")
	v.check(filter.PageSize >= 0, "page_size", "must be a positive number")
	if err := v.err(); err != nil {
		return nil, err
	}
	page := max(filter.Page, 1)
	size := filter.PageSize
	if size == 0 {
		size = s.opts.DefaultPageSize
	}
	size = min(size, s.opts.MaxPageSize)

	var where []string
	var args []any
	if filter.CategoryID > 0 {
		where = append(where, "p.category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.Search != "" {
		where = append(where, `p.name LIKE ? ESCAPE '\\'`)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM products p" + clause
	start := time.Now()
	var count int
	err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", countQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	pages := max((count+size-1)/size, 1)
	if page > pages {
		return &models.ProductPage{Data: []models.Product{}, NoOfPages: pages}, nil
	}

	query := productSelect + clause + " ORDER BY p.id LIMIT ? OFFSET ?"
	products, err := s.queryProducts(ctx, query, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, err
	}
	return &models.ProductPage{Data: products, NoOfPages: pages}, nil
}

// ListHotProducts returns every product flagged as hot.
func (s *ProductService) ListHotProducts(ctx context.Context) ([]models.Product, error) {
	return s.queryProducts(ctx, hotProductsQuery)
}

func (s *ProductService) queryProducts(ctx context.Context, query string, args ...any) ([]models.Product, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := make([]models.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Image, &p.CategoryID, &p.CategoryName,
		&p.Price, &p.Inventory, &p.Description, &p.Hot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	return p, nil
}

// GetProduct returns a product by ID
func (s *ProductService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	now := s.now()
	if p, ok := s.cache.get(id, now); ok {
		s.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...))
		s.recordView(ctx, p)
		return &p, nil
	}
	s.metrics.CacheMisses.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...))

	start := time.Now()
	p, err := scanProduct(s.db.QueryRowContext(ctx, productByIDQuery, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", productByIDQuery, start, err == nil || errors.Is(err, ErrNotFound))
	if err != nil {
		return nil, err
	}

	s.cache.put(p, now)
	s.recordView(ctx, p)
	return &p, nil
}

func (s *ProductService) recordView(ctx context.Context, p models.Product) {
	attrs := s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.Int64("product_id", p.ID),
		attribute.String("product_category", p.CategoryName),
	})
	s.metrics.ProductsViewed.Add(ctx, 1, metric.WithAttributes(attrs...))
	s.metrics.InventoryLevel.Record(ctx, int64(p.Inventory), metric.WithAttributes(attrs...))
}

// CreateProduct validates and stores a new product.
func (s *ProductService) CreateProduct(ctx context.Context, in models.ProductInput) (*models.Product, error) {
	if err := validateProduct(in); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertProductQuery, in.Name, in.Image, in.CategoryID, in.Price, in.Inventory, in.Description, in.Hot)
	s.metrics.RecordDBQuery(ctx, "INSERT", "products", insertProductQuery, start, err == nil)
	if err != nil {
		return nil, translateProductError(err, "failed to create product")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get product ID: %w", err)
	}

	log.Printf("[PRODUCT] Product created: product_id=%d, category_id=%d", id, in.CategoryID)
	return s.GetProduct(ctx, id)
}

// UpdateProduct replaces the writable fields of a product.
func (s *ProductService) UpdateProduct(ctx context.Context, id int64, in models.ProductInput) (*models.Product, error) {
	if err := validateProduct(in); err != nil {
		return nil, err
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx, updateProductQuery, in.Name, in.Image, in.CategoryID, in.Price, in.Inventory, in.Description, in.Hot, id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "products", updateProductQuery, start, err == nil)
	if err != nil {
		return nil, translateProductError(err, "failed to update product")
	}
	s.cache.invalidate(id)

	// a missing product surfaces on the read back
	return s.GetProduct(ctx, id)
}

// DeleteProduct removes a product that no cart or order item references.
func (s *ProductService) DeleteProduct(ctx context.Context, id int64) error {
	return deleteByID(ctx, s.metrics, s.db, "products", deleteProductQuery, id, func() { s.cache.invalidate(id) })
}

func validateProduct(in models.ProductInput) error {
	v := validator{}
	v.check(strings.TrimSpace(in.Name) != "", "name", "this field is required")
	v.check(len([]rune(in.Name)) <= 100, "name", "must be at most 100 characters")
	v.check(in.CategoryID > 0, "category", "this field is required")
	v.check(!in.Price.IsNegative(), "price", "must not be negative")
	v.check(in.Price.Exponent() >= -4, "price", "must have at most 4 decimal places")
	v.check(in.Price.LessThan(maxPriceExclusive), "price", "must have at most 15 integer digits")
	v.check(in.Inventory >= 0 && in.Inventory <= models.MaxQuantity, "inventory",
		fmt.Sprintf("must be between 0 and %d", models.MaxQuantity))
	v.check(len([]rune(in.Description)) <= 500, "description", "must be at most 500 characters")
	return v.err()
}

func translateProductError(err error, msg string) error {
	if db.IsMySQLError(err, db.ErrNumNoReferencedRow) {
		return &ValidationError{Fields: map[string]string{"category": "category does not exist"}}
	}
	return translateWriteError(err, msg)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// deleteByID deletes one row, reporting ErrNotFound when it is missing and
// ErrProtected while other rows still reference it.
func deleteByID(ctx context.Context, m *metrics.AppMetrics, q db.Querier, table, query string, id int64, after func()) error {
	start := time.Now()
	result, err := q.ExecContext(ctx, query, id)
	m.RecordDBQuery(ctx, "DELETE", table, query, start, err == nil)
	if db.IsMySQLError(err, db.ErrNumRowIsReferenced) {
		return ErrProtected
	}
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if after != nil {
		after()
	}
	return nil
}

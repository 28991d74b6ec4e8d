package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/models"
)

const maxCategoryNameLength = 30

const (
	listCategoriesQuery = "SELECT id, name FROM categories ORDER BY id"
	categoryByIDQuery   = "SELECT id, name FROM categories WHERE id = ?"
	insertCategoryQuery = "INSERT INTO categories (name) VALUES (?)"
	updateCategoryQuery = "UPDATE categories SET name = ? WHERE id = ?"
	deleteCategoryQuery = "DELETE FROM categories WHERE id = ?"

	offerColumns     = "id, name, offer_type, amount, active_from, active_until"
	listOffersQuery  = "SELECT " + offerColumns + " FROM offers ORDER BY id"
	offerByIDQuery   = "SELECT " + offerColumns + " FROM offers WHERE id = ?"
	insertOfferQuery = "INSERT INTO offers (name, offer_type, amount, active_from, active_until) VALUES (?, ?, ?, ?, ?)"
	updateOfferQuery = "UPDATE offers SET name = ?, offer_type = ?, amount = ?, active_from = ?, active_until = ? WHERE id = ?"
	deleteOfferQuery = "DELETE FROM offers WHERE id = ?"
)

// CategoryService manages product categories
type CategoryService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

func NewCategoryService(database *db.DB, m *metrics.AppMetrics) *CategoryService {
	return &CategoryService{db: database, metrics: m}
}

func (s *CategoryService) ListCategories(ctx context.Context) ([]models.Category, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, listCategoriesQuery)
	s.metrics.RecordDBQuery(ctx, "SELECT", "categories", listCategoriesQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	categories := make([]models.Category, 0)
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *CategoryService) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	start := time.Now()
	var c models.Category
	err := s.db.QueryRowContext(ctx, categoryByIDQuery, id).Scan(&c.ID, &c.Name)
	s.metrics.RecordDBQuery(ctx, "SELECT", "categories", categoryByIDQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &c, nil
}

func (s *CategoryService) CreateCategory(ctx context.Context, in models.CategoryInput) (*models.Category, error) {
	if err := validateCategory(in); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertCategoryQuery, in.Name)
	s.metrics.RecordDBQuery(ctx, "INSERT", "categories", insertCategoryQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to create category")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get category ID: %w", err)
	}
	return &models.Category{ID: id, Name: in.Name}, nil
}

func (s *CategoryService) UpdateCategory(ctx context.Context, id int64, in models.CategoryInput) (*models.Category, error) {
	if err := validateCategory(in); err != nil {
		return nil, err
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx, updateCategoryQuery, in.Name, id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "categories", updateCategoryQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to update category")
	}
	return s.GetCategory(ctx, id)
}

// DeleteCategory fails with ErrProtected while products still belong to it.
func (s *CategoryService) DeleteCategory(ctx context.Context, id int64) error {
	return deleteByID(ctx, s.metrics, s.db, "categories", deleteCategoryQuery, id, nil)
}

func validateCategory(in models.CategoryInput) error {
	v := validator{}
	v.check(strings.TrimSpace(in.Name) != "", "name", "this field is required")
	v.check(len([]rune(in.Name)) <= maxCategoryNameLength, "name",
		fmt.Sprintf("must be at most %d characters", maxCategoryNameLength))
	return v.err()
}

// OfferService manages offers. Offers are only linked to items; they never change a price.
type OfferService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

func NewOfferService(database *db.DB, m *metrics.AppMetrics) *OfferService {
	return &OfferService{db: database, metrics: m}
}

func (s *OfferService) ListOffers(ctx context.Context) ([]models.Offer, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, listOffersQuery)
	s.metrics.RecordDBQuery(ctx, "SELECT", "offers", listOffersQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	offers := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (s *OfferService) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	start := time.Now()
	o, err := scanOffer(s.db.QueryRowContext(ctx, offerByIDQuery, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "offers", offerByIDQuery, start, err == nil || errors.Is(err, ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OfferService) CreateOffer(ctx context.Context, in models.OfferInput) (*models.Offer, error) {
	if err := validateOffer(in); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertOfferQuery, in.Name, in.OfferType, in.Amount, in.ActiveFrom.UTC(), in.ActiveUntil.UTC())
	s.metrics.RecordDBQuery(ctx, "INSERT", "offers", insertOfferQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to create offer")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get offer ID: %w", err)
	}
	return &models.Offer{
		ID:          id,
		Name:        in.Name,
		OfferType:   in.OfferType,
		Amount:      in.Amount,
		ActiveFrom:  in.ActiveFrom.UTC(),
		ActiveUntil: in.ActiveUntil.UTC(),
	}, nil
}

func (s *OfferService) UpdateOffer(ctx context.Context, id int64, in models.OfferInput) (*models.Offer, error) {
	if err := validateOffer(in); err != nil {
		return nil, err
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx, updateOfferQuery, in.Name, in.OfferType, in.Amount, in.ActiveFrom.UTC(), in.ActiveUntil.UTC(), id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "offers", updateOfferQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to update offer")
	}
	return s.GetOffer(ctx, id)
}

// DeleteOffer fails with ErrProtected while cart or order items link to it.
func (s *OfferService) DeleteOffer(ctx context.Context, id int64) error {
	return deleteByID(ctx, s.metrics, s.db, "offers", deleteOfferQuery, id, nil)
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var o models.Offer
	if err := row.Scan(&o.ID, &o.Name, &o.OfferType, &o.Amount, &o.ActiveFrom, &o.ActiveUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, ErrNotFound
		}
		return o, fmt.Errorf("failed to scan offer: %w", err)
	}
	return o, nil
}

func validateOffer(in models.OfferInput) error {
	v := validator{}
	v.check(strings.TrimSpace(in.Name) != "", "name", "this field is required")
	v.check(len([]rune(in.Name)) <= 100, "name", "must be at most 100 characters")
	v.check(in.OfferType >= 0, "offer_type", "must not be negative")
	v.check(!in.Amount.IsNegative(), "amount", "must not be negative")
	v.check(!in.ActiveFrom.IsZero(), "active_from", "this field is required")
	v.check(!in.ActiveUntil.IsZero(), "active_until", "this field is required")
	v.check(in.ActiveFrom.Before(in.ActiveUntil), "active_until", "must be after active_from")
	return v.err()
}

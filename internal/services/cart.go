package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	cartItemOwnerQuery = `
		SELECT ci.cart_id, c.session
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		WHERE ci.id = ?
		FOR UPDATE`
	cartItemDetailQuery = `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, p.name, p.image, p.inventory, p.price, c.session
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		JOIN products p ON p.id = ci.product_id
		WHERE ci.id = ?`
	itemOffersQuery          = "SELECT cart_item_id, offer_id FROM cart_item_offers WHERE cart_item_id = ? ORDER BY offer_id"
	insertCartItemQuery      = "INSERT INTO cart_items (cart_id, product_id, quantity) VALUES (?, ?, ?)"
	updateCartItemQuery      = "UPDATE cart_items SET product_id = COALESCE(?, product_id), quantity = COALESCE(?, quantity) WHERE id = ?"
	deleteItemOffersQuery    = "DELETE FROM cart_item_offers WHERE cart_item_id = ?"
	deleteCartItemQuery      = "DELETE FROM cart_items WHERE id = ?"
	countCartItemsQuery      = "SELECT COUNT(*) FROM cart_items WHERE cart_id = ?"
	productExistsQuery       = "SELECT EXISTS(SELECT 1 FROM products WHERE id = ?)"
	countLiveCartsQuery      = "SELECT COUNT(DISTINCT session) FROM carts WHERE last_updated >= ?"
	countLiveCartItemsQuery  = "SELECT COALESCE(SUM(ci.quantity), 0) FROM cart_items ci JOIN carts c ON c.id = ci.cart_id WHERE c.last_updated >= ?"
	offerCountQueryTemplate  = "SELECT COUNT(*) FROM offers WHERE id IN (%s)"
	sessionHeaderDescription = "session header is required"
	maxSessionLength         = 128
)

// CartService handles the session cart
type CartService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	carts   *cartStore
	now     func() time.Time
}

// NewCartService creates a new cart service
func NewCartService(database *db.DB, m *metrics.AppMetrics) *CartService {
	return &CartService{
		db:      database,
		metrics: m,
		carts:   &cartStore{metrics: m},
		now:     time.Now,
	}
}

// StartMonitor periodically records the number of live carts until ctx is done.
func (s *CartService) StartMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recordLiveCarts(ctx)
		}
	}
}

func (s *CartService) recordLiveCarts(ctx context.Context) {
	cutoff := models.CartCutoff(s.now())
	attrs := metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...)

	start := time.Now()
	var carts int64
	err := s.db.QueryRowContext(ctx, countLiveCartsQuery, cutoff).Scan(&carts)
	s.metrics.RecordDBQuery(ctx, "SELECT", "carts", countLiveCartsQuery, start, err == nil)
	if err != nil {
		log.Printf("[CART] Failed to count live carts: %v", err)
		return
	}
	s.metrics.LiveCartsCount.Record(ctx, carts, attrs)

	start = time.Now()
	var units int64
	err = s.db.QueryRowContext(ctx, countLiveCartItemsQuery, cutoff).Scan(&units)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", countLiveCartItemsQuery, start, err == nil)
	if err != nil {
		log.Printf("[CART] Failed to count live cart items: %v", err)
		return
	}
	s.metrics.CartItemsCount.Record(ctx, units, attrs)
}

// ResolveCart returns the live cart of the session with its items, or nil.
func (s *CartService) ResolveCart(ctx context.Context, session string) (*models.Cart, error) {
	if session == "" {
		return nil, nil
	}
	cart, err := s.carts.resolve(ctx, s.db, session, s.now(), false)
	if err != nil || cart == nil {
		return nil, err
	}
	if cart.Items, err = s.carts.loadItems(ctx, s.db, cart.ID); err != nil {
		return nil, err
	}
	return cart, nil
}

// View lists the items of the session's live cart. Totals are present only when a cart exists.
func (s *CartService) View(ctx context.Context, session string) (*models.CartView, error) {
	cart, err := s.ResolveCart(ctx, session)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return &models.CartView{Items: []models.CartItem{}}, nil
	}
	total := cart.Total()
	return &models.CartView{
		Items:          cart.Items,
		CartTotal:      &total,
		CartExpiration: &models.Date{Time: cart.ExpiresAt()},
	}, nil
}

// AddItem appends a new line to the session's live cart, creating the cart if needed.
func (s *CartService) AddItem(ctx context.Context, session string, req models.AddCartItemRequest) (int64, error) {
	v := validator{}
	v.check(session != "", "session", sessionHeaderDescription)
	v.check(len(session) <= maxSessionLength, "session", fmt.Sprintf("must be at most %d characters", maxSessionLength))
	v.check(req.ProductID > 0, "product_id", "this field is required")
	checkQuantity(v, req.Quantity)
	checkOfferIDs(v, req.Offers)
	if err := v.err(); err != nil {
		return 0, err
	}

	now := s.now()
	var itemID int64
	err := s.db.WithTx(ctx, func(tx db.Querier) error {
		if err := s.checkReferences(ctx, tx, &req.ProductID, req.Offers); err != nil {
			return err
		}

		cart, created, err := s.carts.getOrCreate(ctx, tx, session, now)
		if err != nil {
			return err
		}

		start := time.Now()
		result, err := tx.ExecContext(ctx, insertCartItemQuery, cart.ID, req.ProductID, req.Quantity)
		s.metrics.RecordDBQuery(ctx, "INSERT", "cart_items", insertCartItemQuery, start, err == nil)
		if err != nil {
			return translateWriteError(err, "failed to add item to cart")
		}
		if itemID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get cart item ID: %w", err)
		}

		if err := insertLinks(ctx, s.metrics, tx, "cart_item_offers", "cart_item_id", itemID, req.Offers); err != nil {
			return err
		}
		if created {
			return nil
		}
		return s.carts.touch(ctx, tx, cart.ID, now)
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[CART] Added item: item_id=%d, product_id=%d, quantity=%d", itemID, req.ProductID, req.Quantity)
	return itemID, nil
}

// GetItem returns one item of the session with the totals of the session's live cart.
func (s *CartService) GetItem(ctx context.Context, session string, itemID int64) (*models.CartItemDetail, error) {
	start := time.Now()
	var item models.CartItem
	var owner string
	err := s.db.QueryRowContext(ctx, cartItemDetailQuery, itemID).Scan(&item.ID, &item.CartID, &item.ProductID,
		&item.Quantity, &item.ProductName, &item.ProductImage, &item.ProductInventory, &item.Price, &owner)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", cartItemDetailQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart item: %w", err)
	}
	if session == "" || owner != session {
		return nil, ErrForbidden
	}

	item.Offers = []int64{}
	links, err := s.carts.loadLinks(ctx, s.db, "cart_item_offers", itemOffersQuery, itemID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		item.Offers = append(item.Offers, l[1])
	}

	detail := &models.CartItemDetail{Item: item}
	cart, err := s.ResolveCart(ctx, session)
	if err != nil {
		return nil, err
	}
	if cart != nil {
		total := cart.Total()
		detail.CartTotal = &total
		detail.CartExpiration = &models.Date{Time: cart.ExpiresAt()}
	}
	return detail, nil
}

// UpdateItem changes the product, quantity and/or offers of an item the session owns.
func (s *CartService) UpdateItem(ctx context.Context, session string, itemID int64, req models.UpdateCartItemRequest) (int64, error) {
	v := validator{}
	if req.ProductID != nil {
		v.check(*req.ProductID > 0, "product_id", "must be a valid product")
	}
	if req.Quantity != nil {
		checkQuantity(v, *req.Quantity)
	}
	if req.Offers != nil {
		checkOfferIDs(v, *req.Offers)
	}
	if err := v.err(); err != nil {
		return 0, err
	}

	now := s.now()
	err := s.db.WithTx(ctx, func(tx db.Querier) error {
		cartID, err := s.lockOwnedItem(ctx, tx, session, itemID)
		if err != nil {
			return err
		}

		var offers []int64
		if req.Offers != nil {
			offers = *req.Offers
		}
		if err := s.checkReferences(ctx, tx, req.ProductID, offers); err != nil {
			return err
		}

		start := time.Now()
		_, err = tx.ExecContext(ctx, updateCartItemQuery, req.ProductID, req.Quantity, itemID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "cart_items", updateCartItemQuery, start, err == nil)
		if err != nil {
			return translateWriteError(err, "failed to update cart item")
		}

		if req.Offers != nil {
			start = time.Now()
			_, err = tx.ExecContext(ctx, deleteItemOffersQuery, itemID)
			s.metrics.RecordDBQuery(ctx, "DELETE", "cart_item_offers", deleteItemOffersQuery, start, err == nil)
			if err != nil {
				return fmt.Errorf("failed to clear offers: %w", err)
			}
			if err := insertLinks(ctx, s.metrics, tx, "cart_item_offers", "cart_item_id", itemID, offers); err != nil {
				return err
			}
		}
		return s.carts.touch(ctx, tx, cartID, now)
	})
	if err != nil {
		return 0, err
	}
	return itemID, nil
}

// RemoveItem deletes an item the session owns. Removing the last item deletes the cart.
func (s *CartService) RemoveItem(ctx context.Context, session string, itemID int64) (*models.CartSummary, error) {
	now := s.now()
	summary := &models.CartSummary{CartTotal: decimal.Zero, CartExpiration: models.Date{Time: models.Today(now)}}

	err := s.db.WithTx(ctx, func(tx db.Querier) error {
		cartID, err := s.lockOwnedItem(ctx, tx, session, itemID)
		if err != nil {
			return err
		}

		start := time.Now()
		_, err = tx.ExecContext(ctx, deleteCartItemQuery, itemID)
		s.metrics.RecordDBQuery(ctx, "DELETE", "cart_items", deleteCartItemQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to remove item from cart: %w", err)
		}

		start = time.Now()
		var remaining int
		err = tx.QueryRowContext(ctx, countCartItemsQuery, cartID).Scan(&remaining)
		s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", countCartItemsQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to count cart items: %w", err)
		}

		if remaining == 0 {
			log.Printf("[CART] Last item removed, deleting cart: cart_id=%d", cartID)
			return s.carts.deleteCart(ctx, tx, cartID)
		}

		if err := s.carts.touch(ctx, tx, cartID, now); err != nil {
			return err
		}
		items, err := s.carts.loadItems(ctx, tx, cartID)
		if err != nil {
			return err
		}
		cart := models.Cart{LastUpdated: models.Today(now), Items: items}
		summary.CartTotal = cart.Total()
		summary.CartExpiration = models.Date{Time: cart.ExpiresAt()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// lockOwnedItem locks the item and its cart, failing with ErrForbidden unless the session owns it.
func (s *CartService) lockOwnedItem(ctx context.Context, tx db.Querier, session string, itemID int64) (int64, error) {
	start := time.Now()
	var cartID int64
	var owner string
	err := tx.QueryRowContext(ctx, cartItemOwnerQuery, itemID).Scan(&cartID, &owner)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", cartItemOwnerQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrForbidden
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cart item: %w", err)
	}
	if session == "" || owner != session {
		return 0, ErrForbidden
	}
	return cartID, nil
}

// checkReferences verifies that the product (when given) and every offer exist.
func (s *CartService) checkReferences(ctx context.Context, q db.Querier, productID *int64, offerIDs []int64) error {
	v := validator{}
	if productID != nil {
		start := time.Now()
		var exists bool
		err := q.QueryRowContext(ctx, productExistsQuery, *productID).Scan(&exists)
		s.metrics.RecordDBQuery(ctx, "SELECT", "products", productExistsQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to verify product: %w", err)
		}
		v.check(exists, "product_id", "product does not exist")
	}

	if len(offerIDs) > 0 {
		marks, args := placeholders(offerIDs)
		query := fmt.Sprintf(offerCountQueryTemplate, marks)
		start := time.Now()
		var found int
		err := q.QueryRowContext(ctx, query, args...).Scan(&found)
		s.metrics.RecordDBQuery(ctx, "SELECT", "offers", query, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to verify offers: %w", err)
		}
		v.check(found == len(offerIDs), "offers", "offer does not exist")
	}
	return v.err()
}

func checkQuantity(v validator, quantity int) {
	v.check(quantity >= 0 && quantity <= models.MaxQuantity, "quantity",
		fmt.Sprintf("must be between 0 and %d", models.MaxQuantity))
}

func checkOfferIDs(v validator, ids []int64) {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		v.check(id > 0, "offers", "must be valid offer ids")
		v.check(!seen[id], "offers", "must not repeat an offer")
		seen[id] = true
	}
}

// translateWriteError maps constraint failures of a write to domain errors.
func translateWriteError(err error, msg string) error {
	switch {
	case db.IsMySQLError(err, db.ErrNumNoReferencedRow):
		return &ValidationError{Fields: map[string]string{"reference": "referenced entity does not exist"}}
	case db.IsMySQLError(err, db.ErrNumRowIsReferenced):
		return ErrProtected
	case db.IsMySQLError(err, db.ErrNumDuplicateEntry):
		return ErrConflict
	case db.IsMySQLError(err, db.ErrNumCheckViolated):
		return &ValidationError{Fields: map[string]string{"value": "out of range"}}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

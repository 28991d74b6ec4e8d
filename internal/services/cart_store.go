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

const (
	selectLiveCartQuery = `
		SELECT id, session, last_updated
		FROM carts
		WHERE session = ? AND last_updated >= ?
		ORDER BY last_updated DESC, id DESC
		LIMIT 1`
	insertCartQuery = "INSERT INTO carts (session, last_updated) VALUES (?, ?)"
	touchCartQuery  = "UPDATE carts SET last_updated = ? WHERE id = ?"
	cartItemsQuery  = `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, p.name, p.image, p.inventory, p.price
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = ?
		ORDER BY ci.id`
	cartItemOffersQuery = `
		SELECT cio.cart_item_id, cio.offer_id
		FROM cart_item_offers cio
		JOIN cart_items ci ON ci.id = cio.cart_item_id
		WHERE ci.cart_id = ?
		ORDER BY cio.offer_id`
	deleteCartItemsQuery = "DELETE FROM cart_items WHERE cart_id = ?"
	deleteCartQuery      = "DELETE FROM carts WHERE id = ?"
)

// cartStore is the one place a session is resolved to its live cart. Both the
// cart and the order engine go through it, inside their own transactions.
type cartStore struct {
	metrics *metrics.AppMetrics
}

// resolve returns the most recently updated live cart of the session, or nil
// when there is none. forUpdate locks the row until the transaction ends.
func (s *cartStore) resolve(ctx context.Context, q db.Querier, session string, now time.Time, forUpdate bool) (*models.Cart, error) {
	query := selectLiveCartQuery
	if forUpdate {
		query += " FOR UPDATE"
	}

	start := time.Now()
	var cart models.Cart
	err := q.QueryRowContext(ctx, query, session, models.CartCutoff(now)).Scan(&cart.ID, &cart.Session, &cart.LastUpdated)
	s.metrics.RecordDBQuery(ctx, "SELECT", "carts", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &cart, nil
}

// getOrCreate returns the live cart of the session, creating an empty one if needed.
func (s *cartStore) getOrCreate(ctx context.Context, q db.Querier, session string, now time.Time) (*models.Cart, bool, error) {
	cart, err := s.resolve(ctx, q, session, now, true)
	if err != nil {
		return nil, false, err
	}
	if cart != nil {
		return cart, false, nil
	}

	today := models.Today(now)
	start := time.Now()
	result, err := q.ExecContext(ctx, insertCartQuery, session, today)
	s.metrics.RecordDBQuery(ctx, "INSERT", "carts", insertCartQuery, start, err == nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create cart: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cart ID: %w", err)
	}
	return &models.Cart{ID: id, Session: session, LastUpdated: today}, true, nil
}

// touch refreshes last_updated, restarting the expiry window.
func (s *cartStore) touch(ctx context.Context, q db.Querier, cartID int64, now time.Time) error {
	start := time.Now()
	_, err := q.ExecContext(ctx, touchCartQuery, models.Today(now), cartID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "carts", touchCartQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to touch cart: %w", err)
	}
	return nil
}

// loadItems returns the cart's items with the current product price and their offer links.
func (s *cartStore) loadItems(ctx context.Context, q db.Querier, cartID int64) ([]models.CartItem, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, cartItemsQuery, cartID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "cart_items", cartItemsQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart items: %w", err)
	}
	defer rows.Close()

	items := make([]models.CartItem, 0)
	index := make(map[int64]int)
	for rows.Next() {
		item := models.CartItem{Offers: []int64{}}
		if err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity,
			&item.ProductName, &item.ProductImage, &item.ProductInventory, &item.Price); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	links, err := s.loadLinks(ctx, q, "cart_item_offers", cartItemOffersQuery, cartID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if i, ok := index[l[0]]; ok {
			items[i].Offers = append(items[i].Offers, l[1])
		}
	}
	return items, nil
}

// remove deletes all items of the cart and the cart itself.
func (s *cartStore) remove(ctx context.Context, q db.Querier, cartID int64) error {
	start := time.Now()
	_, err := q.ExecContext(ctx, deleteCartItemsQuery, cartID)
	s.metrics.RecordDBQuery(ctx, "DELETE", "cart_items", deleteCartItemsQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete cart items: %w", err)
	}
	return s.deleteCart(ctx, q, cartID)
}

func (s *cartStore) deleteCart(ctx context.Context, q db.Querier, cartID int64) error {
	start := time.Now()
	_, err := q.ExecContext(ctx, deleteCartQuery, cartID)
	s.metrics.RecordDBQuery(ctx, "DELETE", "carts", deleteCartQuery, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// loadLinks reads (item id, offer id) pairs of a many-to-many offer table.
func (s *cartStore) loadLinks(ctx context.Context, q db.Querier, table, query string, args ...any) ([][2]int64, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", table, query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get offer links: %w", err)
	}
	defer rows.Close()

	var links [][2]int64
	for rows.Next() {
		var l [2]int64
		if err := rows.Scan(&l[0], &l[1]); err != nil {
			return nil, fmt.Errorf("failed to scan offer link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// insertLinks writes offer links for one item.
func insertLinks(ctx context.Context, m *metrics.AppMetrics, q db.Querier, table, itemColumn string, itemID int64, offerIDs []int64) error {
	if len(offerIDs) == 0 {
		return nil
	}
	values := make([]string, len(offerIDs))
	args := make([]any, 0, 2*len(offerIDs))
	for i, offerID := range offerIDs {
		values[i] = "(?, ?)"
		args = append(args, itemID, offerID)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, offer_id) VALUES %s", table, itemColumn, strings.Join(values, ", "))

	start := time.Now()
	_, err := q.ExecContext(ctx, query, args...)
	m.RecordDBQuery(ctx, "INSERT", table, query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to link offers: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ?" and the matching args for an IN clause.
func placeholders(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}

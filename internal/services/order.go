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

// MaxRemarksLength bounds the free-text remarks of an order.
const MaxRemarksLength = 200

const (
	orderColumns            = "id, user_id, time_placed, delivery_fee, total, remarks, active"
	deactivateOrdersQuery   = "UPDATE orders SET active = FALSE WHERE user_id = ? AND active = TRUE"
	insertOrderQuery        = "INSERT INTO orders (user_id, time_placed, delivery_fee, total, remarks, active) VALUES (?, ?, ?, ?, ?, TRUE)"
	insertOrderItemQuery    = "INSERT INTO order_items (order_id, product_id, quantity, subtotal) VALUES (?, ?, ?, ?)"
	decrementInventoryQuery = "UPDATE products SET inventory = inventory - ? WHERE id = ? AND inventory >= ?"
	selectOrderQuery        = "SELECT " + orderColumns + " FROM orders WHERE id = ?"
	lockOrderQuery          = selectOrderQuery + " FOR UPDATE"
	activeOrdersQuery       = "SELECT " + orderColumns + " FROM orders WHERE user_id = ? AND active = TRUE ORDER BY time_placed DESC, id DESC"
	latestActiveOrderQuery  = "SELECT id FROM orders WHERE user_id = ? AND active = TRUE ORDER BY time_placed DESC, id DESC LIMIT 1"
	updateOrderQuery        = "UPDATE orders SET remarks = ?, active = ? WHERE id = ?"
	deactivateOthersQuery   = "UPDATE orders SET active = FALSE WHERE user_id = ? AND active = TRUE AND id <> ?"
	orderItemsQuery         = `
		SELECT oi.id, oi.order_id, oi.product_id, oi.quantity, oi.subtotal, p.name, p.image
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ?
		ORDER BY oi.id`
	orderItemOffersQuery = `
		SELECT oio.order_item_id, oio.offer_id
		FROM order_item_offers oio
		JOIN order_items oi ON oi.id = oio.order_item_id
		WHERE oi.order_id = ?
		ORDER BY oio.offer_id`
)

// OrderService handles order placement and order queries
type OrderService struct {
	db          *db.DB
	metrics     *metrics.AppMetrics
	carts       *cartStore
	products    *ProductCache
	deliveryFee decimal.Decimal
	now         func() time.Time
}

// NewOrderService creates a new order service. products may be nil; when set,
// every product taken out of stock by an order is evicted from it.
func NewOrderService(database *db.DB, m *metrics.AppMetrics, deliveryFee decimal.Decimal, products *ProductCache) *OrderService {
	return &OrderService{
		db:          database,
		metrics:     m,
		carts:       &cartStore{metrics: m},
		products:    products,
		deliveryFee: deliveryFee,
		now:         time.Now,
	}
}

// PlaceOrder converts the session's live cart into an order owned by userID.
// All writes happen in one transaction: a product without enough inventory
// aborts the whole placement and the cart is left untouched.
func (s *OrderService) PlaceOrder(ctx context.Context, userID int64, session string, req models.PlaceOrderRequest) (int64, error) {
	v := validator{}
	v.check(session != "", "session", sessionHeaderDescription)
	v.check(len([]rune(req.Remarks)) <= MaxRemarksLength, "remarks",
		fmt.Sprintf("must be at most %d characters", MaxRemarksLength))
	if err := v.err(); err != nil {
		return 0, err
	}

	now := s.now()
	var orderID int64
	var total decimal.Decimal
	var placed []int64
	err := s.db.WithTx(ctx, func(tx db.Querier) error {
		cart, err := s.carts.resolve(ctx, tx, session, now, true)
		if err != nil {
			return err
		}
		if cart == nil {
			return ErrEmptyCart
		}
		if cart.Items, err = s.carts.loadItems(ctx, tx, cart.ID); err != nil {
			return err
		}
		if len(cart.Items) == 0 {
			return ErrEmptyCart
		}
		total = cart.Total()

		start := time.Now()
		_, err = tx.ExecContext(ctx, deactivateOrdersQuery, userID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", deactivateOrdersQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to deactivate previous orders: %w", err)
		}

		start = time.Now()
		result, err := tx.ExecContext(ctx, insertOrderQuery, userID, now.UTC(), s.deliveryFee, total, req.Remarks)
		s.metrics.RecordDBQuery(ctx, "INSERT", "orders", insertOrderQuery, start, err == nil)
		if err != nil {
			return translateWriteError(err, "failed to create order")
		}
		if orderID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get order ID: %w", err)
		}

		for _, item := range cart.Items {
			if err := s.placeItem(ctx, tx, orderID, item); err != nil {
				return err
			}
			placed = append(placed, item.ProductID)
		}

		return s.carts.remove(ctx, tx, cart.ID)
	})
	if err != nil {
		s.recordRejection(ctx, err)
		return 0, err
	}

	for _, productID := range placed {
		s.products.invalidate(productID)
	}

	// Record metrics
	attrs := metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...)
	s.metrics.OrdersCreated.Add(ctx, 1, attrs)
	s.metrics.RevenueTotal.Add(ctx, total.InexactFloat64(), attrs)
	log.Printf("[ORDER] Order placed: order_id=%d, user_id=%d, total=%s, items=%d", orderID, userID, total.StringFixed(2), len(placed))

	return orderID, nil
}

// placeItem snapshots one cart item into the order and takes its quantity out of stock.
func (s *OrderService) placeItem(ctx context.Context, tx db.Querier, orderID int64, item models.CartItem) error {
	start := time.Now()
	result, err := tx.ExecContext(ctx, insertOrderItemQuery, orderID, item.ProductID, item.Quantity, item.Subtotal())
	s.metrics.RecordDBQuery(ctx, "INSERT", "order_items", insertOrderItemQuery, start, err == nil)
	if err != nil {
		return translateWriteError(err, "failed to create order item")
	}
	orderItemID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get order item ID: %w", err)
	}

	if err := insertLinks(ctx, s.metrics, tx, "order_item_offers", "order_item_id", orderItemID, item.Offers); err != nil {
		return err
	}

	if item.Quantity == 0 {
		return nil
	}

	start = time.Now()
	result, err = tx.ExecContext(ctx, decrementInventoryQuery, item.Quantity, item.ProductID, item.Quantity)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "products", decrementInventoryQuery, start, err == nil)
	if db.IsMySQLError(err, db.ErrNumCheckViolated) {
		return fmt.Errorf("%w: product %d", ErrInsufficientInventory, item.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		log.Printf("[ORDER] Insufficient inventory: product_id=%d, requested=%d", item.ProductID, item.Quantity)
		return fmt.Errorf("%w: product %d", ErrInsufficientInventory, item.ProductID)
	}
	return nil
}

func (s *OrderService) recordRejection(ctx context.Context, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrEmptyCart):
		reason = "empty_cart"
	case errors.Is(err, ErrInsufficientInventory):
		reason = "insufficient_inventory"
	default:
		return
	}
	s.metrics.CheckoutRejections.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("reason", reason),
	})...))
}

// GetOrder returns an order owned by userID with its items.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := s.scanOrder(ctx, s.db, selectOrderQuery, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotFound
	}
	if order.Items, err = s.loadItems(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// ListActiveOrders returns the user's active orders, newest first.
func (s *OrderService) ListActiveOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, activeOrdersQuery, userID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", activeOrdersQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.TimePlaced, &order.DeliveryFee,
			&order.Total, &order.Remarks, &order.Active); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// ListActiveOrderItems returns the items of the user's most recent active order.
// A user without an active order gets an empty list.
func (s *OrderService) ListActiveOrderItems(ctx context.Context, userID int64) ([]models.OrderItem, error) {
	start := time.Now()
	var orderID int64
	err := s.db.QueryRowContext(ctx, latestActiveOrderQuery, userID).Scan(&orderID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", latestActiveOrderQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return []models.OrderItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active order: %w", err)
	}
	return s.loadItems(ctx, orderID)
}

// UpdateOrder changes the remarks and/or active flag of an order owned by userID.
// Activating an order deactivates the user's other orders.
func (s *OrderService) UpdateOrder(ctx context.Context, userID, orderID int64, req models.UpdateOrderRequest) (*models.Order, error) {
	if req.Remarks != nil {
		v := validator{}
		v.check(len([]rune(*req.Remarks)) <= MaxRemarksLength, "remarks",
			fmt.Sprintf("must be at most %d characters", MaxRemarksLength))
		if err := v.err(); err != nil {
			return nil, err
		}
	}

	err := s.db.WithTx(ctx, func(tx db.Querier) error {
		order, err := s.scanOrder(ctx, tx, lockOrderQuery, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrNotFound
		}

		if req.Remarks != nil {
			order.Remarks = *req.Remarks
		}
		if req.Active != nil {
			order.Active = *req.Active
		}

		if order.Active {
			start := time.Now()
			_, err = tx.ExecContext(ctx, deactivateOthersQuery, userID, orderID)
			s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", deactivateOthersQuery, start, err == nil)
			if err != nil {
				return fmt.Errorf("failed to deactivate previous orders: %w", err)
			}
		}

		start := time.Now()
		_, err = tx.ExecContext(ctx, updateOrderQuery, order.Remarks, order.Active, orderID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", updateOrderQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ORDER] Order updated: order_id=%d, user_id=%d", orderID, userID)
	return s.GetOrder(ctx, userID, orderID)
}

func (s *OrderService) scanOrder(ctx context.Context, q db.Querier, query string, orderID int64) (*models.Order, error) {
	start := time.Now()
	var order models.Order
	err := q.QueryRowContext(ctx, query, orderID).Scan(&order.ID, &order.UserID, &order.TimePlaced,
		&order.DeliveryFee, &order.Total, &order.Remarks, &order.Active)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (s *OrderService) loadItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, orderItemsQuery, orderID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "order_items", orderItemsQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	items := make([]models.OrderItem, 0)
	index := make(map[int64]int)
	for rows.Next() {
		item := models.OrderItem{Offers: []int64{}}
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity,
			&item.Subtotal, &item.ProductName, &item.ProductImage); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
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

	links, err := s.carts.loadLinks(ctx, s.db, "order_item_offers", orderItemOffersQuery, orderID)
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

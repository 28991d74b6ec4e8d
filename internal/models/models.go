package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// CartLifetimeDays is how long a cart stays live after its last mutation.
	CartLifetimeDays = 30
	// MaxQuantity bounds both cart/order quantities and product inventory.
	MaxQuantity = 9999
)

// Category groups products
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Product represents a product in the catalog
type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Image        string          `json:"image"`
	CategoryID   int64           `json:"category"`
	CategoryName string          `json:"category_name"`
	Price        decimal.Decimal `json:"price"`
	Inventory    int             `json:"inventory"`
	Description  string          `json:"description"`
	Hot          bool            `json:"hot"`
}

// Offer is a promotion record linked to cart and order items
type Offer struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	OfferType   int             `json:"offer_type"`
	Amount      decimal.Decimal `json:"amount"`
	ActiveFrom  time.Time       `json:"active_from"`
	ActiveUntil time.Time       `json:"active_until"`
}

// User is an account that can own orders
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cart is an anonymous, session keyed shopping cart
type Cart struct {
	ID          int64      `json:"id"`
	Session     string     `json:"session"`
	LastUpdated time.Time  `json:"last_updated"`
	Items       []CartItem `json:"-"`
}

// Total is the sum of the current item subtotals. It is never stored.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ExpiresAt is the day the cart stops being returned by lookups.
func (c *Cart) ExpiresAt() time.Time {
	return c.LastUpdated.AddDate(0, 0, CartLifetimeDays)
}

// CartItem is one product line in a cart
type CartItem struct {
	ID               int64           `json:"id"`
	CartID           int64           `json:"cart"`
	ProductID        int64           `json:"product"`
	Quantity         int             `json:"quantity"`
	Offers           []int64         `json:"offer"`
	ProductName      string          `json:"product_name"`
	ProductImage     string          `json:"product_image"`
	ProductInventory int             `json:"product_inventory"`
	Price            decimal.Decimal `json:"-"`
}

// Subtotal is price × quantity at the current product price.
func (i CartItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// MarshalJSON adds the derived subtotal to the serialized item.
func (i CartItem) MarshalJSON() ([]byte, error) {
	type plain CartItem
	return json.Marshal(struct {
		plain
		Subtotal decimal.Decimal `json:"subtotal"`
	}{plain(i), i.Subtotal()})
}

// Order is a placed, user owned order
type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user"`
	TimePlaced  time.Time       `json:"time_placed"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
	Remarks     string          `json:"remarks"`
	Active      bool            `json:"active"`
	Items       []OrderItem     `json:"items,omitempty"`
}

// OrderItem is a line item snapshot; Subtotal is frozen at placement
type OrderItem struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order"`
	ProductID    int64           `json:"product"`
	Quantity     int             `json:"quantity"`
	Offers       []int64         `json:"offer"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	ProductName  string          `json:"product_name"`
	ProductImage string          `json:"product_image"`
}

// Date serializes as YYYY-MM-DD
type Date struct {
	time.Time
}

// MarshalJSON implements json.Marshaler
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.DateOnly))
}

// Today truncates now to a UTC calendar day, matching the DATE column.
func Today(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CartCutoff is the oldest last_updated date still considered live at now.
func CartCutoff(now time.Time) time.Time {
	return Today(now).AddDate(0, 0, -CartLifetimeDays)
}

// CartView is the session cart listing
type CartView struct {
	Items          []CartItem       `json:"data"`
	CartTotal      *decimal.Decimal `json:"cart-total,omitempty"`
	CartExpiration *Date            `json:"cart-expiration-time,omitempty"`
}

// CartItemDetail is a single cart item with its cart totals
type CartItemDetail struct {
	Item           CartItem         `json:"data"`
	CartTotal      *decimal.Decimal `json:"cart-total,omitempty"`
	CartExpiration *Date            `json:"cart-expiration-time,omitempty"`
}

// CartSummary is returned after removing an item
type CartSummary struct {
	CartTotal      decimal.Decimal `json:"cart-total"`
	CartExpiration Date            `json:"cart-expiration-time"`
}

// ProductPage is one page of a product listing
type ProductPage struct {
	Data      []Product `json:"data"`
	NoOfPages int       `json:"no-of-pages"`
}

// ProductFilter narrows a product listing
type ProductFilter struct {
	CategoryID int64
	Search     string
	Page       int
	PageSize   int
}

// AddCartItemRequest represents a request to add an item to the session cart
type AddCartItemRequest struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Offers    []int64 `json:"offers"`
}

// UpdateCartItemRequest carries the fields to change; nil fields are kept
type UpdateCartItemRequest struct {
	ProductID *int64   `json:"product_id"`
	Quantity  *int     `json:"quantity"`
	Offers    *[]int64 `json:"offers"`
}

// PlaceOrderRequest represents a checkout request
type PlaceOrderRequest struct {
	Remarks string `json:"remarks"`
}

// UpdateOrderRequest changes the mutable order fields
type UpdateOrderRequest struct {
	Remarks *string `json:"remarks"`
	Active  *bool   `json:"active"`
}

// ProductInput is the writable part of a product
type ProductInput struct {
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	CategoryID  int64           `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Inventory   int             `json:"inventory"`
	Description string          `json:"description"`
	Hot         bool            `json:"hot"`
}

// CategoryInput is the writable part of a category
type CategoryInput struct {
	Name string `json:"name"`
}

// OfferInput is the writable part of an offer
type OfferInput struct {
	Name        string          `json:"name"`
	OfferType   int             `json:"offer_type"`
	Amount      decimal.Decimal `json:"amount"`
	ActiveFrom  time.Time       `json:"active_from"`
	ActiveUntil time.Time       `json:"active_until"`
}

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// UpdateUserRequest changes email and/or password
type UpdateUserRequest struct {
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

// TokenRequest exchanges credentials for an identity token
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries an issued identity token
type TokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

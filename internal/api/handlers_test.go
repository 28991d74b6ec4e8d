package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/storefront/storefront-go/internal/auth"
	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/services"
	"github.com/storefront/storefront-go/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	router *mux.Router
	mock   sqlmock.Sqlmock
	issuer *auth.Issuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	m, err := metrics.NewAppMetrics(noop.NewMeterProvider().Meter("test"), "storefront-test")
	require.NoError(t, err)

	database := db.Wrap(sqlDB)
	issuer := auth.NewIssuer("test-secret", time.Hour)
	app := NewApp(&config.Config{}, m, issuer, Services{
		Products:   services.NewProductService(database, m, services.ProductOptions{DefaultPageSize: 10, MaxPageSize: 50}),
		Categories: services.NewCategoryService(database, m),
		Offers:     services.NewOfferService(database, m),
		Carts:      services.NewCartService(database, m),
		Orders:     services.NewOrderService(database, m, decimal.Zero, nil),
		Users:      services.NewUserService(database, m),
	})

	r := mux.NewRouter()
	app.SetupRoutes(r)
	return &testServer{router: r, mock: mock, issuer: issuer}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) bearer(t *testing.T, userID int64) map[string]string {
	token, err := s.issuer.Issue(userID, "ann")
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token, SessionHeader: "sess-1"}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestOrders_RequireToken(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/orders", "/api/v1/order_items", "/api/v1/orders/1"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestAddCartItem_RequiresSession(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/cart_items", `{"product_id":1,"quantity":1}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Fields, "session")
}

func TestAddCartItem_UnknownField(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/cart_items", `{"product":1}`, map[string]string{SessionHeader: "sess-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddCartItem_Created(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(true))
	s.mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session", "last_updated"}))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO carts")).WillReturnResult(sqlmock.NewResult(7, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cart_items")).WithArgs(7, 1, 2).WillReturnResult(sqlmock.NewResult(11, 1))
	s.mock.ExpectCommit()

	rec := s.do(t, http.MethodPost, "/api/v1/cart_items", `{"product_id":1,"quantity":2}`, map[string]string{SessionHeader: "sess-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":11}`, rec.Body.String())
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestGetCartItem_ForeignSessionIs404(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectQuery(regexp.QuoteMeta("WHERE ci.id = ?")).WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cart_id", "product_id", "quantity", "name", "image", "inventory", "price", "session"}).
			AddRow(11, 7, 1, 2, "Mug", "mug.png", 5, "10.00", "owner"))

	rec := s.do(t, http.MethodGet, "/api/v1/cart_items/11", "", map[string]string{SessionHeader: "intruder"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session", "last_updated"}))
	s.mock.ExpectRollback()

	rec := s.do(t, http.MethodPost, "/api/v1/orders", "", s.bearer(t, 42))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"cart is empty"}`, rec.Body.String())
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestPlaceOrder_InsufficientInventory(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session", "last_updated"}).AddRow(7, "sess-1", time.Now().UTC()))
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM cart_items ci JOIN products p")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cart_id", "product_id", "quantity", "name", "image", "inventory", "price"}).
			AddRow(11, 7, 1, 6, "Mug", "mug.png", 5, "10.00"))
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM cart_item_offers")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"item", "offer"}))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET active = FALSE")).WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnResult(sqlmock.NewResult(100, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).WillReturnResult(sqlmock.NewResult(200, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET inventory")).WithArgs(6, 1, 6).WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectRollback()

	rec := s.do(t, http.MethodPost, "/api/v1/orders", `{"remarks":"x"}`, s.bearer(t, 42))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestListOrderItems_NoActiveOrder(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM orders")).WithArgs(42).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := s.do(t, http.MethodGet, "/api/v1/order_items", "", s.bearer(t, 42))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestListProducts_LegacyHeaders(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM products p WHERE p.category_id = ? AND p.name LIKE ?")).
		WithArgs(3, "%mug%").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	s.mock.ExpectQuery(regexp.QuoteMeta("LIMIT ? OFFSET ?")).WithArgs(3, "%mug%", 5, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "image", "category_id", "category_name", "price", "inventory", "description", "hot"}).
			AddRow(1, "Mug", "mug.png", 3, "Kitchen", "10.00", 5, "", false))

	rec := s.do(t, http.MethodGet, "/api/v1/products", "", map[string]string{
		"required-category": "3",
		"search-keyword":    "mug",
		"page-no":           "1",
		"results-per-page":  "5",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data []struct {
			ID           int64  `json:"id"`
			CategoryName string `json:"category_name"`
			Price        string `json:"price"`
		} `json:"data"`
		NoOfPages int `json:"no-of-pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.NoOfPages)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Kitchen", page.Data[0].CategoryName)
	assert.Equal(t, "10", page.Data[0].Price)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestListProducts_BadPage(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/products?page=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCategory_Protected(t *testing.T) {
	s := newTestServer(t)
	s.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM categories")).WithArgs(1).WillReturnError(&mysql.MySQLError{Number: 1451})

	rec := s.do(t, http.MethodDelete, "/api/v1/categories/1", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestIssueToken(t *testing.T) {
	s := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = ?")).WithArgs("ann").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "created_at"}).
			AddRow(5, "ann", "", string(hash), time.Now()))

	rec := s.do(t, http.MethodPost, "/api/v1/auth/token", `{"username":"ann","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ann", body.Username)
	id, err := s.issuer.Verify(body.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 5, id.UserID)
	assert.NoError(t, s.mock.ExpectationsWereMet())
}

func TestIssueToken_WrongPassword(t *testing.T) {
	s := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "created_at"}).
			AddRow(5, "ann", "", string(hash), time.Now()))

	rec := s.do(t, http.MethodPost, "/api/v1/auth/token", `{"username":"ann","password":"nope nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&services.ValidationError{Fields: map[string]string{"quantity": "bad"}}, http.StatusBadRequest},
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrForbidden, http.StatusNotFound},
		{services.ErrEmptyCart, http.StatusBadRequest},
		{fmt.Errorf("%w: product 3", services.ErrInsufficientInventory), http.StatusConflict},
		{services.ErrProtected, http.StatusConflict},
		{services.ErrConflict, http.StatusConflict},
		{services.ErrInvalidCredentials, http.StatusUnauthorized},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestWriteError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dial tcp 10.0.0.3:3306: refused"))
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}

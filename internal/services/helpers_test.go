package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/models"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	fixedNow = time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC)
	fixedDay = models.Today(fixedNow)
)

func newMockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db.Wrap(sqlDB), mock
}

func newTestMetrics(t *testing.T) *metrics.AppMetrics {
	t.Helper()
	m, err := metrics.NewAppMetrics(noop.NewMeterProvider().Meter("test"), "storefront-test")
	require.NoError(t, err)
	return m
}

func cartRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "session", "last_updated"})
}

func cartItemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "cart_id", "product_id", "quantity", "name", "image", "inventory", "price"})
}

func linkRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"item_id", "offer_id"})
}

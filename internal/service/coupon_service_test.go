package service

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velora_back_end/internal/apperr"
	"velora_back_end/internal/cache"
	"velora_back_end/internal/models"
)

func newCouponServiceMock(t *testing.T) (*CouponService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCouponService(db, cache.New(nil)), mock
}

const (
	lockOrderTotalSQL = `SELECT total_amount, status FROM orders`
	usageExistsSQL    = `SELECT EXISTS (SELECT 1 FROM coupon_usage WHERE order_id = $1)`
	lockCouponSQL     = `FROM coupons WHERE code = $1`
	countUsageSQL     = `SELECT COUNT(*) FROM coupon_usage WHERE coupon_id = $1`
	countUserUsageSQL = `SELECT COUNT(*) FROM coupon_usage WHERE coupon_id = $1 AND user_id = $2`
	updateTotalSQL    = `UPDATE orders SET total_amount = $1`
	insertUsageSQL    = `INSERT INTO coupon_usage (coupon_id, user_id, order_id, discount_amount, created_at)`
	reloadOrderSQL    = `SELECT id, user_id, total_amount, status, created_at, updated_at FROM orders`
	reloadItemsSQL    = `SELECT product_id, quantity, price FROM order_items`
)

var couponColumns = []string{
	"id", "code", "discount_type", "discount_value", "min_order_amount",
	"max_discount_amount", "valid_from", "valid_until", "max_uses",
	"max_uses_per_user", "is_active",
}

// expectPendingOrder couvre les deux premières étapes communes à chaque
// scénario : commande verrouillée, pas de coupon déjà posé.
func expectPendingOrder(mock sqlmock.Sqlmock, orderID, userID uuid.UUID, total float64) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOrderTotalSQL)).
		WithArgs(orderID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"total_amount", "status"}).AddRow(total, models.OrderStatusPending))
	mock.ExpectQuery(regexp.QuoteMeta(usageExistsSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

func TestApplyCouponPercentageCappedByMaxAmount(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()
	couponID := uuid.New()
	now := time.Now()

	expectPendingOrder(mock, orderID, userID, 100.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("SUMMER20").
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow(couponID.String(), "SUMMER20", models.DiscountTypePercentage, 20.0, 0.0, 15.0, nil, nil, nil, nil, true))
	mock.ExpectExec(regexp.QuoteMeta(updateTotalSQL)).
		WithArgs(85.0, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertUsageSQL)).
		WithArgs(couponID, userID, orderID, 15.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(reloadOrderSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_amount", "status", "created_at", "updated_at"}).
			AddRow(orderID.String(), userID.String(), 85.0, models.OrderStatusPending, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(reloadItemsSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity", "price"}))

	// Le code est passé en minuscules : il doit être normalisé en majuscules.
	order, summary, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "summer20")
	require.NoError(t, err)
	assert.Equal(t, 85.0, order.TotalAmount)
	assert.Equal(t, "SUMMER20", summary.Code)
	assert.Equal(t, 15.0, summary.Amount)
	assert.Equal(t, 100.0, summary.OriginalTotal)
	assert.Equal(t, 85.0, summary.NewTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponFixedClampedToTotal(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()
	couponID := uuid.New()
	now := time.Now()

	expectPendingOrder(mock, orderID, userID, 10.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("BIG25").
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow(couponID.String(), "BIG25", models.DiscountTypeFixed, 25.0, 0.0, nil, nil, nil, nil, nil, true))
	mock.ExpectExec(regexp.QuoteMeta(updateTotalSQL)).
		WithArgs(0.0, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertUsageSQL)).
		WithArgs(couponID, userID, orderID, 10.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(reloadOrderSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_amount", "status", "created_at", "updated_at"}).
			AddRow(orderID.String(), userID.String(), 0.0, models.OrderStatusPending, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(reloadItemsSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity", "price"}))

	_, summary, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "BIG25")
	require.NoError(t, err)
	assert.Equal(t, 10.0, summary.Amount)
	assert.Equal(t, 0.0, summary.NewTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponOrderNotFound(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOrderTotalSQL)).
		WithArgs(orderID, userID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "SUMMER20")
	assert.Equal(t, apperr.KindNotFound, apperr.From(err).Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponNonPendingOrder(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOrderTotalSQL)).
		WithArgs(orderID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"total_amount", "status"}).AddRow(50.0, models.OrderStatusCancelled))
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "SUMMER20")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "Can only apply coupons to pending orders", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponOrderAlreadyHasOne(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOrderTotalSQL)).
		WithArgs(orderID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"total_amount", "status"}).AddRow(50.0, models.OrderStatusPending))
	mock.ExpectQuery(regexp.QuoteMeta(usageExistsSQL)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "SUMMER20")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "Order already has a coupon", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponUnknownCode(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()

	expectPendingOrder(mock, orderID, userID, 50.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("NOPE").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "nope")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindNotFound, appErr.Kind)
	assert.Equal(t, "Coupon not found", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponRejectedByCouponState(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		row     func(id uuid.UUID) *sqlmock.Rows
		total   float64
		message string
	}{
		{
			name: "inactive",
			row: func(id uuid.UUID) *sqlmock.Rows {
				return sqlmock.NewRows(couponColumns).
					AddRow(id.String(), "DEAD", models.DiscountTypeFixed, 5.0, 0.0, nil, nil, nil, nil, nil, false)
			},
			total:   50.0,
			message: "Coupon is not active",
		},
		{
			name: "not yet valid",
			row: func(id uuid.UUID) *sqlmock.Rows {
				return sqlmock.NewRows(couponColumns).
					AddRow(id.String(), "SOON", models.DiscountTypeFixed, 5.0, 0.0, nil, now.Add(time.Hour), nil, nil, nil, true)
			},
			total:   50.0,
			message: "Coupon is not yet valid",
		},
		{
			name: "expired",
			row: func(id uuid.UUID) *sqlmock.Rows {
				return sqlmock.NewRows(couponColumns).
					AddRow(id.String(), "LATE", models.DiscountTypeFixed, 5.0, 0.0, nil, nil, now.Add(-time.Hour), nil, nil, true)
			},
			total:   50.0,
			message: "Coupon has expired",
		},
		{
			name: "below minimum order amount",
			row: func(id uuid.UUID) *sqlmock.Rows {
				return sqlmock.NewRows(couponColumns).
					AddRow(id.String(), "MIN50", models.DiscountTypeFixed, 5.0, 50.0, nil, nil, nil, nil, nil, true)
			},
			total:   20.0,
			message: "Order must be at least $50.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newCouponServiceMock(t)
			userID := uuid.New()
			orderID := uuid.New()
			couponID := uuid.New()

			expectPendingOrder(mock, orderID, userID, tt.total)
			mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
				WillReturnRows(tt.row(couponID))
			mock.ExpectRollback()

			_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "whatever")
			appErr := apperr.From(err)
			assert.Equal(t, apperr.KindConflict, appErr.Kind)
			assert.Equal(t, tt.message, appErr.Message)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplyCouponGlobalUsageLimitReached(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()
	couponID := uuid.New()

	expectPendingOrder(mock, orderID, userID, 50.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("CAP3").
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow(couponID.String(), "CAP3", models.DiscountTypeFixed, 5.0, 0.0, nil, nil, nil, 3, 1, true))
	mock.ExpectQuery(regexp.QuoteMeta(countUsageSQL)).
		WithArgs(couponID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	// Le plafond global coupe avant le comptage par utilisateur : aucune
	// autre requête n'est attendue.
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "CAP3")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "Coupon usage limit reached", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCouponPerUserLimitReached(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()
	couponID := uuid.New()

	expectPendingOrder(mock, orderID, userID, 50.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("ONCE").
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow(couponID.String(), "ONCE", models.DiscountTypeFixed, 5.0, 0.0, nil, nil, nil, nil, 1, true))
	mock.ExpectQuery(regexp.QuoteMeta(countUserUsageSQL)).
		WithArgs(couponID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "ONCE")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "You reached max usage for this coupon", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Deux transactions passent l'existence-check en même temps : l'index unique
// sur coupon_usage(order_id) fait perdre la seconde, qui doit répondre comme
// si le coupon était déjà posé.
func TestApplyCouponLostRaceOnUsageInsert(t *testing.T) {
	svc, mock := newCouponServiceMock(t)
	userID := uuid.New()
	orderID := uuid.New()
	couponID := uuid.New()

	expectPendingOrder(mock, orderID, userID, 100.0)
	mock.ExpectQuery(regexp.QuoteMeta(lockCouponSQL)).
		WithArgs("SUMMER20").
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow(couponID.String(), "SUMMER20", models.DiscountTypePercentage, 20.0, 0.0, nil, nil, nil, nil, nil, true))
	mock.ExpectExec(regexp.QuoteMeta(updateTotalSQL)).
		WithArgs(80.0, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertUsageSQL)).
		WithArgs(couponID, userID, orderID, 20.0).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := svc.ApplyCouponToOrder(context.Background(), userID, orderID, "SUMMER20")
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "Order already has a coupon", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCouponDuplicateCode(t *testing.T) {
	svc, mock := newCouponServiceMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO coupons`)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := svc.CreateCoupon(context.Background(), CreateCouponInput{
		Code:          "summer20",
		DiscountType:  models.DiscountTypePercentage,
		DiscountValue: 20,
	})
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
	assert.Equal(t, "Coupon code already exists", appErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

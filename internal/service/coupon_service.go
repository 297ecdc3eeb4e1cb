package service

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"velora_back_end/internal/apperr"
	"velora_back_end/internal/cache"
	"velora_back_end/internal/models"
)

type CouponService struct {
	db    *sql.DB
	cache *cache.Cache
}

func NewCouponService(db *sql.DB, c *cache.Cache) *CouponService {
	return &CouponService{db: db, cache: c}
}

// ApplyCouponToOrder applique un coupon à une commande pending dans une seule
// transaction. Les contrôles sont faits dans l'ordre, en s'arrêtant à la
// première violation, sans aucune mutation en cas d'échec. La ligne de
// commande et la ligne du coupon sont verrouillées (FOR UPDATE) pour que les
// compteurs d'utilisation restent justes sous concurrence ; l'index unique
// sur coupon_usage(order_id) fait barrage au double coupon même si deux
// transactions passent l'existence-check en même temps.
func (s *CouponService) ApplyCouponToOrder(ctx context.Context, userID, orderID uuid.UUID, couponCode string) (*models.Order, *models.DiscountSummary, error) {
	if couponCode == "" {
		return nil, nil, apperr.Validation("Coupon code is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apperr.Internal(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// 1-2. La commande existe, appartient à l'appelant et est pending.
	var (
		totalAmount float64
		status      string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT total_amount, status FROM orders
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`,
		orderID, userID,
	).Scan(&totalAmount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, nil, apperr.Internal(err, "lock order")
	}
	if status != models.OrderStatusPending {
		return nil, nil, apperr.Conflict("Can only apply coupons to pending orders")
	}

	// 3. Au plus un coupon par commande.
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM coupon_usage WHERE order_id = $1)`,
		orderID,
	).Scan(&exists); err != nil {
		return nil, nil, apperr.Internal(err, "check existing usage")
	}
	if exists {
		return nil, nil, apperr.Conflict("Order already has a coupon")
	}

	// 4. Le coupon existe. Verrouillé pour que les comptages qui suivent
	// ne puissent pas dépasser les plafonds sous concurrence.
	var coupon models.Coupon
	err = tx.QueryRowContext(ctx, `
		SELECT id, code, discount_type, discount_value, min_order_amount,
		       max_discount_amount, valid_from, valid_until, max_uses,
		       max_uses_per_user, is_active
		FROM coupons WHERE code = $1
		FOR UPDATE`,
		strings.ToUpper(couponCode),
	).Scan(&coupon.ID, &coupon.Code, &coupon.DiscountType, &coupon.DiscountValue,
		&coupon.MinOrderAmount, &coupon.MaxDiscountAmount, &coupon.ValidFrom,
		&coupon.ValidUntil, &coupon.MaxUses, &coupon.MaxUsesPerUser, &coupon.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound("Coupon not found")
	}
	if err != nil {
		return nil, nil, apperr.Internal(err, "lock coupon")
	}

	// 5-6. Actif et dans sa fenêtre de validité.
	if !coupon.IsActive {
		return nil, nil, apperr.Conflict("Coupon is not active")
	}
	now := time.Now()
	if coupon.ValidFrom != nil && coupon.ValidFrom.After(now) {
		return nil, nil, apperr.Conflict("Coupon is not yet valid")
	}
	if coupon.ValidUntil != nil && coupon.ValidUntil.Before(now) {
		return nil, nil, apperr.Conflict("Coupon has expired")
	}

	// 7. Montant minimum de commande.
	if totalAmount < coupon.MinOrderAmount {
		return nil, nil, apperr.Conflict("Order must be at least $%.2f", coupon.MinOrderAmount)
	}

	// 8. Plafond global.
	if coupon.MaxUses != nil {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM coupon_usage WHERE coupon_id = $1`,
			coupon.ID,
		).Scan(&count); err != nil {
			return nil, nil, apperr.Internal(err, "count usage")
		}
		if count >= *coupon.MaxUses {
			return nil, nil, apperr.Conflict("Coupon usage limit reached")
		}
	}

	// 9. Plafond par utilisateur.
	if coupon.MaxUsesPerUser != nil {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM coupon_usage WHERE coupon_id = $1 AND user_id = $2`,
			coupon.ID, userID,
		).Scan(&count); err != nil {
			return nil, nil, apperr.Internal(err, "count user usage")
		}
		if count >= *coupon.MaxUsesPerUser {
			return nil, nil, apperr.Conflict("You reached max usage for this coupon")
		}
	}

	discountAmount, err := ComputeDiscount(&coupon, totalAmount)
	if err != nil {
		return nil, nil, apperr.Internal(err, "invalid discount configuration")
	}

	newTotal := Round2(totalAmount - discountAmount)
	if newTotal < 0 {
		return nil, nil, apperr.Internal(errInvalidDiscountType, "discount exceeds order total")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET total_amount = $1, updated_at = NOW() WHERE id = $2`,
		newTotal, orderID,
	); err != nil {
		return nil, nil, apperr.Internal(err, "update order total")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO coupon_usage (coupon_id, user_id, order_id, discount_amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		coupon.ID, userID, orderID, discountAmount,
	); err != nil {
		// L'index unique sur order_id attrape la course perdue.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, nil, apperr.Conflict("Order already has a coupon")
		}
		return nil, nil, apperr.Internal(err, "insert coupon usage")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperr.Internal(err, "commit coupon")
	}
	committed = true

	order, err := loadOrderWithItems(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("✅ Coupon %s appliqué sur commande %s (réduction %.2f)", coupon.Code, orderID, discountAmount)
	return order, &models.DiscountSummary{
		Code:          coupon.Code,
		Amount:        discountAmount,
		OriginalTotal: totalAmount,
		NewTotal:      newTotal,
	}, nil
}

// GetActiveCoupons liste les coupons actifs non expirés, les plus récents
// d'abord. Lecture pure, servie depuis le cache quand il est chaud.
func (s *CouponService) GetActiveCoupons(ctx context.Context) ([]models.Coupon, error) {
	if coupons, ok := s.cache.GetActiveCoupons(ctx); ok {
		return coupons, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, description, discount_type, discount_value,
		       min_order_amount, max_discount_amount, valid_from, valid_until,
		       max_uses, max_uses_per_user, is_active, created_at, updated_at
		FROM coupons
		WHERE is_active = true
		  AND (valid_until IS NULL OR valid_until > NOW())
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Internal(err, "list coupons")
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		var c models.Coupon
		if err := rows.Scan(&c.ID, &c.Code, &c.Description, &c.DiscountType, &c.DiscountValue,
			&c.MinOrderAmount, &c.MaxDiscountAmount, &c.ValidFrom, &c.ValidUntil,
			&c.MaxUses, &c.MaxUsesPerUser, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apperr.Internal(err, "scan coupon")
		}
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "iterate coupons")
	}

	s.cache.SetActiveCoupons(ctx, coupons)
	return coupons, nil
}

type CreateCouponInput struct {
	Code              string     `json:"code" binding:"required"`
	Description       string     `json:"description"`
	DiscountType      string     `json:"discount_type" binding:"required"`
	DiscountValue     float64    `json:"discount_value" binding:"required"`
	MinOrderAmount    float64    `json:"min_order_amount"`
	MaxDiscountAmount *float64   `json:"max_discount_amount"`
	ValidFrom         *time.Time `json:"valid_from"`
	ValidUntil        *time.Time `json:"valid_until"`
	MaxUses           *int       `json:"max_uses"`
	MaxUsesPerUser    *int       `json:"max_uses_per_user"`
}

func (s *CouponService) CreateCoupon(ctx context.Context, in CreateCouponInput) (*models.Coupon, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	if code == "" {
		return nil, apperr.Validation("Coupon code is required")
	}

	switch in.DiscountType {
	case models.DiscountTypePercentage:
		if in.DiscountValue <= 0 || in.DiscountValue > 100 {
			return nil, apperr.Validation("Percentage must be between 1 and 100")
		}
	case models.DiscountTypeFixed:
		if in.DiscountValue <= 0 {
			return nil, apperr.Validation("Fixed amount must be positive")
		}
	default:
		return nil, apperr.Validation("Invalid discount type")
	}

	if in.MinOrderAmount < 0 {
		return nil, apperr.Validation("Minimum order amount must not be negative")
	}

	c := &models.Coupon{
		Code:              code,
		Description:       in.Description,
		DiscountType:      in.DiscountType,
		DiscountValue:     in.DiscountValue,
		MinOrderAmount:    in.MinOrderAmount,
		MaxDiscountAmount: in.MaxDiscountAmount,
		ValidFrom:         in.ValidFrom,
		ValidUntil:        in.ValidUntil,
		MaxUses:           in.MaxUses,
		MaxUsesPerUser:    in.MaxUsesPerUser,
		IsActive:          true,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO coupons
			(code, description, discount_type, discount_value, min_order_amount,
			 max_discount_amount, valid_from, valid_until, max_uses,
			 max_uses_per_user, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		c.Code, c.Description, c.DiscountType, c.DiscountValue, c.MinOrderAmount,
		c.MaxDiscountAmount, c.ValidFrom, c.ValidUntil, c.MaxUses, c.MaxUsesPerUser,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflict("Coupon code already exists")
		}
		return nil, apperr.Internal(err, "insert coupon")
	}

	s.cache.InvalidateCoupons(ctx)
	log.Printf("✅ Coupon créé: %s", c.Code)
	return c, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

type Coupon struct {
	ID                uuid.UUID  `json:"id"`
	Code              string     `json:"code"`
	Description       string     `json:"description,omitempty"`
	DiscountType      string     `json:"discount_type"`
	DiscountValue     float64    `json:"discount_value"`
	MinOrderAmount    float64    `json:"min_order_amount"`
	MaxDiscountAmount *float64   `json:"max_discount_amount,omitempty"` // Plafond de réduction pour les pourcentages
	ValidFrom         *time.Time `json:"valid_from,omitempty"`
	ValidUntil        *time.Time `json:"valid_until,omitempty"`
	MaxUses           *int       `json:"max_uses,omitempty"`
	MaxUsesPerUser    *int       `json:"max_uses_per_user,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CouponUsage sert à la fois de journal d'audit et de base de comptage
// pour les plafonds d'utilisation. Jamais modifié ni supprimé.
type CouponUsage struct {
	ID             uuid.UUID `json:"id"`
	CouponID       uuid.UUID `json:"coupon_id"`
	UserID         uuid.UUID `json:"user_id"`
	OrderID        uuid.UUID `json:"order_id"`
	DiscountAmount float64   `json:"discount_amount"`
	CreatedAt      time.Time `json:"created_at"`
}

type DiscountSummary struct {
	Code          string  `json:"code"`
	Amount        float64 `json:"amount"`
	OriginalTotal float64 `json:"original_total"`
	NewTotal      float64 `json:"new_total"`
}

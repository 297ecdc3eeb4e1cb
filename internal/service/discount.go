package service

import (
	"errors"
	"math"

	"velora_back_end/internal/models"
)

// errInvalidDiscountType ne devrait jamais remonter si la création de
// coupon valide le type : c'est une incohérence interne, pas une erreur
// utilisateur.
var errInvalidDiscountType = errors.New("invalid discount type")

// ComputeDiscount calcule la réduction d'un coupon sur un total de commande,
// arrondie à 2 décimales (arrondi au plus proche, demi vers le haut).
//   - percentage : total × valeur / 100, plafonné par max_discount_amount
//   - fixed : min(valeur, total) — jamais plus que le total
func ComputeDiscount(coupon *models.Coupon, totalAmount float64) (float64, error) {
	var discount float64

	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		discount = totalAmount * coupon.DiscountValue / 100
		if coupon.MaxDiscountAmount != nil && discount > *coupon.MaxDiscountAmount {
			discount = *coupon.MaxDiscountAmount
		}
	case models.DiscountTypeFixed:
		discount = math.Min(coupon.DiscountValue, totalAmount)
	default:
		return 0, errInvalidDiscountType
	}

	return Round2(discount), nil
}

// Round2 arrondit au centime le plus proche.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

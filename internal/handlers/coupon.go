package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"velora_back_end/internal/models"
	"velora_back_end/internal/service"
)

type CouponService interface {
	ApplyCouponToOrder(ctx context.Context, userID, orderID uuid.UUID, couponCode string) (*models.Order, *models.DiscountSummary, error)
	GetActiveCoupons(ctx context.Context) ([]models.Coupon, error)
	CreateCoupon(ctx context.Context, in service.CreateCouponInput) (*models.Coupon, error)
}

type CouponHandler struct {
	coupons CouponService
}

func NewCouponHandler(coupons CouponService) *CouponHandler {
	return &CouponHandler{coupons: coupons}
}

func (h *CouponHandler) Apply(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order id"})
		return
	}

	var input struct {
		CouponCode string `json:"couponCode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, discount, err := h.coupons.ApplyCouponToOrder(c.Request.Context(), userID, orderID, input.CouponCode)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":    order,
		"discount": discount,
	})
}

func (h *CouponHandler) List(c *gin.Context) {
	coupons, err := h.coupons.GetActiveCoupons(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, coupons)
}

func (h *CouponHandler) Create(c *gin.Context) {
	var input service.CreateCouponInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	coupon, err := h.coupons.CreateCoupon(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

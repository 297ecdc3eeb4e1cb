package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"velora_back_end/internal/handlers"
	"velora_back_end/internal/middleware"
)

func RegisterRoutes(
	r *gin.Engine,
	auth *handlers.AuthHandler,
	products *handlers.ProductHandler,
	orders *handlers.OrderHandler,
	coupons *handlers.CouponHandler,
	rdb *redis.Client,
) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	// Auth
	api.POST("/register", middleware.RegisterRateLimit(rdb), auth.Register)
	api.POST("/login", middleware.LoginRateLimit(rdb), auth.Login)

	// Catalogue
	api.GET("/products", products.List)

	// Coupons
	api.GET("/coupons", coupons.List)

	// Tout le reste exige un appelant authentifié
	authed := api.Group("", middleware.AuthRequired())
	authed.POST("/products", products.Create)
	authed.PATCH("/products/:id/stock", products.UpdateStock)

	authed.POST("/orders", orders.Create)
	authed.GET("/orders", orders.List)
	authed.POST("/orders/:id/cancel", orders.Cancel)
	authed.POST("/orders/:id/apply-coupon", coupons.Apply)

	authed.POST("/coupons", coupons.Create)
}

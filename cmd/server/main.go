package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"velora_back_end/internal/cache"
	"velora_back_end/internal/config"
	"velora_back_end/internal/database"
	"velora_back_end/internal/handlers"
	"velora_back_end/internal/routes"
	"velora_back_end/internal/service"
)

func main() {
	config.Load()

	db, err := database.ConnectPostgres()
	if err != nil {
		log.Fatalf("❌ Échec connexion PostgreSQL: %v", err)
	}
	defer db.Close()

	rdb := database.ConnectRedis()
	store := cache.New(rdb)

	users := service.NewUserService(db)
	products := service.NewProductService(db, store)
	orders := service.NewOrderService(db, store)
	coupons := service.NewCouponService(db, store)

	r := gin.Default()
	r.Use(cors.Default())

	routes.RegisterRoutes(
		r,
		handlers.NewAuthHandler(users),
		handlers.NewProductHandler(products),
		handlers.NewOrderHandler(orders),
		handlers.NewCouponHandler(coupons),
		rdb,
	)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Println("🚀 Serveur Velora lancé sur le port", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("❌ Serveur arrêté: %v", err)
	}
}

package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"velora_back_end/internal/apperr"
	"velora_back_end/internal/cache"
	"velora_back_end/internal/models"
)

type ProductService struct {
	db    *sql.DB
	cache *cache.Cache
}

func NewProductService(db *sql.DB, c *cache.Cache) *ProductService {
	return &ProductService{db: db, cache: c}
}

// ListProducts rend tous les produits non supprimés, les plus récents d'abord.
func (s *ProductService) ListProducts(ctx context.Context) ([]models.Product, error) {
	if products, ok := s.cache.GetProducts(ctx); ok {
		return products, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, price, stock, created_at, updated_at
		FROM products
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Internal(err, "list products")
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperr.Internal(err, "scan product")
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "iterate products")
	}

	s.cache.SetProducts(ctx, products)
	return products, nil
}

func (s *ProductService) CreateProduct(ctx context.Context, name, description string, price float64, stock int) (*models.Product, error) {
	if name == "" {
		return nil, apperr.Validation("Product name is required")
	}
	if price < 0 {
		return nil, apperr.Validation("Price must not be negative")
	}
	if stock < 0 {
		return nil, apperr.Validation("Stock must not be negative")
	}

	p := &models.Product{Name: name, Description: description, Price: price, Stock: stock}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, description, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		name, description, price, stock,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, apperr.Internal(err, "insert product")
	}

	s.cache.InvalidateProducts(ctx)
	return p, nil
}

// SetStock écrase le stock d'un produit avec une valeur absolue, à la
// différence des décréments/incréments relatifs faits par les commandes.
func (s *ProductService) SetStock(ctx context.Context, productID uuid.UUID, stock int) (*models.Product, error) {
	if stock < 0 {
		return nil, apperr.Validation("Stock must not be negative")
	}

	var p models.Product
	err := s.db.QueryRowContext(ctx, `
		UPDATE products SET stock = $1, updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NULL
		RETURNING id, name, description, price, stock, created_at, updated_at`,
		stock, productID,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Product not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "update stock")
	}

	s.cache.InvalidateProducts(ctx)
	return &p, nil
}

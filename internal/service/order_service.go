package service

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/google/uuid"

	"velora_back_end/internal/apperr"
	"velora_back_end/internal/cache"
	"velora_back_end/internal/models"
)

type OrderService struct {
	db    *sql.DB
	cache *cache.Cache
}

func NewOrderService(db *sql.DB, c *cache.Cache) *OrderService {
	return &OrderService{db: db, cache: c}
}

// CreateOrder réserve le stock et crée la commande avec ses lignes dans une
// seule transaction : le moindre échec annule tout, y compris les décréments
// de stock déjà faits. Chaque ligne produit est verrouillée (FOR UPDATE)
// avant le contrôle de stock pour empêcher deux commandes concurrentes de
// survendre le même produit.
func (s *OrderService) CreateOrder(ctx context.Context, userID uuid.UUID, items []models.OrderItemInput) (*models.Order, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("Order must contain at least one item")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, apperr.Validation("Quantity must be greater than zero")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Internal(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	totalAmount := 0.0
	orderItems := make([]models.OrderItem, 0, len(items))

	for _, item := range items {
		var (
			name  string
			price float64
			stock int
		)
		err := tx.QueryRowContext(ctx, `
			SELECT name, price, stock FROM products
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE`,
			item.ProductID,
		).Scan(&name, &price, &stock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Product %s not found", item.ProductID)
		}
		if err != nil {
			return nil, apperr.Internal(err, "lock product")
		}

		if stock < item.Quantity {
			return nil, apperr.Conflict(
				"Insufficient stock for product %s. Available: %d, Requested: %d",
				name, stock, item.Quantity,
			)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1, updated_at = NOW()
			WHERE id = $2`,
			item.Quantity, item.ProductID,
		); err != nil {
			return nil, apperr.Internal(err, "decrement stock")
		}

		totalAmount += price * float64(item.Quantity)
		orderItems = append(orderItems, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     price,
		})
	}

	order := &models.Order{
		UserID:      userID,
		TotalAmount: totalAmount,
		Status:      models.OrderStatusPending,
		Items:       orderItems,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		userID, totalAmount, models.OrderStatusPending,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, apperr.Internal(err, "insert order")
	}

	for _, item := range orderItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price, created_at)
			VALUES ($1, $2, $3, $4, NOW())`,
			order.ID, item.ProductID, item.Quantity, item.Price,
		); err != nil {
			return nil, apperr.Internal(err, "insert order item")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Internal(err, "commit order")
	}
	committed = true

	// Les niveaux de stock affichés par le catalogue viennent de changer.
	s.cache.InvalidateProducts(ctx)

	log.Printf("✅ Commande %s créée pour user %s (total %.2f)", order.ID, userID, totalAmount)
	return order, nil
}

// GetUserOrders rend les commandes de l'utilisateur avec leurs lignes,
// les plus récentes d'abord. Lecture pure.
func (s *OrderService) GetUserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.total_amount, o.status, o.created_at, o.updated_at,
		       oi.product_id, oi.quantity, oi.price
		FROM orders o
		LEFT JOIN order_items oi ON oi.order_id = o.id
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id`,
		userID,
	)
	if err != nil {
		return nil, apperr.Internal(err, "list orders")
	}
	defer rows.Close()

	orders := []models.Order{}
	index := make(map[uuid.UUID]int)

	for rows.Next() {
		var (
			o         models.Order
			productID *uuid.UUID
			quantity  *int
			price     *float64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt,
			&productID, &quantity, &price); err != nil {
			return nil, apperr.Internal(err, "scan order")
		}

		i, seen := index[o.ID]
		if !seen {
			o.Items = []models.OrderItem{}
			orders = append(orders, o)
			i = len(orders) - 1
			index[o.ID] = i
		}
		if productID != nil {
			orders[i].Items = append(orders[i].Items, models.OrderItem{
				ProductID: *productID,
				Quantity:  *quantity,
				Price:     *price,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "iterate orders")
	}

	return orders, nil
}

// CancelOrder restaure le stock de chaque ligne et passe la commande en
// "cancelled", le tout atomiquement. Seules les commandes pending sont
// annulables. Un coupon déjà appliqué n'est PAS reversé : l'usage et la
// réduction restent en l'état (asymétrie assumée, voir DESIGN.md).
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`,
		orderID, userID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("Order not found")
	}
	if err != nil {
		return apperr.Internal(err, "lock order")
	}

	if status != models.OrderStatusPending {
		return apperr.Conflict("Can only cancel pending orders")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return apperr.Internal(err, "load order items")
	}

	type restock struct {
		productID uuid.UUID
		quantity  int
	}
	restocks := []restock{}
	for rows.Next() {
		var r restock
		if err := rows.Scan(&r.productID, &r.quantity); err != nil {
			rows.Close()
			return apperr.Internal(err, "scan order item")
		}
		restocks = append(restocks, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperr.Internal(err, "iterate order items")
	}
	rows.Close()

	for _, r := range restocks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1, updated_at = NOW()
			WHERE id = $2`,
			r.quantity, r.productID,
		); err != nil {
			return apperr.Internal(err, "restore stock")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.OrderStatusCancelled, orderID,
	); err != nil {
		return apperr.Internal(err, "update order status")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Internal(err, "commit cancel")
	}
	committed = true

	s.cache.InvalidateProducts(ctx)

	log.Printf("✅ Commande %s annulée, stock restauré", orderID)
	return nil
}

// loadOrderWithItems recharge une commande et ses lignes hors transaction.
func loadOrderWithItems(ctx context.Context, db *sql.DB, orderID uuid.UUID) (*models.Order, error) {
	var o models.Order
	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, total_amount, status, created_at, updated_at
		FROM orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "load order")
	}

	rows, err := db.QueryContext(ctx, `
		SELECT product_id, quantity, price FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, apperr.Internal(err, "load order items")
	}
	defer rows.Close()

	o.Items = []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, apperr.Internal(err, "scan order item")
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "iterate order items")
	}

	return &o, nil
}

package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rmachado/storefront/internal/catalog"
	"github.com/rmachado/storefront/internal/domain"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrProductNotFound = errors.New("product not found or inactive")
)

type Repository struct {
	db       catalog.DBTX
	products *catalog.ProductRepository
}

func NewRepository(db *sql.DB, products *catalog.ProductRepository) *Repository {
	return &Repository{db: db, products: products}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, products: r.products.WithTx(tx)}
}

// GetByUserID loads the user's cart with all lines and their products
// materialized. Returns nil when the user has no cart yet.
func (r *Repository) GetByUserID(ctx context.Context, userID string) (*domain.Cart, error) {
	cart := &domain.Cart{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts
		WHERE user_id = $1
	`, userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	items, err := r.loadItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items

	return cart, nil
}

// GetOrCreate returns the user's cart, creating an empty one on first use.
func (r *Repository) GetOrCreate(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart != nil {
		return cart, nil
	}

	now := time.Now().UTC()
	cart = &domain.Cart{
		ID:        uuid.New().String(),
		UserID:    userID,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, cart.ID, cart.UserID, now)
	if err != nil {
		return nil, err
	}

	return cart, nil
}

func (r *Repository) loadItems(ctx context.Context, cartID string) ([]domain.CartItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.created_at, ci.updated_at,
		       p.id, p.name, p.description, p.price, p.stock, p.image_url, p.category,
		       p.is_active, p.created_at, p.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.created_at
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.CartItem{}
	for rows.Next() {
		var item domain.CartItem
		err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity,
			&item.CreatedAt, &item.UpdatedAt,
			&item.Product.ID, &item.Product.Name, &item.Product.Description,
			&item.Product.Price, &item.Product.Stock, &item.Product.ImageURL,
			&item.Product.Category, &item.Product.IsActive,
			&item.Product.CreatedAt, &item.Product.UpdatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (r *Repository) getItemOwnedBy(ctx context.Context, itemID, userID string) (*domain.CartItem, error) {
	item := &domain.CartItem{}

	// Ownership is part of the lookup so an item belonging to another user is
	// indistinguishable from a missing one.
	err := r.db.QueryRowContext(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.created_at, ci.updated_at,
		       p.id, p.name, p.description, p.price, p.stock, p.image_url, p.category,
		       p.is_active, p.created_at, p.updated_at
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		JOIN products p ON p.id = ci.product_id
		WHERE ci.id = $1 AND c.user_id = $2
	`, itemID, userID).Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity,
		&item.CreatedAt, &item.UpdatedAt,
		&item.Product.ID, &item.Product.Name, &item.Product.Description,
		&item.Product.Price, &item.Product.Stock, &item.Product.ImageURL,
		&item.Product.Category, &item.Product.IsActive,
		&item.Product.CreatedAt, &item.Product.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return item, nil
}

// AddItem appends a line to the user's cart, merging quantities when the
// product is already present. Availability is checked against the live stock
// count but nothing is reserved; checkout settles against stock at its own
// time.
func (r *Repository) AddItem(ctx context.Context, userID, productID string, quantity int) (*domain.CartItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	product, err := r.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil || !product.IsActive {
		return nil, ErrProductNotFound
	}
	if !product.Available(quantity) {
		return nil, catalog.ErrInsufficientStock
	}

	cart, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	itemID := uuid.New().String()

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, itemID, cart.ID, productID, quantity, now).Scan(&itemID)
	if err != nil {
		return nil, err
	}

	return r.getItemOwnedBy(ctx, itemID, userID)
}

// UpdateItem replaces a line's quantity. Returns nil when the item does not
// exist or belongs to another user's cart.
func (r *Repository) UpdateItem(ctx context.Context, userID, itemID string, quantity int) (*domain.CartItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	item, err := r.getItemOwnedBy(ctx, itemID, userID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	if !item.Product.Available(quantity) {
		return nil, catalog.ErrInsufficientStock
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $2, updated_at = NOW()
		WHERE id = $1
	`, itemID, quantity)
	if err != nil {
		return nil, err
	}

	item.Quantity = quantity
	return item, nil
}

// RemoveItem deletes a line. Reports false when the item does not exist or
// belongs to another user's cart.
func (r *Repository) RemoveItem(ctx context.Context, userID, itemID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items ci
		USING carts c
		WHERE ci.id = $1 AND ci.cart_id = c.id AND c.user_id = $2
	`, itemID, userID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// Clear removes every line from the user's cart. Reports false when the user
// has no cart.
func (r *Repository) Clear(ctx context.Context, userID string) (bool, error) {
	cart, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if cart == nil {
		return false, nil
	}

	return true, r.DeleteItems(ctx, cart.ID)
}

// DeleteItems removes all lines of a cart by id. Checkout calls this inside
// its transaction after every line has been processed.
func (r *Repository) DeleteItems(ctx context.Context, cartID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items WHERE cart_id = $1
	`, cartID)
	return err
}

// ValidateForPurchase checks every line against the current catalog state and
// reports all violations, not just the first, so the caller can surface the
// complete list.
func (r *Repository) ValidateForPurchase(ctx context.Context, userID string) (bool, []string, error) {
	cart, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if cart == nil || len(cart.Items) == 0 {
		return false, []string{"cart is empty"}, nil
	}

	var reasons []string
	for i := range cart.Items {
		item := &cart.Items[i]
		if !item.Product.IsActive {
			reasons = append(reasons, fmt.Sprintf("product %q is no longer available", item.Product.Name))
		} else if !item.Product.Available(item.Quantity) {
			reasons = append(reasons, fmt.Sprintf("product %q does not have enough stock (available: %d)", item.Product.Name, item.Product.Stock))
		}
	}

	return len(reasons) == 0, reasons, nil
}

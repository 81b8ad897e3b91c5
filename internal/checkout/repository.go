package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rmachado/storefront/internal/cart"
	"github.com/rmachado/storefront/internal/catalog"
	"github.com/rmachado/storefront/internal/domain"
)

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrTicketCancelled = errors.New("ticket already cancelled")
)

type Repository struct {
	db       *sql.DB
	products *catalog.ProductRepository
	carts    *cart.Repository
}

func NewRepository(db *sql.DB, products *catalog.ProductRepository, carts *cart.Repository) *Repository {
	return &Repository{db: db, products: products, carts: carts}
}

// CreateFromCart converts the user's cart into a ticket inside a single
// transaction. Each line is fulfilled independently: available stock short of
// the requested quantity yields a partial fulfillment, zero stock yields a
// zero-fulfilled line, and neither blocks the rest of the order. The cart is
// cleared only after every line has been processed, so a failed checkout
// leaves it intact for retry.
//
// Product rows are locked up front (in id order, to keep concurrent checkouts
// deadlock-free), which makes the read-compute-decrement sequence atomic per
// product: stock can never be observed negative.
func (r *Repository) CreateFromCart(ctx context.Context, userID string) (*domain.Ticket, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	carts := r.carts.WithTx(tx)
	products := r.products.WithTx(tx)

	userCart, err := carts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if userCart == nil || len(userCart.Items) == 0 {
		return nil, false, ErrEmptyCart
	}

	locked, err := lockProducts(ctx, products, productIDs(userCart.Items))
	if err != nil {
		return nil, false, err
	}

	// Provisional total at current prices; replaced below with the actual
	// total once fulfillment is settled.
	var provisionalTotal int64
	for i := range userCart.Items {
		item := &userCart.Items[i]
		provisionalTotal += locked[item.ProductID].Price * int64(item.Quantity)
	}

	now := time.Now().UTC()
	ticket := &domain.Ticket{
		ID:          uuid.New().String(),
		UserID:      userID,
		Status:      domain.TicketStatusPending,
		TotalAmount: provisionalTotal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (id, user_id, status, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, ticket.ID, ticket.UserID, ticket.Status, ticket.TotalAmount, now)
	if err != nil {
		return nil, false, err
	}

	allFulfilled := true
	var actualTotal int64

	for i := range userCart.Items {
		line := &userCart.Items[i]
		product := locked[line.ProductID]

		available := line.Quantity
		if product.Stock < available {
			available = product.Stock
		}

		item := domain.TicketItem{
			ID:                uuid.New().String(),
			TicketID:          ticket.ID,
			ProductID:         product.ID,
			QuantityRequested: line.Quantity,
			QuantityFulfilled: available,
			UnitPrice:         product.Price,
			CreatedAt:         now,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ticket_items (id, ticket_id, product_id, quantity_requested, quantity_fulfilled, unit_price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.TicketID, item.ProductID, item.QuantityRequested,
			item.QuantityFulfilled, item.UnitPrice, item.CreatedAt)
		if err != nil {
			return nil, false, err
		}

		if available > 0 {
			if err := products.ReduceStock(ctx, product.ID, available); err != nil {
				// The row lock makes this unreachable; treat it as a hard
				// failure rather than fulfilling from stale state.
				return nil, false, fmt.Errorf("reduce stock for product %s: %w", product.ID, err)
			}
			actualTotal += item.Subtotal()
		}
		if available < line.Quantity {
			allFulfilled = false
		}

		ticket.Items = append(ticket.Items, item)
	}

	ticket.Status = domain.TicketStatusPartial
	if allFulfilled {
		ticket.Status = domain.TicketStatusCompleted
	}
	ticket.TotalAmount = actualTotal

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = $2, total_amount = $3, updated_at = NOW()
		WHERE id = $1
	`, ticket.ID, ticket.Status, ticket.TotalAmount)
	if err != nil {
		return nil, false, err
	}

	if err := carts.DeleteItems(ctx, userCart.ID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return ticket, allFulfilled, nil
}

// Cancel reverses a ticket: every fulfilled quantity is returned to stock and
// the status becomes cancelled, all in one transaction. Fulfilled quantities
// are kept as the historical record. Cancelling twice is rejected, so stock is
// never restored a second time.
func (r *Repository) Cancel(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket := &domain.Ticket{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM tickets
		WHERE id = $1
		FOR UPDATE
	`, ticketID).Scan(&ticket.ID, &ticket.UserID, &ticket.Status,
		&ticket.TotalAmount, &ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if ticket.Status == domain.TicketStatusCancelled {
		return nil, ErrTicketCancelled
	}

	items, err := loadItems(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	ticket.Items = items

	products := r.products.WithTx(tx)

	var ids []string
	for i := range items {
		if items[i].QuantityFulfilled > 0 {
			ids = append(ids, items[i].ProductID)
		}
	}
	if _, err := lockProducts(ctx, products, ids); err != nil {
		return nil, err
	}

	for i := range items {
		item := &items[i]
		if item.QuantityFulfilled == 0 {
			continue
		}
		if _, err := products.IncreaseStock(ctx, item.ProductID, item.QuantityFulfilled); err != nil {
			return nil, fmt.Errorf("restore stock for product %s: %w", item.ProductID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, ticketID, domain.TicketStatusCancelled)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	ticket.Status = domain.TicketStatusCancelled
	return ticket, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket := &domain.Ticket{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM tickets
		WHERE id = $1
	`, id).Scan(&ticket.ID, &ticket.UserID, &ticket.Status,
		&ticket.TotalAmount, &ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	items, err := loadItems(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	ticket.Items = items

	return ticket, nil
}

// ListByUser returns the user's tickets newest first, with items batch-loaded
// in a single query.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Ticket, error) {
	return r.list(ctx, `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM tickets
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

func (r *Repository) ListByStatus(ctx context.Context, status domain.TicketStatus) ([]domain.Ticket, error) {
	return r.list(ctx, `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM tickets
		WHERE status = $1
		ORDER BY created_at DESC
	`, status)
}

func (r *Repository) list(ctx context.Context, query string, arg any) ([]domain.Ticket, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ticketMap := make(map[string]*domain.Ticket)
	var ticketIDs []string

	for rows.Next() {
		var ticket domain.Ticket
		err := rows.Scan(&ticket.ID, &ticket.UserID, &ticket.Status,
			&ticket.TotalAmount, &ticket.CreatedAt, &ticket.UpdatedAt)
		if err != nil {
			return nil, err
		}
		ticket.Items = []domain.TicketItem{}
		ticketMap[ticket.ID] = &ticket
		ticketIDs = append(ticketIDs, ticket.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ticketIDs) == 0 {
		return []domain.Ticket{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT id, ticket_id, product_id, quantity_requested, quantity_fulfilled, unit_price, created_at
		FROM ticket_items
		WHERE ticket_id = ANY($1)
		ORDER BY created_at
	`, pq.Array(ticketIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var item domain.TicketItem
		err := itemRows.Scan(&item.ID, &item.TicketID, &item.ProductID,
			&item.QuantityRequested, &item.QuantityFulfilled, &item.UnitPrice, &item.CreatedAt)
		if err != nil {
			return nil, err
		}
		ticket := ticketMap[item.TicketID]
		ticket.Items = append(ticket.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	tickets := make([]domain.Ticket, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		tickets = append(tickets, *ticketMap[id])
	}

	return tickets, nil
}

// PurchaseSummary aggregates ticket counts per status and the amount spent on
// non-cancelled tickets.
func (r *Repository) PurchaseSummary(ctx context.Context, userID string) (*domain.PurchaseSummary, error) {
	summary := &domain.PurchaseSummary{}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'partial'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COALESCE(SUM(total_amount) FILTER (WHERE status != 'cancelled'), 0)
		FROM tickets
		WHERE user_id = $1
	`, userID).Scan(&summary.TotalTickets, &summary.CompletedTickets,
		&summary.PartialTickets, &summary.CancelledTickets, &summary.TotalSpent)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func loadItems(ctx context.Context, db catalog.DBTX, ticketID string) ([]domain.TicketItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, ticket_id, product_id, quantity_requested, quantity_fulfilled, unit_price, created_at
		FROM ticket_items
		WHERE ticket_id = $1
		ORDER BY created_at
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.TicketItem{}
	for rows.Next() {
		var item domain.TicketItem
		err := rows.Scan(&item.ID, &item.TicketID, &item.ProductID,
			&item.QuantityRequested, &item.QuantityFulfilled, &item.UnitPrice, &item.CreatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func productIDs(items []domain.CartItem) []string {
	ids := make([]string, 0, len(items))
	for i := range items {
		ids = append(ids, items[i].ProductID)
	}
	return ids
}

// lockProducts acquires row locks in a stable order and returns the locked
// rows keyed by id.
func lockProducts(ctx context.Context, products *catalog.ProductRepository, ids []string) (map[string]*domain.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	locked := make(map[string]*domain.Product, len(sorted))
	for _, id := range sorted {
		if _, ok := locked[id]; ok {
			continue
		}
		product, err := products.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, fmt.Errorf("product %s no longer exists", id)
		}
		locked[id] = product
	}

	return locked, nil
}

package domain

import (
	"encoding/json"
	"time"
)

type TicketStatus string

const (
	// TicketStatusPending exists only while checkout is in flight; a committed
	// ticket is always completed, partial or cancelled.
	TicketStatusPending   TicketStatus = "pending"
	TicketStatusCompleted TicketStatus = "completed"
	TicketStatusPartial   TicketStatus = "partial"
	TicketStatusCancelled TicketStatus = "cancelled"
)

// Ticket is a finalized order derived from a cart at checkout time. Its item
// membership is immutable after creation; only cancellation mutates it, and
// that changes status alone.
type Ticket struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Status      TicketStatus `json:"status"`
	TotalAmount int64        `json:"total_amount"`
	Items       []TicketItem `json:"items"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (t *Ticket) IsCompleted() bool {
	return t.Status == TicketStatusCompleted
}

func (t *Ticket) IsPartial() bool {
	return t.Status == TicketStatusPartial
}

// TicketItem records one cart line at checkout time. UnitPrice is captured at
// creation so later catalog price changes never alter historical totals.
// QuantityFulfilled stays within [0, QuantityRequested] and survives
// cancellation as the historical record of what was delivered.
type TicketItem struct {
	ID                string    `json:"id"`
	TicketID          string    `json:"ticket_id"`
	ProductID         string    `json:"product_id"`
	QuantityRequested int       `json:"quantity_requested"`
	QuantityFulfilled int       `json:"quantity_fulfilled"`
	UnitPrice         int64     `json:"unit_price"`
	CreatedAt         time.Time `json:"created_at"`
}

// Subtotal charges only what was actually fulfilled.
func (i *TicketItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.QuantityFulfilled)
}

func (i *TicketItem) FullyFulfilled() bool {
	return i.QuantityFulfilled == i.QuantityRequested
}

func (i TicketItem) MarshalJSON() ([]byte, error) {
	type ticketItem TicketItem
	return json.Marshal(struct {
		ticketItem
		Subtotal         int64 `json:"subtotal"`
		IsFullyFulfilled bool  `json:"is_fully_fulfilled"`
	}{
		ticketItem:       ticketItem(i),
		Subtotal:         i.Subtotal(),
		IsFullyFulfilled: i.FullyFulfilled(),
	})
}

// PurchaseSummary aggregates a user's ticket history. TotalSpent excludes
// cancelled tickets.
type PurchaseSummary struct {
	TotalTickets     int   `json:"total_tickets"`
	CompletedTickets int   `json:"completed_tickets"`
	PartialTickets   int   `json:"partial_tickets"`
	CancelledTickets int   `json:"cancelled_tickets"`
	TotalSpent       int64 `json:"total_spent"`
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rmachado/storefront/internal/domain"
)

// Sender delivers mail. Satisfied by email.Client.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// TicketHandler turns ticket.created events into confirmation emails. Partial
// tickets get a per-line shortfall summary so the customer knows what was not
// delivered and will not be charged for.
type TicketHandler struct {
	sender Sender
	logger *slog.Logger
}

func NewTicketHandler(sender Sender, logger *slog.Logger) *TicketHandler {
	return &TicketHandler{
		sender: sender,
		logger: logger,
	}
}

func (h *TicketHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.TicketCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal ticket created event: %w", err)
	}

	h.logger.Info("processing ticket created event", "ticket_id", event.TicketID,
		"user_id", event.UserID, "status", event.Status)

	if event.Email == "" {
		h.logger.Warn("no email address on event, skipping notification", "ticket_id", event.TicketID)
		return nil
	}

	subject, body := composeConfirmation(event)
	if err := h.sender.Send(ctx, event.Email, subject, body); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("confirmation email sent", "ticket_id", event.TicketID, "to", event.Email)
	return nil
}

func composeConfirmation(event domain.TicketCreatedEvent) (subject, body string) {
	var b strings.Builder

	if event.Status == domain.TicketStatusPartial {
		subject = "Your order was partially fulfilled: " + event.TicketID
		fmt.Fprintf(&b, "Some items in your order %s could not be fully fulfilled:\n\n", event.TicketID)
		for i := range event.Items {
			item := &event.Items[i]
			if item.FullyFulfilled() {
				continue
			}
			fmt.Fprintf(&b, "- product %s: %d of %d delivered\n",
				item.ProductID, item.QuantityFulfilled, item.QuantityRequested)
		}
		b.WriteString("\nYou are only charged for delivered items.\n")
	} else {
		subject = "Order confirmation: " + event.TicketID
		fmt.Fprintf(&b, "Your order %s has been confirmed with %d items.\n",
			event.TicketID, len(event.Items))
	}

	fmt.Fprintf(&b, "Total charged: %s\n", formatAmount(event.TotalAmount))
	return subject, b.String()
}

// formatAmount renders cents as a decimal string, e.g. 1999 -> "19.99".
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

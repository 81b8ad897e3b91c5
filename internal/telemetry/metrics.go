package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rmachado/storefront/internal/domain"
)

// CheckoutMetrics counts checkout outcomes. The unfulfilled-units counter
// tracks how much demand the catalog failed to cover.
type CheckoutMetrics struct {
	ticketsCreated   metric.Int64Counter
	ticketsCancelled metric.Int64Counter
	unfulfilledUnits metric.Int64Counter
}

func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	meter := otel.Meter("storefront/checkout")

	ticketsCreated, err := meter.Int64Counter("storefront.tickets.created",
		metric.WithDescription("Tickets created at checkout, by final status"))
	if err != nil {
		return nil, err
	}

	ticketsCancelled, err := meter.Int64Counter("storefront.tickets.cancelled",
		metric.WithDescription("Tickets cancelled"))
	if err != nil {
		return nil, err
	}

	unfulfilledUnits, err := meter.Int64Counter("storefront.checkout.unfulfilled_units",
		metric.WithDescription("Requested units that could not be fulfilled from stock"))
	if err != nil {
		return nil, err
	}

	return &CheckoutMetrics{
		ticketsCreated:   ticketsCreated,
		ticketsCancelled: ticketsCancelled,
		unfulfilledUnits: unfulfilledUnits,
	}, nil
}

func (m *CheckoutMetrics) RecordTicket(ctx context.Context, ticket *domain.Ticket) {
	if m == nil {
		return
	}

	m.ticketsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ticket.status", string(ticket.Status)),
	))

	var shortfall int64
	for i := range ticket.Items {
		shortfall += int64(ticket.Items[i].QuantityRequested - ticket.Items[i].QuantityFulfilled)
	}
	if shortfall > 0 {
		m.unfulfilledUnits.Add(ctx, shortfall)
	}
}

func (m *CheckoutMetrics) RecordCancellation(ctx context.Context) {
	if m == nil {
		return
	}
	m.ticketsCancelled.Add(ctx, 1)
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/rmachado/storefront/internal/domain"
)

type fakeSender struct {
	to      string
	subject string
	body    string
	calls   int
	err     error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) error {
	f.calls++
	f.to = to
	f.subject = subject
	f.body = body
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleTicketCreated(t *testing.T) {
	event := domain.TicketCreatedEvent{
		TicketID:    "ticket-1",
		UserID:      "user-1",
		Email:       "buyer@example.com",
		Status:      domain.TicketStatusCompleted,
		TotalAmount: 4500,
		Items: []domain.TicketItem{
			{ProductID: "prod-1", QuantityRequested: 3, QuantityFulfilled: 3, UnitPrice: 1500},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	t.Run("sends confirmation", func(t *testing.T) {
		sender := &fakeSender{}
		handler := NewTicketHandler(sender, discardLogger())

		if err := handler.Handle(context.Background(), payload); err != nil {
			t.Fatalf("handle failed: %v", err)
		}

		if sender.calls != 1 {
			t.Fatalf("expected 1 send, got %d", sender.calls)
		}
		if sender.to != "buyer@example.com" {
			t.Fatalf("unexpected recipient: %s", sender.to)
		}
		if !strings.Contains(sender.subject, "ticket-1") {
			t.Fatalf("expected ticket id in subject, got: %s", sender.subject)
		}
		if !strings.Contains(sender.body, "45.00") {
			t.Fatalf("expected formatted total in body, got: %s", sender.body)
		}
	})

	t.Run("skips event without email", func(t *testing.T) {
		noEmail := event
		noEmail.Email = ""
		data, _ := json.Marshal(noEmail)

		sender := &fakeSender{}
		handler := NewTicketHandler(sender, discardLogger())

		if err := handler.Handle(context.Background(), data); err != nil {
			t.Fatalf("handle failed: %v", err)
		}
		if sender.calls != 0 {
			t.Fatalf("expected no send, got %d", sender.calls)
		}
	})

	t.Run("propagates send failure", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("smtp down")}
		handler := NewTicketHandler(sender, discardLogger())

		if err := handler.Handle(context.Background(), payload); err == nil {
			t.Fatal("expected error from failed send")
		}
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		handler := NewTicketHandler(&fakeSender{}, discardLogger())

		if err := handler.Handle(context.Background(), []byte("not json")); err == nil {
			t.Fatal("expected error for malformed payload")
		}
	})
}

func TestComposeConfirmationPartial(t *testing.T) {
	event := domain.TicketCreatedEvent{
		TicketID:    "ticket-2",
		Status:      domain.TicketStatusPartial,
		TotalAmount: 2400,
		Items: []domain.TicketItem{
			{ProductID: "prod-1", QuantityRequested: 4, QuantityFulfilled: 2, UnitPrice: 1200},
			{ProductID: "prod-2", QuantityRequested: 1, QuantityFulfilled: 1, UnitPrice: 900},
		},
	}

	subject, body := composeConfirmation(event)

	if !strings.Contains(subject, "partially fulfilled") {
		t.Fatalf("expected partial subject, got: %s", subject)
	}
	if !strings.Contains(body, "prod-1: 2 of 4 delivered") {
		t.Fatalf("expected shortfall line for prod-1, got: %s", body)
	}
	// Fully fulfilled lines are not listed as shortfalls.
	if strings.Contains(body, "prod-2") {
		t.Fatalf("did not expect prod-2 in shortfall list, got: %s", body)
	}
	if !strings.Contains(body, "24.00") {
		t.Fatalf("expected formatted total, got: %s", body)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{1999, "19.99"},
		{100000, "1000.00"},
		{-250, "-2.50"},
	}

	for _, tt := range tests {
		if got := formatAmount(tt.cents); got != tt.want {
			t.Fatalf("formatAmount(%d) = %s, want %s", tt.cents, got, tt.want)
		}
	}
}

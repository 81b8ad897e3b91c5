package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rmachado/storefront/internal/auth"
	"github.com/rmachado/storefront/internal/domain"
	"github.com/rmachado/storefront/internal/telemetry"
)

// Service is the slice of the repository the handler needs.
type Service interface {
	CreateFromCart(ctx context.Context, userID string) (*domain.Ticket, bool, error)
	Cancel(ctx context.Context, ticketID string) (*domain.Ticket, error)
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Ticket, error)
	ListByStatus(ctx context.Context, status domain.TicketStatus) ([]domain.Ticket, error)
	PurchaseSummary(ctx context.Context, userID string) (*domain.PurchaseSummary, error)
}

// EventPublisher is satisfied by messaging.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// UserDirectory resolves the checkout user for event enrichment.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

type Handler struct {
	service   Service
	users     UserDirectory
	publisher EventPublisher
	metrics   *telemetry.CheckoutMetrics
	logger    *slog.Logger
}

func NewHandler(service Service, users UserDirectory, publisher EventPublisher, metrics *telemetry.CheckoutMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		users:     users,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

type checkoutResponse struct {
	Ticket       *domain.Ticket `json:"ticket"`
	AllFulfilled bool           `json:"all_fulfilled"`
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ticket, allFulfilled, err := h.service.CreateFromCart(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrEmptyCart) {
			h.writeError(w, http.StatusBadRequest, "cart is empty")
			return
		}
		h.logger.Error("checkout failed", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.RecordTicket(r.Context(), ticket)
	h.publishCreated(r.Context(), ticket)

	h.logger.Info("ticket created", "ticket_id", ticket.ID, "user_id", userID,
		"status", ticket.Status, "total", ticket.TotalAmount)
	h.writeJSON(w, http.StatusCreated, checkoutResponse{Ticket: ticket, AllFulfilled: allFulfilled})
}

// publishCreated is best-effort: the checkout transaction has already
// committed, so a publish failure is logged and never surfaced to the caller.
func (h *Handler) publishCreated(ctx context.Context, ticket *domain.Ticket) {
	if h.publisher == nil {
		return
	}

	var email string
	user, err := h.users.GetByID(ctx, ticket.UserID)
	if err != nil {
		h.logger.Error("failed to resolve user for event", "error", err, "user_id", ticket.UserID)
	} else if user != nil {
		email = user.Email
	}

	event := domain.TicketCreatedEvent{
		TicketID:    ticket.ID,
		UserID:      ticket.UserID,
		Email:       email,
		Status:      ticket.Status,
		TotalAmount: ticket.TotalAmount,
		Items:       ticket.Items,
		Timestamp:   time.Now().UTC(),
	}

	if err := h.publisher.Publish(ctx, ticket.ID, event); err != nil {
		h.logger.Error("failed to publish ticket created event", "error", err, "ticket_id", ticket.ID)
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing ticket id")
		return
	}

	ticket, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get ticket", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// A ticket owned by someone else looks exactly like a missing one.
	if ticket == nil || ticket.UserID != userID {
		h.writeError(w, http.StatusNotFound, "ticket not found")
		return
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	tickets, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list tickets", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) HandleListByStatus(w http.ResponseWriter, r *http.Request) {
	status := domain.TicketStatus(r.URL.Query().Get("status"))
	switch status {
	case domain.TicketStatusPending, domain.TicketStatusCompleted,
		domain.TicketStatusPartial, domain.TicketStatusCancelled:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	tickets, err := h.service.ListByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list tickets by status", "error", err, "status", status)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	summary, err := h.service.PurchaseSummary(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get purchase summary", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing ticket id")
		return
	}

	existing, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get ticket", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if existing == nil || existing.UserID != userID {
		h.writeError(w, http.StatusNotFound, "ticket not found")
		return
	}

	ticket, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTicketCancelled) {
			h.writeError(w, http.StatusConflict, "ticket already cancelled")
			return
		}
		h.logger.Error("failed to cancel ticket", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ticket == nil {
		h.writeError(w, http.StatusNotFound, "ticket not found")
		return
	}

	h.metrics.RecordCancellation(r.Context())

	h.logger.Info("ticket cancelled", "ticket_id", id, "user_id", userID)
	h.writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

package cart

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rmachado/storefront/internal/auth"
	"github.com/rmachado/storefront/internal/catalog"
	"github.com/rmachado/storefront/internal/domain"
)

type fakeStore struct {
	cart    *domain.Cart
	item    *domain.CartItem
	addErr  error
	removed bool
	valid   bool
	reasons []string
}

func (f *fakeStore) GetOrCreate(_ context.Context, _ string) (*domain.Cart, error) {
	return f.cart, nil
}

func (f *fakeStore) AddItem(_ context.Context, _, _ string, _ int) (*domain.CartItem, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.item, nil
}

func (f *fakeStore) UpdateItem(_ context.Context, _, _ string, _ int) (*domain.CartItem, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return f.item, nil
}

func (f *fakeStore) RemoveItem(_ context.Context, _, _ string) (bool, error) {
	return f.removed, nil
}

func (f *fakeStore) Clear(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (f *fakeStore) ValidateForPurchase(_ context.Context, _ string) (bool, []string, error) {
	return f.valid, f.reasons, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func authedRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(auth.WithUser(req.Context(), "user-1"))
}

func TestHandleAddItem(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		store      *fakeStore
		wantStatus int
	}{
		{
			name:       "adds item",
			body:       `{"product_id": "prod-1", "quantity": 2}`,
			store:      &fakeStore{item: &domain.CartItem{ID: "item-1", ProductID: "prod-1", Quantity: 2}},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing product id",
			body:       `{"quantity": 2}`,
			store:      &fakeStore{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid quantity",
			body:       `{"product_id": "prod-1", "quantity": 0}`,
			store:      &fakeStore{addErr: ErrInvalidQuantity},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown product",
			body:       `{"product_id": "prod-x", "quantity": 1}`,
			store:      &fakeStore{addErr: ErrProductNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "insufficient stock",
			body:       `{"product_id": "prod-1", "quantity": 99}`,
			store:      &fakeStore{addErr: catalog.ErrInsufficientStock},
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(tt.store, discardLogger())

			rec := httptest.NewRecorder()
			handler.HandleAddItem(rec, authedRequest(http.MethodPost, "/cart/items", tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleUpdateItem(t *testing.T) {
	t.Run("missing item is not found", func(t *testing.T) {
		handler := NewHandler(&fakeStore{}, discardLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("PUT /cart/items/{itemId}", handler.HandleUpdateItem)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPut, "/cart/items/item-1", `{"quantity": 2}`))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("updates quantity", func(t *testing.T) {
		store := &fakeStore{item: &domain.CartItem{ID: "item-1", Quantity: 5}}
		handler := NewHandler(store, discardLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("PUT /cart/items/{itemId}", handler.HandleUpdateItem)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPut, "/cart/items/item-1", `{"quantity": 5}`))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
		}
	})
}

func TestHandleRemoveItem(t *testing.T) {
	t.Run("removes item", func(t *testing.T) {
		handler := NewHandler(&fakeStore{removed: true}, discardLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("DELETE /cart/items/{itemId}", handler.HandleRemoveItem)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodDelete, "/cart/items/item-1", ""))

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
	})

	t.Run("missing item is not found", func(t *testing.T) {
		handler := NewHandler(&fakeStore{removed: false}, discardLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("DELETE /cart/items/{itemId}", handler.HandleRemoveItem)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodDelete, "/cart/items/item-1", ""))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleValidate(t *testing.T) {
	store := &fakeStore{valid: false, reasons: []string{"cart is empty"}}
	handler := NewHandler(store, discardLogger())

	rec := httptest.NewRecorder()
	handler.HandleValidate(rec, authedRequest(http.MethodGet, "/cart/validate", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp struct {
		Valid   bool     `json:"valid"`
		Reasons []string `json:"reasons"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected valid false")
	}
	if len(resp.Reasons) != 1 || resp.Reasons[0] != "cart is empty" {
		t.Fatalf("unexpected reasons: %v", resp.Reasons)
	}
}

func TestHandleGetRequiresAuth(t *testing.T) {
	handler := NewHandler(&fakeStore{}, discardLogger())

	rec := httptest.NewRecorder()
	handler.HandleGet(rec, httptest.NewRequest(http.MethodGet, "/cart", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

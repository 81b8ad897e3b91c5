//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/rmachado/storefront/internal/auth"
	"github.com/rmachado/storefront/internal/cart"
	"github.com/rmachado/storefront/internal/catalog"
	"github.com/rmachado/storefront/internal/checkout"
	"github.com/rmachado/storefront/internal/domain"
	"github.com/rmachado/storefront/internal/email"
	"github.com/rmachado/storefront/internal/messaging"
	"github.com/rmachado/storefront/internal/notification"
)

type env struct {
	db       *sql.DB
	users    *auth.UserRepository
	products *catalog.ProductRepository
	carts    *cart.Repository
	tickets  *checkout.Repository
}

func newEnv(t *testing.T, connStr string) *env {
	t.Helper()

	db, err := OpenDB(connStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	products := catalog.NewProductRepository(db)
	carts := cart.NewRepository(db, products)

	return &env{
		db:       db,
		users:    auth.NewUserRepository(db),
		products: products,
		carts:    carts,
		tickets:  checkout.NewRepository(db, products, carts),
	}
}

func (e *env) createUser(ctx context.Context, t *testing.T, username string) *domain.User {
	t.Helper()

	user := &domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "not-a-real-hash",
	}
	if err := e.users.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return user
}

func (e *env) createProduct(ctx context.Context, t *testing.T, name string, price int64, stock int) *domain.Product {
	t.Helper()

	product := &domain.Product{
		Name:     name,
		Price:    price,
		Stock:    stock,
		Category: "test",
	}
	if err := e.products.Create(ctx, product); err != nil {
		t.Fatalf("failed to create product %s: %v", name, err)
	}
	return product
}

func (e *env) stockOf(ctx context.Context, t *testing.T, productID string) int {
	t.Helper()

	product, err := e.products.GetByID(ctx, productID)
	if err != nil {
		t.Fatalf("failed to get product: %v", err)
	}
	if product == nil {
		t.Fatalf("product %s not found", productID)
	}
	return product.Stock
}

func TestCheckoutFullFulfillment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	user := e.createUser(ctx, t, "buyer-full")
	coffee := e.createProduct(ctx, t, "Coffee Beans", 1500, 10)
	grinder := e.createProduct(ctx, t, "Hand Grinder", 4500, 3)

	if _, err := e.carts.AddItem(ctx, user.ID, coffee.ID, 2); err != nil {
		t.Fatalf("failed to add coffee: %v", err)
	}
	if _, err := e.carts.AddItem(ctx, user.ID, grinder.ID, 1); err != nil {
		t.Fatalf("failed to add grinder: %v", err)
	}

	ticket, allFulfilled, err := e.tickets.CreateFromCart(ctx, user.ID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if !allFulfilled {
		t.Fatal("expected all lines fulfilled")
	}
	if ticket.Status != domain.TicketStatusCompleted {
		t.Fatalf("expected status %s, got %s", domain.TicketStatusCompleted, ticket.Status)
	}
	if want := int64(2*1500 + 4500); ticket.TotalAmount != want {
		t.Fatalf("expected total %d, got %d", want, ticket.TotalAmount)
	}
	if len(ticket.Items) != 2 {
		t.Fatalf("expected 2 ticket items, got %d", len(ticket.Items))
	}
	for _, item := range ticket.Items {
		if item.QuantityFulfilled != item.QuantityRequested {
			t.Fatalf("expected line fully fulfilled, got %d of %d",
				item.QuantityFulfilled, item.QuantityRequested)
		}
	}

	if got := e.stockOf(ctx, t, coffee.ID); got != 8 {
		t.Fatalf("expected coffee stock 8, got %d", got)
	}
	if got := e.stockOf(ctx, t, grinder.ID); got != 2 {
		t.Fatalf("expected grinder stock 2, got %d", got)
	}

	userCart, err := e.carts.GetByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if userCart == nil || len(userCart.Items) != 0 {
		t.Fatalf("expected cart emptied after checkout, got %+v", userCart)
	}
}

func TestCheckoutPartialFulfillment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	user := e.createUser(ctx, t, "buyer-partial")
	scarce := e.createProduct(ctx, t, "Limited Mug", 1200, 5)
	gone := e.createProduct(ctx, t, "Sold Out Tee", 2500, 2)
	plenty := e.createProduct(ctx, t, "Sticker Pack", 300, 100)

	if _, err := e.carts.AddItem(ctx, user.ID, scarce.ID, 5); err != nil {
		t.Fatalf("failed to add scarce product: %v", err)
	}
	if _, err := e.carts.AddItem(ctx, user.ID, gone.ID, 2); err != nil {
		t.Fatalf("failed to add sold-out product: %v", err)
	}
	if _, err := e.carts.AddItem(ctx, user.ID, plenty.ID, 3); err != nil {
		t.Fatalf("failed to add plentiful product: %v", err)
	}

	// Someone else buys in between: scarce drops to 3, gone drops to 0.
	if err := e.products.ReduceStock(ctx, scarce.ID, 2); err != nil {
		t.Fatalf("failed to reduce scarce stock: %v", err)
	}
	if err := e.products.ReduceStock(ctx, gone.ID, 2); err != nil {
		t.Fatalf("failed to reduce sold-out stock: %v", err)
	}

	ticket, allFulfilled, err := e.tickets.CreateFromCart(ctx, user.ID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if allFulfilled {
		t.Fatal("expected partial fulfillment")
	}
	if ticket.Status != domain.TicketStatusPartial {
		t.Fatalf("expected status %s, got %s", domain.TicketStatusPartial, ticket.Status)
	}

	fulfilled := map[string]int{}
	for _, item := range ticket.Items {
		fulfilled[item.ProductID] = item.QuantityFulfilled
	}
	if fulfilled[scarce.ID] != 3 {
		t.Fatalf("expected scarce line fulfilled 3, got %d", fulfilled[scarce.ID])
	}
	if fulfilled[gone.ID] != 0 {
		t.Fatalf("expected sold-out line fulfilled 0, got %d", fulfilled[gone.ID])
	}
	if fulfilled[plenty.ID] != 3 {
		t.Fatalf("expected plentiful line fulfilled 3, got %d", fulfilled[plenty.ID])
	}

	// Charged only for delivered units.
	if want := int64(3*1200 + 3*300); ticket.TotalAmount != want {
		t.Fatalf("expected total %d, got %d", want, ticket.TotalAmount)
	}

	if got := e.stockOf(ctx, t, scarce.ID); got != 0 {
		t.Fatalf("expected scarce stock 0, got %d", got)
	}
	if got := e.stockOf(ctx, t, gone.ID); got != 0 {
		t.Fatalf("expected sold-out stock 0, got %d", got)
	}
	if got := e.stockOf(ctx, t, plenty.ID); got != 97 {
		t.Fatalf("expected plentiful stock 97, got %d", got)
	}

	userCart, err := e.carts.GetByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if userCart == nil || len(userCart.Items) != 0 {
		t.Fatal("expected cart emptied even on partial fulfillment")
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	user := e.createUser(ctx, t, "buyer-empty")

	if _, _, err := e.tickets.CreateFromCart(ctx, user.ID); err != checkout.ErrEmptyCart {
		t.Fatalf("expected ErrEmptyCart for user with no cart, got %v", err)
	}

	// An existing but empty cart behaves the same.
	if _, err := e.carts.GetOrCreate(ctx, user.ID); err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}
	if _, _, err := e.tickets.CreateFromCart(ctx, user.ID); err != checkout.ErrEmptyCart {
		t.Fatalf("expected ErrEmptyCart for empty cart, got %v", err)
	}
}

func TestCancelRestoresStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	user := e.createUser(ctx, t, "buyer-cancel")
	product := e.createProduct(ctx, t, "Notebook", 900, 6)

	if _, err := e.carts.AddItem(ctx, user.ID, product.ID, 6); err != nil {
		t.Fatalf("failed to add item: %v", err)
	}
	// Stock shrinks to 4 before checkout, so only 4 of 6 get fulfilled.
	if err := e.products.ReduceStock(ctx, product.ID, 2); err != nil {
		t.Fatalf("failed to reduce stock: %v", err)
	}

	ticket, _, err := e.tickets.CreateFromCart(ctx, user.ID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if got := e.stockOf(ctx, t, product.ID); got != 0 {
		t.Fatalf("expected stock 0 after checkout, got %d", got)
	}

	cancelled, err := e.tickets.Cancel(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.TicketStatusCancelled {
		t.Fatalf("expected status %s, got %s", domain.TicketStatusCancelled, cancelled.Status)
	}

	// Only the fulfilled 4 units come back, not the requested 6.
	if got := e.stockOf(ctx, t, product.ID); got != 4 {
		t.Fatalf("expected stock 4 after cancel, got %d", got)
	}

	// The fulfillment record survives cancellation.
	reloaded, err := e.tickets.GetByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("failed to reload ticket: %v", err)
	}
	if len(reloaded.Items) != 1 || reloaded.Items[0].QuantityFulfilled != 4 {
		t.Fatalf("expected fulfilled quantity 4 preserved, got %+v", reloaded.Items)
	}

	// Cancelling twice must not restore stock again.
	if _, err := e.tickets.Cancel(ctx, ticket.ID); err != checkout.ErrTicketCancelled {
		t.Fatalf("expected ErrTicketCancelled on second cancel, got %v", err)
	}
	if got := e.stockOf(ctx, t, product.ID); got != 4 {
		t.Fatalf("expected stock still 4 after rejected cancel, got %d", got)
	}
}

func TestConcurrentCheckoutSingleUnit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	product := e.createProduct(ctx, t, "Last One", 9900, 1)

	buyers := []*domain.User{
		e.createUser(ctx, t, "racer-1"),
		e.createUser(ctx, t, "racer-2"),
	}
	for _, buyer := range buyers {
		if _, err := e.carts.AddItem(ctx, buyer.ID, product.ID, 1); err != nil {
			t.Fatalf("failed to add item for %s: %v", buyer.Username, err)
		}
	}

	var wg sync.WaitGroup
	tickets := make([]*domain.Ticket, len(buyers))
	errs := make([]error, len(buyers))

	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			tickets[i], _, errs[i] = e.tickets.CreateFromCart(ctx, userID)
		}(i, buyer.ID)
	}
	wg.Wait()

	totalFulfilled := 0
	for i := range buyers {
		if errs[i] != nil {
			t.Fatalf("checkout %d failed: %v", i, errs[i])
		}
		for _, item := range tickets[i].Items {
			totalFulfilled += item.QuantityFulfilled
		}
	}

	if totalFulfilled != 1 {
		t.Fatalf("expected exactly 1 unit fulfilled across both checkouts, got %d", totalFulfilled)
	}
	if got := e.stockOf(ctx, t, product.ID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestPurchaseSummary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	user := e.createUser(ctx, t, "buyer-summary")
	product := e.createProduct(ctx, t, "Mouse Pad", 2000, 50)

	checkoutOnce := func(qty int) *domain.Ticket {
		t.Helper()
		if _, err := e.carts.AddItem(ctx, user.ID, product.ID, qty); err != nil {
			t.Fatalf("failed to add item: %v", err)
		}
		ticket, _, err := e.tickets.CreateFromCart(ctx, user.ID)
		if err != nil {
			t.Fatalf("checkout failed: %v", err)
		}
		return ticket
	}

	checkoutOnce(2)
	cancelMe := checkoutOnce(1)
	if _, err := e.tickets.Cancel(ctx, cancelMe.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	summary, err := e.tickets.PurchaseSummary(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to get summary: %v", err)
	}

	if summary.TotalTickets != 2 {
		t.Fatalf("expected 2 tickets, got %d", summary.TotalTickets)
	}
	if summary.CompletedTickets != 1 {
		t.Fatalf("expected 1 completed ticket, got %d", summary.CompletedTickets)
	}
	if summary.CancelledTickets != 1 {
		t.Fatalf("expected 1 cancelled ticket, got %d", summary.CancelledTickets)
	}
	// Cancelled spend does not count.
	if summary.TotalSpent != 4000 {
		t.Fatalf("expected total spent 4000, got %d", summary.TotalSpent)
	}
}

func TestCheckoutHTTPFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	e := newEnv(t, pg.ConnStr)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := []byte("integration-test-secret")

	cartHandler := cart.NewHandler(e.carts, logger)
	checkoutHandler := checkout.NewHandler(e.tickets, e.users, nil, nil, logger)
	protected := auth.Middleware(secret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /cart/items", protected(cartHandler.HandleAddItem))
	mux.HandleFunc("POST /checkout", protected(checkoutHandler.HandleCheckout))
	mux.HandleFunc("GET /tickets/{id}", protected(checkoutHandler.HandleGet))
	mux.HandleFunc("POST /tickets/{id}/cancel", protected(checkoutHandler.HandleCancel))

	user := e.createUser(ctx, t, "buyer-http")
	intruder := e.createUser(ctx, t, "intruder-http")
	product := e.createProduct(ctx, t, "Keyboard", 8000, 4)

	token, err := auth.NewToken(secret, user.ID, time.Hour)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	intruderToken, err := auth.NewToken(secret, intruder.ID, time.Hour)
	if err != nil {
		t.Fatalf("failed to mint intruder token: %v", err)
	}

	do := func(method, path, body, bearer string) *httptest.ResponseRecorder {
		t.Helper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	// No token, no service.
	if rec := do(http.MethodPost, "/checkout", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d without token, got %d", http.StatusUnauthorized, rec.Code)
	}

	// Checkout with an empty cart is a client error.
	if rec := do(http.MethodPost, "/checkout", "", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for empty cart, got %d", http.StatusBadRequest, rec.Code)
	}

	addBody := fmt.Sprintf(`{"product_id": %q, "quantity": 2}`, product.ID)
	if rec := do(http.MethodPost, "/cart/items", addBody, token); rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d adding item, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(http.MethodPost, "/checkout", "", token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d on checkout, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var created struct {
		Ticket       domain.Ticket `json:"ticket"`
		AllFulfilled bool          `json:"all_fulfilled"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode checkout response: %v", err)
	}
	if !created.AllFulfilled {
		t.Fatal("expected all_fulfilled true")
	}
	if created.Ticket.Status != domain.TicketStatusCompleted {
		t.Fatalf("expected status %s, got %s", domain.TicketStatusCompleted, created.Ticket.Status)
	}

	// Another user cannot see or cancel this ticket.
	ticketPath := "/tickets/" + created.Ticket.ID
	if rec := do(http.MethodGet, ticketPath, "", intruderToken); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for foreign ticket, got %d", http.StatusNotFound, rec.Code)
	}
	if rec := do(http.MethodPost, ticketPath+"/cancel", "", intruderToken); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d cancelling foreign ticket, got %d", http.StatusNotFound, rec.Code)
	}

	if rec := do(http.MethodPost, ticketPath+"/cancel", "", token); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d on cancel, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, ticketPath+"/cancel", "", token); rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d on second cancel, got %d", http.StatusConflict, rec.Code)
	}

	if got := e.stockOf(ctx, t, product.ID); got != 4 {
		t.Fatalf("expected stock restored to 4, got %d", got)
	}
}

func TestAuthHTTPFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	redisClient, redisCleanup := SetupRedis(ctx, t)
	defer redisCleanup()
	e := newEnv(t, pg.ConnStr)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := []byte("integration-test-secret")

	emailCap := &emailCapture{}
	emailMux := http.NewServeMux()
	emailMux.HandleFunc("POST /send", emailCap.handler)
	emailServer := httptest.NewServer(emailMux)
	defer emailServer.Close()

	sender := email.NewClient(emailServer.URL, &http.Client{Timeout: 10 * time.Second})
	tokens := auth.NewResetTokenStore(redisClient)
	authHandler := auth.NewHandler(e.users, tokens, sender, secret, "http://localhost:3000", logger)
	protected := auth.Middleware(secret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.HandleRegister)
	mux.HandleFunc("POST /auth/login", authHandler.HandleLogin)
	mux.HandleFunc("GET /auth/current", protected(authHandler.HandleCurrent))
	mux.HandleFunc("POST /auth/password-reset/request", authHandler.HandleResetRequest)
	mux.HandleFunc("POST /auth/password-reset/confirm", authHandler.HandleResetConfirm)

	do := func(method, path, body, bearer string) *httptest.ResponseRecorder {
		t.Helper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	registerBody := `{"username": "alice", "email": "alice@example.com", "password": "secret1"}`
	if rec := do(http.MethodPost, "/auth/register", registerBody, ""); rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d on register, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/auth/register", registerBody, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d on duplicate register, got %d", http.StatusConflict, rec.Code)
	}

	if rec := do(http.MethodPost, "/auth/login", `{"username": "alice", "password": "wrong"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d for bad password, got %d", http.StatusUnauthorized, rec.Code)
	}

	rec := do(http.MethodPost, "/auth/login", `{"username": "alice", "password": "secret1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d on login, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var login struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&login); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	rec = do(http.MethodGet, "/auth/current", "", login.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d on current, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var current domain.User
	if err := json.NewDecoder(rec.Body).Decode(&current); err != nil {
		t.Fatalf("failed to decode current user: %v", err)
	}
	if current.Username != "alice" {
		t.Fatalf("expected alice, got %s", current.Username)
	}

	// Unknown emails get the same answer as known ones.
	if rec := do(http.MethodPost, "/auth/password-reset/request", `{"email": "nobody@example.com"}`, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d for unknown email, got %d", http.StatusAccepted, rec.Code)
	}
	if len(emailCap.getEmails()) != 0 {
		t.Fatal("expected no email for unknown address")
	}

	if rec := do(http.MethodPost, "/auth/password-reset/request", `{"email": "alice@example.com"}`, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d on reset request, got %d", http.StatusAccepted, rec.Code)
	}
	emails := emailCap.getEmails()
	if len(emails) != 1 {
		t.Fatalf("expected 1 reset email, got %d", len(emails))
	}

	_, after, found := strings.Cut(emails[0]["body"], "token=")
	if !found {
		t.Fatalf("expected reset link in email body, got: %s", emails[0]["body"])
	}
	resetToken := strings.TrimSpace(after)

	confirmBody := fmt.Sprintf(`{"token": %q, "password": "newsecret"}`, resetToken)
	if rec := do(http.MethodPost, "/auth/password-reset/confirm", confirmBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d on reset confirm, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	// Single use.
	if rec := do(http.MethodPost, "/auth/password-reset/confirm", confirmBody, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d on token reuse, got %d", http.StatusBadRequest, rec.Code)
	}

	if rec := do(http.MethodPost, "/auth/login", `{"username": "alice", "password": "secret1"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected old password rejected, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/auth/login", `{"username": "alice", "password": "newsecret"}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected new password accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResetTokenStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, cleanup := SetupRedis(ctx, t)
	defer cleanup()

	store := auth.NewResetTokenStore(client)

	token, err := store.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	// A newer token supersedes the old one.
	token2, err := store.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to create second token: %v", err)
	}
	if _, err := store.Consume(ctx, token); err != auth.ErrTokenInvalid {
		t.Fatalf("expected superseded token to be invalid, got %v", err)
	}

	userID, err := store.Consume(ctx, token2)
	if err != nil {
		t.Fatalf("failed to consume token: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %s", userID)
	}

	// Single use.
	if _, err := store.Consume(ctx, token2); err != auth.ErrTokenInvalid {
		t.Fatalf("expected consumed token to be invalid, got %v", err)
	}
}

type emailCapture struct {
	mu     sync.Mutex
	emails []map[string]string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.emails = append(e.emails, req)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"sent"}`)
}

func (e *emailCapture) getEmails() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]map[string]string, len(e.emails))
	copy(result, e.emails)
	return result
}

func TestTicketEventNotificationFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	emailCap := &emailCapture{}
	emailMux := http.NewServeMux()
	emailMux.HandleFunc("POST /send", emailCap.handler)
	emailServer := httptest.NewServer(emailMux)
	defer emailServer.Close()

	sender := email.NewClient(emailServer.URL, &http.Client{Timeout: 10 * time.Second})
	ticketHandler := notification.NewTicketHandler(sender, logger)

	publisher := messaging.NewPublisher(brokers, "ticket.created")
	defer func() { _ = publisher.Close() }()

	consumer := messaging.NewConsumer(brokers, "ticket.created", "notification-worker-test",
		messaging.WithStartOffset(segkafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	event := domain.TicketCreatedEvent{
		TicketID:    "ticket-1",
		UserID:      "user-1",
		Email:       "buyer@example.com",
		Status:      domain.TicketStatusPartial,
		TotalAmount: 3600,
		Items: []domain.TicketItem{
			{ProductID: "prod-1", QuantityRequested: 5, QuantityFulfilled: 3, UnitPrice: 1200},
		},
		Timestamp: time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, event.TicketID, event); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(consumerCtx, ticketHandler.Handle)
	}()

	deadline := time.After(60 * time.Second)
	for len(emailCap.getEmails()) == 0 {
		select {
		case err := <-done:
			t.Fatalf("consumer stopped early: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for confirmation email")
		case <-time.After(200 * time.Millisecond):
		}
	}
	stopConsumer()

	emails := emailCap.getEmails()
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %d", len(emails))
	}

	sent := emails[0]
	if sent["to"] != "buyer@example.com" {
		t.Fatalf("unexpected recipient: %s", sent["to"])
	}
	if !strings.Contains(sent["subject"], "partially fulfilled") {
		t.Fatalf("expected partial fulfillment subject, got: %s", sent["subject"])
	}
	if !strings.Contains(sent["body"], "3 of 5 delivered") {
		t.Fatalf("expected shortfall line in body, got: %s", sent["body"])
	}
	if !strings.Contains(sent["body"], "36.00") {
		t.Fatalf("expected formatted total in body, got: %s", sent["body"])
	}
}

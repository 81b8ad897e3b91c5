package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rmachado/storefront/internal/domain"
)

const tokenTTL = 24 * time.Hour

// EmailSender delivers transactional mail. Satisfied by email.Client.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Handler struct {
	users   *UserRepository
	tokens  *ResetTokenStore
	emailer EmailSender
	secret  []byte
	baseURL string
	logger  *slog.Logger
}

func NewHandler(users *UserRepository, tokens *ResetTokenStore, emailer EmailSender, secret []byte, baseURL string, logger *slog.Logger) *Handler {
	return &Handler{
		users:   users,
		tokens:  tokens,
		emailer: emailer,
		secret:  secret,
		baseURL: baseURL,
		logger:  logger,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" || req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "username and email are required")
		return
	}
	if len(req.Password) < 6 {
		h.writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	existing, err := h.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("failed to check username", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if existing != nil {
		h.writeError(w, http.StatusConflict, "username already taken")
		return
	}

	existing, err = h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("failed to check email", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if existing != nil {
		h.writeError(w, http.StatusConflict, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user := &domain.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		h.logger.Error("failed to create user", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	h.writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("failed to get user", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := NewToken(h.secret, user.ID, tokenTTL)
	if err != nil {
		h.logger.Error("failed to sign token", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user logged in", "user_id", user.ID)
	h.writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (h *Handler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get user", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if user == nil {
		h.writeError(w, http.StatusNotFound, "user not found")
		return
	}

	h.writeJSON(w, http.StatusOK, user)
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

// HandleResetRequest always answers 202 so the response does not reveal
// whether the email is registered.
func (h *Handler) HandleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("failed to get user by email", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if user != nil {
		token, err := h.tokens.Create(r.Context(), user.ID)
		if err != nil {
			h.logger.Error("failed to create reset token", "error", err, "user_id", user.ID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		resetURL := fmt.Sprintf("%s/reset-password?token=%s", h.baseURL, token)
		body := fmt.Sprintf("Hello %s,\n\nTo reset your password, open the link below. It expires in one hour.\n\n%s\n", user.Username, resetURL)
		if err := h.emailer.Send(r.Context(), user.Email, "Password reset", body); err != nil {
			h.logger.Error("failed to send reset email", "error", err, "user_id", user.ID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		h.logger.Info("password reset requested", "user_id", user.ID)
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) HandleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if len(req.Password) < 6 {
		h.writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	userID, err := h.tokens.Consume(r.Context(), req.Token)
	if err != nil {
		if err == ErrTokenInvalid {
			h.writeError(w, http.StatusBadRequest, "reset token invalid or expired")
			return
		}
		h.logger.Error("failed to consume reset token", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := h.users.UpdatePassword(r.Context(), userID, string(hash)); err != nil {
		h.logger.Error("failed to update password", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("password reset", "user_id", userID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
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

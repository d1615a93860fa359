package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/NadimPy/vm-provisioner/internal/apikey"
	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/models"
)

// AuthHandler exposes signup/login, the two unauthenticated account
// routes in the provisioner (spec.md §6, original_source/main.py signup/login).
type AuthHandler struct {
	catalog catalog.Catalog
	logger  *zap.Logger
}

func NewAuthHandler(cat catalog.Catalog, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{catalog: cat, logger: logger}
}

type SignupRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

type SignupResponse struct {
	Message string `json:"message"`
	APIKey  string `json:"api_key"`
	UserID  string `json:"user_id"`
}

// Signup creates a user and returns a fresh API key, shown exactly once.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process signup"})
		return
	}

	plainKey, err := apikey.Generate()
	if err != nil {
		h.logger.Error("failed to generate api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process signup"})
		return
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		PasswordHash: string(passwordHash),
		APIKeyHash:   apikey.Hash(plainKey),
	}

	if err := h.catalog.AddUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	c.JSON(http.StatusCreated, SignupResponse{
		Message: "user created successfully",
		APIKey:  plainKey,
		UserID:  user.ID,
	})
}

type LoginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Message string `json:"message"`
	APIKey  string `json:"api_key"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
}

// Login verifies the password and rotates the user's API key, the same
// way the original issues a brand new key on every successful login
// rather than returning the one generated at signup.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := h.catalog.FindUserByName(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	newKey, err := apikey.Generate()
	if err != nil {
		h.logger.Error("failed to generate api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete login"})
		return
	}

	if err := h.catalog.UpdateUserAPIKeyHash(c.Request.Context(), user.ID, apikey.Hash(newKey)); err != nil {
		h.logger.Error("failed to rotate api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete login"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Message: "login successful",
		APIKey:  newKey,
		UserID:  user.ID,
		Name:    user.Name,
	})
}

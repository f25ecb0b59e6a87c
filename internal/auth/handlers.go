package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the public and authenticated auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequirePermission(PermissionRead), h.Me)
}

// RegisterAdminRoutes mounts key management. The group must already require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/api-keys", h.ListKeys)
	r.POST("/api-keys", h.CreateKey)
	r.DELETE("/api-keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":        "api_key",
		"header":      "Authorization: Bearer sk_...",
		"altHeader":   "X-API-Key: sk_...",
		"permissions": []Permission{PermissionRead, PermissionPay, PermissionAdmin},
	})
}

// Me returns the calling key's metadata.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keyId":      key.ID,
		"keyName":    key.Name,
		"permission": key.Permission,
		"createdAt":  key.CreatedAt,
		"lastUsed":   key.LastUsed,
	})
}

// ListKeys returns all API keys without their hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name       string     `json:"name"`
	Permission Permission `json:"permission" binding:"required"`
}

// CreateKey creates a new API key
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Name == "" {
		req.Name = string(req.Permission) + " key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Name, req.Permission)
	if err != nil {
		if errors.Is(err, ErrInvalidPermission) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_permission",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":     rawKey,
		"keyId":      key.ID,
		"name":       key.Name,
		"permission": key.Permission,
		"warning":    "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")

	if current, ok := GetAPIKey(c); ok && current.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

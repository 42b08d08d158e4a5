package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"studybuddy-chat/internal/observability"
)

const requestIDContextKey = observability.RequestIDKey

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := currentUser(c); userID != uuid.Nil {
		value := userID.String()
		return &value
	}

	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := uuid.Parse(header); err == nil {
			value := parsed.String()
			return &value
		}
	}

	return nil
}

package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-enrollment/internal/middleware"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/response"
)

// requireClaims returns the caller's claims, or renders 401 and returns false.
func requireClaims(c *gin.Context) (*models.JWTClaims, bool) {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}

// Package middleware holds the gin middleware of the API.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// TokenVerifier checks HMAC-signed access tokens.
type TokenVerifier struct {
	secret []byte
	logger *zap.Logger
}

// NewTokenVerifier creates a TokenVerifier for secret.
func NewTokenVerifier(secret string, logger *zap.Logger) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), logger: logger.Named("TokenVerifier")}
}

// Verify parses tokenString and maps failures to the model token errors.
func (v *TokenVerifier) Verify(tokenString string) (*models.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.logger.Debug("Access token verification failed: expired")
			return nil, models.ErrTokenExpired
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			v.logger.Warn("Access token verification failed: malformed")
			return nil, models.ErrTokenMalformed
		}
		v.logger.Warn("Failed to parse access token", zap.Error(err))
		return nil, models.ErrTokenInvalid
	}

	claims, ok := token.Claims.(*models.Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}

// Auth requires a valid bearer token and stores the caller in the context.
func Auth(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if authHeader == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortToken(c, models.ErrTokenInvalid)
			return
		}

		claims, err := v.Verify(parts[1])
		if err != nil {
			abortToken(c, err)
			return
		}

		c.Set(models.UserIDKey, claims.UserID)
		c.Set(models.RolesKey, claims.Roles)
		c.Next()
	}
}

func abortToken(c *gin.Context, err error) {
	resp := models.ErrorResponse{Code: models.ErrCodeTokenInvalid, Message: "Token is invalid or malformed"}
	if errors.Is(err, models.ErrTokenExpired) {
		resp = models.ErrorResponse{Code: models.ErrCodeTokenExpired, Message: "Token has expired"}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
}

// UserID returns the caller stored by Auth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(models.UserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

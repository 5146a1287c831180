package middleware

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/pkg/ctxutil"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewAuthMiddleware(baseLog *logger.Logger) (*AuthMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	return &AuthMiddleware{
		log:    baseLog.With("middleware", "AuthMiddleware"),
		secret: []byte(secret),
	}, nil
}

// RequireAuth validates the bearer token and attaches the caller identity to
// the request context. The token is also accepted as a query parameter because
// EventSource cannot set headers.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			abortUnauthorized(c, "missing or invalid token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return am.secret, nil
		})
		if err != nil || !token.Valid {
			abortUnauthorized(c, "missing or invalid token")
			return
		}

		subject, err := claims.GetSubject()
		if err != nil {
			abortUnauthorized(c, "missing or invalid token")
			return
		}
		userID, err := uuid.Parse(subject)
		if err != nil || userID == uuid.Nil {
			abortUnauthorized(c, "missing or invalid token")
			return
		}

		rd := &ctxutil.RequestData{UserID: userID}
		if sid, ok := claims["sid"].(string); ok {
			if sessionID, sErr := uuid.Parse(sid); sErr == nil {
				rd.SessionID = sessionID
			}
		}

		c.Request = c.Request.WithContext(ctxutil.WithRequestData(c.Request.Context(), rd))
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"message": message, "code": "unauthorized"},
	})
}

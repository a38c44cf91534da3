package api

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/visionmarket/ledger/api/responses"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
)

const (
	ctxCallerID = "caller_id"
	ctxIsAdmin  = "is_admin"

	roleAdmin          = "admin"
	serviceTokenHeader = "X-Service-Token"
)

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID, valid for ttl
func IssueToken(secret string, userID uuid.UUID, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if admin {
		claims.Role = roleAdmin
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authMiddleware verifies the bearer token and stores the caller identity
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			responses.Unauthorized(c, "Authorization header required")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			responses.Unauthorized(c, "Invalid authorization format")
			return
		}

		claims := &Claims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			responses.Unauthorized(c, "Invalid or expired token")
			return
		}
		callerID, err := uuid.Parse(claims.Subject)
		if err != nil {
			responses.Unauthorized(c, "Token subject is not a user id")
			return
		}

		c.Set(ctxCallerID, callerID)
		c.Set(ctxIsAdmin, claims.Role == roleAdmin)
		c.Next()
	}
}

// adminMiddleware requires the admin role; it runs after authMiddleware
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxIsAdmin) {
			responses.Fail(c, apperrors.Authorization.Explain("admin role required"))
			return
		}
		c.Next()
	}
}

// serviceMiddleware guards collaborator callbacks with a shared token
func (s *Server) serviceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(serviceTokenHeader)
		if s.serviceToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.serviceToken)) != 1 {
			responses.Unauthorized(c, "Invalid service token")
			return
		}
		c.Next()
	}
}

func callerID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(ctxCallerID)
	caller, _ := id.(uuid.UUID)
	return caller
}

// rateLimitKey throttles per authenticated caller, per client IP otherwise
func rateLimitKey(c *gin.Context) string {
	if id := callerID(c); id != uuid.Nil {
		return "user:" + id.String()
	}
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// Package hostapi is the tenant-facing HTTP surface: REST operations over
// slots, a websocket console stream, and JWT tenant authentication.
package hostapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/response"
)

const tenantContextKey = "tenant_id"

// AuthService validates tenant access tokens.
type AuthService struct {
	jwtSecret []byte
	jwtIssuer string
}

// NewAuthService creates a token validator.
func NewAuthService(jwtSecret, jwtIssuer string) *AuthService {
	return &AuthService{jwtSecret: []byte(jwtSecret), jwtIssuer: jwtIssuer}
}

type tokenClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate parses and validates a raw bearer token, returning the tenant
// identifier carried in the subject claim.
func (s *AuthService) Authenticate(raw string) (string, error) {
	if raw == "" || len(s.jwtSecret) == 0 {
		return "", appErr.New(appErr.Unauthorized)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", appErr.New(appErr.Unauthorized).WithMessage("token expired")
		}
		return "", appErr.New(appErr.Unauthorized)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return "", appErr.New(appErr.Unauthorized)
	}
	if s.jwtIssuer != "" && claims.Issuer != s.jwtIssuer {
		return "", appErr.New(appErr.Unauthorized)
	}
	if claims.TokenType != "access" {
		return "", appErr.New(appErr.Unauthorized)
	}
	if claims.Subject == "" {
		return "", appErr.New(appErr.Unauthorized)
	}
	return claims.Subject, nil
}

// AuthMiddleware enforces tenant authentication on protected routes.
func AuthMiddleware(auth *AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			response.AbortWithErrorCode(c, appErr.ServiceUnavailable, "auth service unavailable")
			return
		}
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			// Websocket clients cannot set headers from a browser; allow the
			// token as a query parameter there.
			token = strings.TrimSpace(c.Query("token"))
		}
		tenant, err := auth.Authenticate(token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func tenantFrom(c *gin.Context) string {
	if v, ok := c.Get(tenantContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Package adminauth guards the admin HTTP surface's mutating endpoints
// (currently POST /leave) with a bearer-token check against a shared
// signing secret, the same CustomClaims/ValidateToken shape used
// elsewhere in the stack, simplified to a symmetric secret since this
// surface has no external identity provider to federate with.
package adminauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload expected on the admin surface's bearer token.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Validator checks a bearer token against a configured HMAC secret and
// requires the "admin" scope.
type Validator struct {
	secret []byte
}

// NewValidator constructs a Validator from a shared signing secret. An
// empty secret is a configuration error: the admin surface must not run
// with an unauthenticated mutating endpoint.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("adminauth: empty signing secret")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies tokenString, returning its claims if
// valid and scoped "admin".
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("adminauth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("adminauth: token is invalid")
	}
	if claims.Scope != "admin" {
		return nil, errors.New("adminauth: token missing admin scope")
	}
	return claims, nil
}

// RequireAdmin is Gin middleware that rejects requests without a valid
// bearer token carrying the "admin" scope.
func RequireAdmin(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := v.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

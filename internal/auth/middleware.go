package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const resultKey = "auth_result"

// Middleware authenticates requests with a bearer token or basic auth. A
// nil Service disables authentication.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// Authenticate rejects requests without valid credentials.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil {
			c.Next()
			return
		}
		r, err := m.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="torvisr"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(resultKey, r)
		c.Next()
	}
}

// RequireWrite only lets admins through.
func (m *Middleware) RequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil {
			c.Next()
			return
		}
		v, _ := c.Get(resultKey)
		r, ok := v.(Result)
		if !ok || !r.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

func (m *Middleware) authenticate(r *http.Request) (Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return m.svc.Verify(strings.TrimSpace(token))
		}
	}
	if user, pw, ok := r.BasicAuth(); ok {
		return m.svc.CheckPassword(user, pw)
	}
	return Result{}, ErrInvalidCredentials
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "GuardDispatch/pkg/errors"
	"GuardDispatch/pkg/response"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

const (
	// EmployeeIDKey gin 上下文与会话中保存调度员 ID 的键
	EmployeeIDKey = "employee_id"
	sessionName   = "dispatch_session"
)

var ErrUnauthenticated = apperrors.WithCode(http.StatusUnauthorized, "unauthenticated")

// Identity 认证后的调度员身份
type Identity struct {
	EmployeeID uint
}

// TokenValidator resolves a bearer token to an identity. Implementations are
// external identity services; StaticTokens covers single-site deployments.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// StaticTokens token -> identity
type StaticTokens map[string]Identity

// ParseStaticTokens parses "token:employeeId,token:employeeId".
func ParseStaticTokens(raw string) (StaticTokens, error) {
	tokens := StaticTokens{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, id, ok := strings.Cut(pair, ":")
		if !ok || tok == "" {
			return nil, apperrors.WithCodef(apperrors.CodeInvalid, "malformed auth token entry %q", pair)
		}
		employeeID, err := cast.ToUintE(strings.TrimSpace(id))
		if err != nil || employeeID == 0 {
			return nil, apperrors.WithCodef(apperrors.CodeInvalid, "malformed employee id in %q", pair)
		}
		tokens[strings.TrimSpace(tok)] = Identity{EmployeeID: employeeID}
	}
	return tokens, nil
}

func (s StaticTokens) Validate(ctx context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// SessionMiddleware cookie 会话，必须挂在 Auth 之前
func SessionMiddleware(secret string) gin.HandlerFunc {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: 12 * 3600})
	return sessions.Sessions(sessionName, store)
}

// Auth accepts a bearer token (header or ?token=) and falls back to the cookie
// session, so a browser can open /ws after logging in over HTTP.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			id, err := validator.Validate(c.Request.Context(), token)
			if err != nil {
				response.Unauthorized(c)
				return
			}
			c.Set(EmployeeIDKey, id.EmployeeID)
			if session := currentSession(c); session != nil {
				session.Set(EmployeeIDKey, id.EmployeeID)
				_ = session.Save()
			}
			c.Next()
			return
		}

		if session := currentSession(c); session != nil {
			if employeeID, err := cast.ToUintE(session.Get(EmployeeIDKey)); err == nil && employeeID > 0 {
				c.Set(EmployeeIDKey, employeeID)
				c.Next()
				return
			}
		}
		response.Unauthorized(c)
	}
}

// CurrentEmployee 当前请求的调度员 ID
func CurrentEmployee(c *gin.Context) (uint, bool) {
	v, ok := c.Get(EmployeeIDKey)
	if !ok {
		return 0, false
	}
	id, err := cast.ToUintE(v)
	return id, err == nil && id > 0
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

func currentSession(c *gin.Context) sessions.Session {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return nil
	}
	return sessions.Default(c)
}

package recovery

import (
	"context"
	"time"

	"GuardDispatch/internal/models"
	apperrors "GuardDispatch/pkg/errors"
	"GuardDispatch/pkg/cache"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	DefaultTTL = 30 * time.Minute

	keyPrefix = "reset:"
)

// ErrInvalidToken unknown, expired or already used
var ErrInvalidToken = apperrors.NotFoundf("reset token is invalid or expired")

// TokenStore 密码重置令牌，一次性使用
type TokenStore struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewTokenStore(c cache.Cache, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenStore{cache: c, ttl: ttl}
}

// Issue creates a token for employeeID valid for the store TTL.
func (s *TokenStore) Issue(ctx context.Context, employeeID uint) (string, time.Time, error) {
	token := uuid.NewString()
	ok, err := s.cache.SetNX(ctx, keyPrefix+token, employeeID, s.ttl)
	if err != nil {
		return "", time.Time{}, apperrors.Storage(err, "store reset token")
	}
	if !ok {
		return "", time.Time{}, apperrors.Conflictf("reset token collision")
	}
	return token, time.Now().Add(s.ttl), nil
}

// Peek returns the owner without consuming the token.
func (s *TokenStore) Peek(ctx context.Context, token string) (uint, error) {
	v, ok := s.cache.Get(ctx, keyPrefix+token)
	if !ok {
		return 0, ErrInvalidToken
	}
	return owner(v)
}

// Redeem consumes the token; a second redeem fails.
func (s *TokenStore) Redeem(ctx context.Context, token string) (uint, error) {
	v, ok := s.cache.Take(ctx, keyPrefix+token)
	if !ok {
		return 0, ErrInvalidToken
	}
	return owner(v)
}

func owner(v interface{}) (uint, error) {
	id, err := cast.ToUintE(v)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Mailer delivers the reset link; the transport lives outside this service.
type Mailer interface {
	SendResetToken(ctx context.Context, to models.Employee, token string, expires time.Time) error
}

// LogMailer writes the token to the log, for development.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) SendResetToken(ctx context.Context, to models.Employee, token string, expires time.Time) error {
	lg := m.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	lg.Info("password reset token", zap.String("email", to.Email), zap.String("token", token), zap.Time("expires", expires))
	return nil
}

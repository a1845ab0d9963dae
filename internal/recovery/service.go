package recovery

import (
	"context"
	"strings"

	"GuardDispatch/internal/models"
	apperrors "GuardDispatch/pkg/errors"

	"go.uber.org/zap"
)

// EmployeeFinder looks employees up by login email.
type EmployeeFinder interface {
	EmployeeByEmail(ctx context.Context, email string) (*models.Employee, error)
}

// Service 密码找回流程
type Service struct {
	tokens    *TokenStore
	employees EmployeeFinder
	mailer    Mailer
	lg        *zap.Logger
}

func NewService(tokens *TokenStore, employees EmployeeFinder, mailer Mailer, lg *zap.Logger) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{tokens: tokens, employees: employees, mailer: mailer, lg: lg.Named("recovery")}
}

// Request issues and mails a token. An unknown email is not reported to the
// caller so the endpoint cannot be used to probe accounts.
func (s *Service) Request(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return apperrors.Wrap(apperrors.ErrInvalid, "email is required")
	}
	emp, err := s.employees.EmployeeByEmail(ctx, email)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		s.lg.Info("reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	token, expires, err := s.tokens.Issue(ctx, emp.ID)
	if err != nil {
		return err
	}
	if err := s.mailer.SendResetToken(ctx, *emp, token, expires); err != nil {
		s.lg.Error("send reset token", zap.Uint("employee_id", emp.ID), zap.Error(err))
		return apperrors.Wrap(apperrors.ErrStorage, "mail delivery failed")
	}
	return nil
}

// Verify redeems token and returns its employee.
func (s *Service) Verify(ctx context.Context, token string) (uint, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "token is required")
	}
	id, err := s.tokens.Redeem(ctx, token)
	if err != nil {
		return 0, err
	}
	s.lg.Info("reset token redeemed", zap.Uint("employee_id", id))
	return id, nil
}

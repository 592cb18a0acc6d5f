package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/clock"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"github.com/smallbiznis/meterly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    userdomain.Repository
	Gateway paymentdomain.Gateway `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    userdomain.Repository
	gateway paymentdomain.Gateway
}

func NewService(p Params) userdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("user.service"),
		genID:   p.GenID,
		clock:   c,
		repo:    p.Repo,
		gateway: p.Gateway,
	}
}

func (s *Service) Create(ctx context.Context, req userdomain.CreateUserRequest) (*userdomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, userdomain.ErrInvalidEmail
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > 64 {
		return nil, userdomain.ErrInvalidUsername
	}

	now := s.clock.Now()
	user := &userdomain.User{
		ID:        s.genID.Generate(),
		Email:     email,
		Username:  username,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, user); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, userdomain.ErrUserAlreadyExists
		}
		return nil, err
	}

	// Degraded mode: the user exists without a gateway identity until the
	// repair job succeeds.
	updated, err := s.EnsureExternalCustomer(ctx, user)
	if err != nil {
		return user, nil
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	if id == 0 {
		return nil, userdomain.ErrInvalidUserID
	}
	user, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) GetByExternalCustomerID(ctx context.Context, customerID string) (*userdomain.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, userdomain.ErrUserNotFound
	}
	user, err := s.repo.FindByExternalCustomerID(ctx, s.db, customerID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) EnsureExternalCustomer(ctx context.Context, user *userdomain.User) (*userdomain.User, error) {
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}
	if user.HasExternalCustomer() {
		return user, nil
	}
	if s.gateway == nil {
		return user, paymentdomain.ErrGatewayDisabled
	}

	customer, err := s.gateway.CreateCustomer(ctx, paymentdomain.CreateCustomerRequest{
		Email: user.Email,
		Name:  user.Username,
		Metadata: map[string]string{
			"user_id": user.ID.String(),
		},
	})
	if err != nil {
		level := s.log.Warn
		if errors.Is(err, paymentdomain.ErrGatewayDisabled) {
			level = s.log.Debug
		}
		level("gateway customer not created",
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
		return user, err
	}

	now := s.clock.Now()
	if err := s.repo.SetExternalCustomerID(ctx, s.db, user.ID, customer.ID, now); err != nil {
		s.log.Error("failed to store external customer id",
			zap.String("user_id", user.ID.String()),
			zap.String("external_customer_id", customer.ID),
			zap.Error(err),
		)
		return user, err
	}

	updated := *user
	updated.ExternalCustomerID = &customer.ID
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *Service) ListMissingExternalCustomer(ctx context.Context, limit int) ([]userdomain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListMissingExternalCustomer(ctx, s.db, limit)
}

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrInvalidUsername   = errors.New("invalid_username")
	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrUserNotFound      = errors.New("user_not_found")
	ErrUserAlreadyExists = errors.New("user_already_exists")
)

type CreateUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type Service interface {
	// Create persists the user and then tries to register a gateway
	// customer. Gateway failures leave the user without an external id.
	Create(ctx context.Context, req CreateUserRequest) (*User, error)
	Get(ctx context.Context, id snowflake.ID) (*User, error)
	GetByExternalCustomerID(ctx context.Context, customerID string) (*User, error)
	// EnsureExternalCustomer creates the gateway customer when missing.
	EnsureExternalCustomer(ctx context.Context, user *User) (*User, error)
	ListMissingExternalCustomer(ctx context.Context, limit int) ([]User, error)
}

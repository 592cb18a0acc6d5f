package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, user *User) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*User, error)
	SetExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, updatedAt time.Time) error
	ListMissingExternalCustomer(ctx context.Context, db *gorm.DB, limit int) ([]User, error)
}

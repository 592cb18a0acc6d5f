package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() userdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, user *userdomain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (
			id, email, username, external_customer_id, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.Username,
		user.ExternalCustomerID,
		user.IsActive,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*userdomain.User, error) {
	var user userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, username, external_customer_id, is_active, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*userdomain.User, error) {
	var user userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, username, external_customer_id, is_active, created_at, updated_at
		 FROM users WHERE external_customer_id = ?
		 LIMIT 1`,
		customerID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) SetExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET external_customer_id = ?, updated_at = ?
		 WHERE id = ? AND external_customer_id IS NULL`,
		customerID,
		updatedAt,
		id,
	).Error
}

func (r *repo) ListMissingExternalCustomer(ctx context.Context, db *gorm.DB, limit int) ([]userdomain.User, error) {
	var users []userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, username, external_customer_id, is_active, created_at, updated_at
		 FROM users
		 WHERE external_customer_id IS NULL AND is_active = ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		true,
		limit,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

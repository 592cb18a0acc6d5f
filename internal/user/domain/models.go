package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User is an account that owns subscriptions, operations and billing records.
type User struct {
	ID                 snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Email              string       `gorm:"type:text;not null;uniqueIndex" json:"email"`
	Username           string       `gorm:"type:text;not null;uniqueIndex" json:"username"`
	ExternalCustomerID *string      `gorm:"type:text;uniqueIndex" json:"external_customer_id,omitempty"`
	IsActive           bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u User) HasExternalCustomer() bool {
	return u.ExternalCustomerID != nil && *u.ExternalCustomerID != ""
}

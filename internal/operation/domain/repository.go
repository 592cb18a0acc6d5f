package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ListFilter struct {
	UserID  snowflake.ID
	Type    Type
	Status  Status
	AfterID snowflake.ID
	Limit   int
}

type CountRow struct {
	Label string
	Total int64
}

type StatsTotals struct {
	Total        int64
	CompletedSum decimal.Decimal
	AvgExecMs    float64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, op *Operation) error
	FindByID(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (*Operation, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Operation, error)

	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (int64, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, result datatypes.JSON, completedAt time.Time, executionTimeMs int64) (int64, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, completedAt time.Time, executionTimeMs *int64) (int64, error)

	CountByType(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) ([]CountRow, error)
	CountByStatus(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) ([]CountRow, error)
	Totals(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) (StatsTotals, error)

	// ListUnbilledForUpdate selects completed, unbilled operations created in
	// [start, end) and row-locks them where the dialect supports it.
	ListUnbilledForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID, start, end time.Time) ([]Operation, error)
	// MarkBilled flips billed for ids that are still completed and unbilled
	// and returns how many rows changed.
	MarkBilled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billingRecordID snowflake.ID, updatedAt time.Time) (int64, error)
}

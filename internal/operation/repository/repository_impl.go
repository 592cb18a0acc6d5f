package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	"github.com/smallbiznis/meterly/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, subscription_id, type, query, status, cost, billed,
		 billing_record_id, result, error_message, execution_time_ms, context, session_id,
		 ip_address, user_agent, created_at, started_at, completed_at, updated_at
		 FROM operations`

type repo struct{}

func Provide() operationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, op *operationdomain.Operation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO operations (
			id, user_id, subscription_id, type, query, status, cost, billed, billing_record_id,
			result, error_message, execution_time_ms, context, session_id, ip_address, user_agent,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.UserID,
		op.SubscriptionID,
		op.Type,
		op.Query,
		op.Status,
		op.Cost,
		op.Billed,
		op.BillingRecordID,
		op.Result,
		op.ErrorMessage,
		op.ExecutionTimeMs,
		op.Context,
		op.SessionID,
		op.IPAddress,
		op.UserAgent,
		op.CreatedAt,
		op.StartedAt,
		op.CompletedAt,
		op.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (*operationdomain.Operation, error) {
	var op operationdomain.Operation
	err := db.WithContext(ctx).Raw(selectColumns+` WHERE user_id = ? AND id = ?`, userID, id).Scan(&op).Error
	if err != nil {
		return nil, err
	}
	if op.ID == 0 {
		return nil, nil
	}
	return &op, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter operationdomain.ListFilter) ([]operationdomain.Operation, error) {
	query := selectColumns + ` WHERE user_id = ?`
	args := []any{filter.UserID}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AfterID != 0 {
		query += ` AND id < ?`
		args = append(args, filter.AfterID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var ops []operationdomain.Operation
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

func (r *repo) MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE operations SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		operationdomain.StatusProcessing,
		startedAt,
		startedAt,
		id,
		operationdomain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, result datatypes.JSON, completedAt time.Time, executionTimeMs int64) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE operations
		 SET status = ?, result = ?, completed_at = ?, execution_time_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		operationdomain.StatusCompleted,
		result,
		completedAt,
		executionTimeMs,
		completedAt,
		id,
		operationdomain.StatusProcessing,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, completedAt time.Time, executionTimeMs *int64) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE operations
		 SET status = ?, error_message = ?, completed_at = ?, execution_time_ms = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		operationdomain.StatusFailed,
		message,
		completedAt,
		executionTimeMs,
		completedAt,
		id,
		[]operationdomain.Status{operationdomain.StatusPending, operationdomain.StatusProcessing},
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CountByType(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) ([]operationdomain.CountRow, error) {
	var rows []operationdomain.CountRow
	err := db.WithContext(ctx).Raw(
		`SELECT type AS label, COUNT(1) AS total
		 FROM operations
		 WHERE user_id = ? AND created_at >= ?
		 GROUP BY type`,
		userID,
		since,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) ([]operationdomain.CountRow, error) {
	var rows []operationdomain.CountRow
	err := db.WithContext(ctx).Raw(
		`SELECT status AS label, COUNT(1) AS total
		 FROM operations
		 WHERE user_id = ? AND created_at >= ?
		 GROUP BY status`,
		userID,
		since,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) Totals(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time) (operationdomain.StatsTotals, error) {
	var row struct {
		Total        int64
		CompletedSum decimal.NullDecimal
		AvgExecMs    *float64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) AS total,
		        SUM(CASE WHEN status = ? THEN cost END) AS completed_sum,
		        AVG(CASE WHEN status = ? THEN execution_time_ms END) AS avg_exec_ms
		 FROM operations
		 WHERE user_id = ? AND created_at >= ?`,
		operationdomain.StatusCompleted,
		operationdomain.StatusCompleted,
		userID,
		since,
	).Scan(&row).Error
	if err != nil {
		return operationdomain.StatsTotals{}, err
	}

	totals := operationdomain.StatsTotals{Total: row.Total, CompletedSum: decimal.Zero}
	if row.CompletedSum.Valid {
		totals.CompletedSum = row.CompletedSum.Decimal
	}
	if row.AvgExecMs != nil {
		totals.AvgExecMs = *row.AvgExecMs
	}
	return totals, nil
}

func (r *repo) ListUnbilledForUpdate(ctx context.Context, conn *gorm.DB, userID snowflake.ID, start, end time.Time) ([]operationdomain.Operation, error) {
	var ops []operationdomain.Operation
	err := conn.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE user_id = ? AND status = ? AND billed = ?
		   AND created_at >= ? AND created_at < ?
		 ORDER BY id ASC`+db.LockingClause(conn),
		userID,
		operationdomain.StatusCompleted,
		false,
		start,
		end,
	).Scan(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (r *repo) MarkBilled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billingRecordID snowflake.ID, updatedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE operations
		 SET billed = ?, billing_record_id = ?, updated_at = ?
		 WHERE id IN ? AND billed = ? AND status = ?`,
		true,
		billingRecordID,
		updatedAt,
		ids,
		false,
		operationdomain.StatusCompleted,
	)
	return res.RowsAffected, res.Error
}

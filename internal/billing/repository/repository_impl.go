package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	dbpkg "github.com/smallbiznis/meterly/pkg/db"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, event_type, amount, currency, status, external_event_id,
		 external_invoice_id, external_payment_intent_id, external_subscription_id,
		 external_invoice_item_id, operations_count, period_start, period_end, description,
		 notes, processed, processed_at, created_at, updated_at
		 FROM billing_records`

const insertColumns = `INSERT INTO billing_records (
			id, user_id, event_type, amount, currency, status, external_event_id,
			external_invoice_id, external_payment_intent_id, external_subscription_id,
			external_invoice_item_id, operations_count, period_start, period_end, description,
			notes, processed, processed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func insertArgs(record *billingdomain.BillingRecord) []any {
	return []any{
		record.ID,
		record.UserID,
		record.EventType,
		record.Amount,
		record.Currency,
		record.Status,
		record.ExternalEventID,
		record.ExternalInvoiceID,
		record.ExternalPaymentIntentID,
		record.ExternalSubscriptionID,
		record.ExternalInvoiceItemID,
		record.OperationsCount,
		record.PeriodStart,
		record.PeriodEnd,
		record.Description,
		record.Notes,
		record.Processed,
		record.ProcessedAt,
		record.CreatedAt,
		record.UpdatedAt,
	}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *billingdomain.BillingRecord) error {
	return db.WithContext(ctx).Exec(insertColumns, insertArgs(record)...).Error
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, record *billingdomain.BillingRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(insertIfAbsentStatement(db), insertArgs(record)...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// mysql has no ON CONFLICT; INSERT IGNORE skips the unique violation the
// same way and reports zero affected rows.
func insertIfAbsentStatement(db *gorm.DB) string {
	if dbpkg.Name(db) == dbpkg.MySQL {
		return strings.Replace(insertColumns, "INSERT INTO", "INSERT IGNORE INTO", 1)
	}
	return insertColumns + `
		ON CONFLICT (external_event_id) DO NOTHING`
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*billingdomain.BillingRecord, error) {
	var record billingdomain.BillingRecord
	if err := db.WithContext(ctx).Raw(selectColumns+` WHERE `+where, args...).Scan(&record).Error; err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.BillingRecord, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByExternalEventID(ctx context.Context, db *gorm.DB, eventID string) (*billingdomain.BillingRecord, error) {
	return r.findOne(ctx, db, `external_event_id = ?`, eventID)
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, eventType billingdomain.EventType, paymentIntentID string) (*billingdomain.BillingRecord, error) {
	return r.findOne(ctx, db,
		`event_type = ? AND external_payment_intent_id = ? ORDER BY id DESC LIMIT 1`,
		eventType,
		paymentIntentID,
	)
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]billingdomain.BillingRecord, error) {
	var records []billingdomain.BillingRecord
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListPendingInvoicePush(ctx context.Context, db *gorm.DB, limit int) ([]billingdomain.BillingRecord, error) {
	var records []billingdomain.BillingRecord
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE event_type = ? AND status = ? AND external_invoice_item_id IS NULL AND amount > 0
		 ORDER BY id ASC
		 LIMIT ?`,
		billingdomain.EventTypeOperationUsage,
		billingdomain.StatusPending,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) SummaryByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]billingdomain.SummaryRow, error) {
	var rows []billingdomain.SummaryRow
	err := db.WithContext(ctx).Raw(
		`SELECT event_type, status, COUNT(1) AS total, SUM(amount) AS amount
		 FROM billing_records
		 WHERE user_id = ?
		 GROUP BY event_type, status`,
		userID,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, update billingdomain.TransitionUpdate) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, notes = COALESCE(?, notes), processed = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		update.To,
		update.Notes,
		true,
		update.UpdatedAt,
		update.UpdatedAt,
		update.ID,
		update.From,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SetExternalInvoiceItemID(ctx context.Context, db *gorm.DB, id snowflake.ID, itemID string, updatedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET external_invoice_item_id = ?, updated_at = ?
		 WHERE id = ? AND external_invoice_item_id IS NULL`,
		itemID,
		updatedAt,
		id,
	)
	return res.RowsAffected, res.Error
}

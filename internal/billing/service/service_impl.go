package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/pricing"
	userdomain "github.com/smallbiznis/meterly/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultRetryLimit   = 50
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Catalog    *pricing.Catalog
	Repo       billingdomain.Repository
	Operations operationdomain.Repository
	Users      userdomain.Repository
	Gateway    paymentdomain.Gateway `optional:"true"`
	Metrics    *metrics.Metrics      `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	repo       billingdomain.Repository
	operations operationdomain.Repository
	users      userdomain.Repository
	gateway    paymentdomain.Gateway
	metrics    *metrics.Metrics
}

func NewService(p Params) billingdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	currency := billingdomain.DefaultCurrency
	if p.Catalog != nil && strings.TrimSpace(p.Catalog.Currency()) != "" {
		currency = strings.ToLower(strings.TrimSpace(p.Catalog.Currency()))
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		clock:      c,
		currency:   currency,
		repo:       p.Repo,
		operations: p.Operations,
		users:      p.Users,
		gateway:    p.Gateway,
		metrics:    p.Metrics,
	}
}

func (s *Service) BillUsage(ctx context.Context, userID snowflake.ID, periodStart, periodEnd time.Time) (*billingdomain.BillingRecord, error) {
	if userID == 0 {
		return nil, billingdomain.ErrInvalidUser
	}
	if periodStart.IsZero() || periodEnd.IsZero() || !periodStart.Before(periodEnd) {
		return nil, billingdomain.ErrInvalidPeriod
	}
	periodStart = periodStart.UTC()
	periodEnd = periodEnd.UTC()

	var record *billingdomain.BillingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ops, err := s.operations.ListUnbilledForUpdate(ctx, tx, userID, periodStart, periodEnd)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		total := decimal.Zero
		ids := make([]snowflake.ID, 0, len(ops))
		for _, op := range ops {
			total = total.Add(op.Cost)
			ids = append(ids, op.ID)
		}

		now := s.clock.Now()
		count := len(ops)
		description := fmt.Sprintf("Operations usage (%d operations)", count)
		rec := &billingdomain.BillingRecord{
			ID:              s.genID.Generate(),
			UserID:          userID,
			EventType:       billingdomain.EventTypeOperationUsage,
			Amount:          total.Round(2),
			Currency:        s.currency,
			Status:          billingdomain.StatusPending,
			OperationsCount: &count,
			PeriodStart:     &periodStart,
			PeriodEnd:       &periodEnd,
			Description:     &description,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.repo.Insert(ctx, tx, rec); err != nil {
			return err
		}

		marked, err := s.operations.MarkBilled(ctx, tx, ids, rec.ID, now)
		if err != nil {
			return err
		}
		if marked != int64(count) {
			s.log.Error("billed operation count mismatch",
				zap.String("user_id", userID.String()),
				zap.Int("selected", count),
				zap.Int64("marked", marked),
			)
			return billingdomain.ErrConsistencyFault
		}

		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	s.metrics.RecordBillingRecord(ctx, string(record.EventType))
	s.log.Info("usage billed",
		zap.String("billing_record_id", record.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("operations_count", *record.OperationsCount),
		zap.String("amount", record.Amount.StringFixed(2)),
	)

	user, err := s.users.FindByID(ctx, s.db, userID)
	if err != nil {
		s.log.Warn("invoice push skipped, user lookup failed", zap.String("billing_record_id", record.ID.String()), zap.Error(err))
		return record, nil
	}
	if err := s.pushInvoiceItem(ctx, record, user); err != nil {
		s.log.Warn("invoice push failed",
			zap.String("billing_record_id", record.ID.String()),
			zap.Error(err),
		)
	}
	return record, nil
}

func (s *Service) RetryInvoicePush(ctx context.Context, limit int) (int, error) {
	if s.gateway == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultRetryLimit
	}

	records, err := s.repo.ListPendingInvoicePush(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for i := range records {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		record := &records[i]
		user, err := s.users.FindByID(ctx, s.db, record.UserID)
		if err != nil {
			return pushed, err
		}
		if err := s.pushInvoiceItem(ctx, record, user); err != nil {
			s.log.Warn("invoice push retry failed",
				zap.String("billing_record_id", record.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if record.ExternalInvoiceItemID != nil {
			pushed++
		}
	}
	return pushed, nil
}

// pushInvoiceItem mirrors a usage record to the provider. A nil error with
// ExternalInvoiceItemID still unset means the push was skipped.
func (s *Service) pushInvoiceItem(ctx context.Context, record *billingdomain.BillingRecord, user *userdomain.User) error {
	if s.gateway == nil || user == nil || !user.HasExternalCustomer() || !record.NeedsInvoicePush() {
		s.metrics.RecordInvoicePush(ctx, "skipped")
		return nil
	}

	description := ""
	if record.Description != nil {
		description = *record.Description
	}
	count := 0
	if record.OperationsCount != nil {
		count = *record.OperationsCount
	}

	item, err := s.gateway.CreateInvoiceItem(ctx, paymentdomain.CreateInvoiceItemRequest{
		CustomerID:  *user.ExternalCustomerID,
		Amount:      record.Amount,
		Currency:    record.Currency,
		Description: description,
		Metadata: map[string]string{
			"billing_record_id": record.ID.String(),
			"user_id":           user.ID.String(),
			"operations_count":  strconv.Itoa(count),
		},
		IdempotencyKey: "billing_record_" + record.ID.String(),
	})
	if err != nil {
		s.metrics.RecordInvoicePush(ctx, "failed")
		return err
	}

	if _, err := s.repo.SetExternalInvoiceItemID(ctx, s.db, record.ID, item.ID, s.clock.Now()); err != nil {
		s.metrics.RecordInvoicePush(ctx, "failed")
		return fmt.Errorf("store invoice item id: %w", err)
	}
	itemID := item.ID
	record.ExternalInvoiceItemID = &itemID
	s.metrics.RecordInvoicePush(ctx, "succeeded")
	return nil
}

func (s *Service) RecordExternalEvent(ctx context.Context, req billingdomain.ExternalRecordRequest) (*billingdomain.BillingRecord, bool, error) {
	if req.UserID == 0 {
		return nil, false, billingdomain.ErrInvalidUser
	}
	eventID := strings.TrimSpace(req.ExternalEventID)
	if eventID == "" {
		return nil, false, billingdomain.ErrMissingExternalEventID
	}
	switch req.EventType {
	case billingdomain.EventTypeSubscriptionCreated, billingdomain.EventTypeInvoicePaid, billingdomain.EventTypePaymentFailed:
	default:
		return nil, false, billingdomain.ErrInvalidEventType
	}
	if req.Amount.IsNegative() {
		return nil, false, billingdomain.ErrInvalidAmount
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}

	var (
		record  *billingdomain.BillingRecord
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		rec := &billingdomain.BillingRecord{
			ID:                      s.genID.Generate(),
			UserID:                  req.UserID,
			EventType:               req.EventType,
			Amount:                  req.Amount.Round(2),
			Currency:                currency,
			Status:                  billingdomain.StatusPending,
			ExternalEventID:         &eventID,
			ExternalInvoiceID:       optionalString(req.ExternalInvoiceID),
			ExternalPaymentIntentID: optionalString(req.ExternalPaymentIntentID),
			ExternalSubscriptionID:  optionalString(req.ExternalSubscriptionID),
			PeriodStart:             req.PeriodStart,
			PeriodEnd:               req.PeriodEnd,
			Description:             optionalString(req.Description),
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		inserted, err := s.repo.InsertIfAbsent(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByExternalEventID(ctx, tx, eventID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("billing record for event %s vanished after conflict", eventID)
			}
			record = existing
			return nil
		}

		if req.Outcome != "" && req.Outcome != billingdomain.StatusPending {
			updated, err := s.transition(ctx, tx, rec.ID, req.Outcome, req.Notes)
			if err != nil {
				return err
			}
			rec = updated
		}
		record = rec
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.metrics.RecordBillingRecord(ctx, string(record.EventType))
		s.log.Info("external billing record stored",
			zap.String("billing_record_id", record.ID.String()),
			zap.String("event_type", string(record.EventType)),
			zap.String("external_event_id", eventID),
			zap.String("status", string(record.Status)),
		)
	}
	return record, created, nil
}

func (s *Service) RefundByPaymentIntent(ctx context.Context, paymentIntentID, reason string) (*billingdomain.BillingRecord, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return nil, nil
	}
	record, err := s.repo.FindByPaymentIntent(ctx, s.db, billingdomain.EventTypeInvoicePaid, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return s.MarkRefunded(ctx, record.ID, reason)
}

func (s *Service) MarkCompleted(ctx context.Context, id snowflake.ID) (*billingdomain.BillingRecord, error) {
	return s.transition(ctx, s.db, id, billingdomain.StatusCompleted, "")
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*billingdomain.BillingRecord, error) {
	return s.transition(ctx, s.db, id, billingdomain.StatusFailed, reason)
}

func (s *Service) MarkRefunded(ctx context.Context, id snowflake.ID, reason string) (*billingdomain.BillingRecord, error) {
	return s.transition(ctx, s.db, id, billingdomain.StatusRefunded, reason)
}

// transition applies a one-way status change. Repeating a transition that
// already happened returns the record unchanged.
func (s *Service) transition(ctx context.Context, db *gorm.DB, id snowflake.ID, to billingdomain.Status, reason string) (*billingdomain.BillingRecord, error) {
	from := []billingdomain.Status{billingdomain.StatusPending}
	if to == billingdomain.StatusRefunded {
		from = []billingdomain.Status{billingdomain.StatusCompleted}
	}

	affected, err := s.repo.Transition(ctx, db, billingdomain.TransitionUpdate{
		ID:        id,
		From:      from,
		To:        to,
		Notes:     optionalString(reason),
		UpdatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	record, err := s.repo.FindByID(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, billingdomain.ErrBillingRecordNotFound
	}
	if affected == 0 && record.Status != to {
		return nil, fmt.Errorf("%w: %s to %s", billingdomain.ErrInvalidTransition, record.Status, to)
	}
	return record, nil
}

func (s *Service) History(ctx context.Context, userID snowflake.ID, limit int) ([]billingdomain.BillingRecord, error) {
	if userID == 0 {
		return nil, billingdomain.ErrInvalidUser
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	records, err := s.repo.ListByUser(ctx, s.db, userID, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []billingdomain.BillingRecord{}
	}
	return records, nil
}

func (s *Service) Summary(ctx context.Context, userID snowflake.ID) (*billingdomain.Summary, error) {
	if userID == 0 {
		return nil, billingdomain.ErrInvalidUser
	}
	rows, err := s.repo.SummaryByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	summary := &billingdomain.Summary{
		UserID:       userID,
		TotalPaid:    decimal.Zero,
		TotalPending: decimal.Zero,
		ByStatus:     map[billingdomain.Status]billingdomain.Bucket{},
		ByEventType:  map[billingdomain.EventType]billingdomain.Bucket{},
	}
	for _, row := range rows {
		amount := decimal.Zero
		if row.Amount.Valid {
			amount = row.Amount.Decimal
		}
		summary.TotalRecords += row.Total

		byStatus := summary.ByStatus[row.Status]
		byStatus.Count += row.Total
		byStatus.Amount = byStatus.Amount.Add(amount)
		summary.ByStatus[row.Status] = byStatus

		byType := summary.ByEventType[row.EventType]
		byType.Count += row.Total
		byType.Amount = byType.Amount.Add(amount)
		summary.ByEventType[row.EventType] = byType

		switch row.Status {
		case billingdomain.StatusCompleted:
			summary.TotalPaid = summary.TotalPaid.Add(amount)
		case billingdomain.StatusPending:
			summary.TotalPending = summary.TotalPending.Add(amount)
		}
	}
	return summary, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/meterly/internal/operation/domain"
	"github.com/smallbiznis/meterly/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultStatsWindow = 30 * 24 * time.Hour

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Catalog       *pricing.Catalog
	Repo          operationdomain.Repository
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	catalog       *pricing.Catalog
	repo          operationdomain.Repository
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) operationdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	catalog := p.Catalog
	if catalog == nil {
		catalog = pricing.DefaultCatalog()
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("operation.service"),
		genID:         p.GenID,
		clock:         c,
		catalog:       catalog,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
}

func (s *Service) Execute(ctx context.Context, req operationdomain.ExecuteRequest) (*operationdomain.Operation, error) {
	opType, err := operationdomain.ParseType(req.Type)
	if err != nil {
		return nil, err
	}
	if req.UserID == 0 {
		return nil, operationdomain.ErrInvalidUser
	}

	sub, err := s.subscriptions.GetActive(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) {
			s.metrics.RecordQuotaDenied(ctx, "", "no_active_subscription")
		}
		return nil, err
	}
	if !s.subscriptions.CanConsume(sub) {
		s.metrics.RecordQuotaDenied(ctx, string(sub.Tier), "limit_reached")
		return nil, &subscriptiondomain.QuotaExceededError{
			Tier:  sub.Tier,
			Used:  sub.OperationsUsedThisMonth,
			Limit: sub.OperationsLimit,
		}
	}

	var inputJSON datatypes.JSON
	if len(req.Context) > 0 {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("encode operation context: %w", err)
		}
		inputJSON = datatypes.JSON(raw)
	}

	now := s.clock.Now()
	op := &operationdomain.Operation{
		ID:             s.genID.Generate(),
		UserID:         req.UserID,
		SubscriptionID: sub.ID,
		Type:           opType,
		Query:          req.Query,
		Status:         operationdomain.StatusPending,
		Cost:           s.catalog.OperationCost(),
		Context:        inputJSON,
		SessionID:      optionalString(req.SessionID),
		IPAddress:      optionalString(req.IPAddress),
		UserAgent:      optionalString(req.UserAgent),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, op); err != nil {
		return nil, err
	}

	startedAt := s.clock.Now()
	if _, err := s.repo.MarkProcessing(ctx, s.db, op.ID, startedAt); err != nil {
		s.failQuietly(ctx, op.ID, "internal error", startedAt, nil)
		return nil, err
	}

	result, handlerErr := runHandler(opType, req.Query, req.Context, startedAt)
	var resultJSON datatypes.JSON
	if handlerErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			handlerErr = fmt.Errorf("encode result: %w", err)
		} else {
			resultJSON = datatypes.JSON(raw)
		}
	}

	completedAt := s.clock.Now()
	executionTimeMs := completedAt.Sub(startedAt).Milliseconds()

	if handlerErr != nil {
		if _, err := s.repo.MarkFailed(ctx, s.db, op.ID, handlerErr.Error(), completedAt, &executionTimeMs); err != nil {
			return nil, err
		}
		s.metrics.RecordOperation(ctx, string(opType), string(operationdomain.StatusFailed))
		s.log.Info("operation failed",
			zap.String("operation_id", op.ID.String()),
			zap.String("user_id", req.UserID.String()),
			zap.String("operation_type", string(opType)),
			zap.Error(handlerErr),
		)
		return s.reload(ctx, req.UserID, op.ID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.subscriptions.Consume(ctx, tx, sub.ID); err != nil {
			return err
		}
		affected, err := s.repo.MarkCompleted(ctx, tx, op.ID, resultJSON, completedAt, executionTimeMs)
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("operation %s left processing state concurrently", op.ID)
		}
		return nil
	})
	if err != nil {
		s.failQuietly(ctx, op.ID, err.Error(), completedAt, &executionTimeMs)
		if errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
			s.metrics.RecordQuotaDenied(ctx, string(sub.Tier), "lost_race")
		}
		s.metrics.RecordOperation(ctx, string(opType), string(operationdomain.StatusFailed))
		return nil, err
	}

	s.metrics.RecordOperation(ctx, string(opType), string(operationdomain.StatusCompleted))
	s.log.Info("operation completed",
		zap.String("operation_id", op.ID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("operation_type", string(opType)),
		zap.Int64("execution_time_ms", executionTimeMs),
	)
	return s.reload(ctx, req.UserID, op.ID)
}

func (s *Service) Get(ctx context.Context, userID, id snowflake.ID) (*operationdomain.Operation, error) {
	if userID == 0 {
		return nil, operationdomain.ErrInvalidUser
	}
	return s.reload(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, req operationdomain.ListOperationsRequest) (operationdomain.ListOperationsResponse, error) {
	if req.UserID == 0 {
		return operationdomain.ListOperationsResponse{}, operationdomain.ErrInvalidUser
	}

	filter := operationdomain.ListFilter{
		UserID: req.UserID,
		Limit:  req.Limit() + 1,
	}
	if strings.TrimSpace(req.Type) != "" {
		t, err := operationdomain.ParseType(req.Type)
		if err != nil {
			return operationdomain.ListOperationsResponse{}, err
		}
		filter.Type = t
	}
	if strings.TrimSpace(req.Status) != "" {
		st, err := operationdomain.ParseStatus(req.Status)
		if err != nil {
			return operationdomain.ListOperationsResponse{}, err
		}
		filter.Status = st
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return operationdomain.ListOperationsResponse{}, err
	}
	if cursor != nil {
		filter.AfterID = snowflake.ID(cursor.ID)
	}

	ops, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return operationdomain.ListOperationsResponse{}, err
	}
	ops, pageInfo := pagination.Trim(ops, req.Limit(), func(op operationdomain.Operation) int64 {
		return op.ID.Int64()
	})
	if ops == nil {
		ops = []operationdomain.Operation{}
	}
	return operationdomain.ListOperationsResponse{PageInfo: pageInfo, Operations: ops}, nil
}

func (s *Service) Stats(ctx context.Context, userID snowflake.ID, since time.Time) (*operationdomain.Stats, error) {
	if userID == 0 {
		return nil, operationdomain.ErrInvalidUser
	}
	if since.IsZero() {
		since = s.clock.Now().Add(-defaultStatsWindow)
	}
	since = since.UTC()

	byType, err := s.repo.CountByType(ctx, s.db, userID, since)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.repo.CountByStatus(ctx, s.db, userID, since)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.Totals(ctx, s.db, userID, since)
	if err != nil {
		return nil, err
	}

	stats := &operationdomain.Stats{
		Since:                   since,
		TotalOperations:         totals.Total,
		OperationsByType:        make(map[operationdomain.Type]int64, len(byType)),
		OperationsByStatus:      make(map[operationdomain.Status]int64, len(byStatus)),
		TotalCost:               totals.CompletedSum.Round(4),
		AverageCostPerOperation: decimal.Zero,
		AverageExecutionTimeMs:  totals.AvgExecMs,
	}
	for _, row := range byType {
		stats.OperationsByType[operationdomain.Type(row.Label)] = row.Total
	}
	for _, row := range byStatus {
		stats.OperationsByStatus[operationdomain.Status(row.Label)] = row.Total
	}
	if totals.Total > 0 {
		stats.AverageCostPerOperation = stats.TotalCost.Div(decimal.NewFromInt(totals.Total)).Round(4)
	}
	return stats, nil
}

func (s *Service) reload(ctx context.Context, userID, id snowflake.ID) (*operationdomain.Operation, error) {
	op, err := s.repo.FindByID(ctx, s.db, userID, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, operationdomain.ErrOperationNotFound
	}
	return op, nil
}

func (s *Service) failQuietly(ctx context.Context, id snowflake.ID, message string, at time.Time, executionTimeMs *int64) {
	if _, err := s.repo.MarkFailed(ctx, s.db, id, message, at, executionTimeMs); err != nil {
		s.log.Error("failed to mark operation failed",
			zap.String("operation_id", id.String()),
			zap.Error(err),
		)
	}
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

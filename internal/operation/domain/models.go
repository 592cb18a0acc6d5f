// Package domain contains the operation usage record and executor contract.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Type is the closed set of metered operation kinds.
type Type string

const (
	TypeStrategicAnalysis   Type = "strategic_analysis"
	TypeWorkflowGeneration  Type = "workflow_generation"
	TypeCompetitiveAnalysis Type = "competitive_analysis"
	TypeMarketResearch      Type = "market_research"
)

var Types = []Type{
	TypeStrategicAnalysis,
	TypeWorkflowGeneration,
	TypeCompetitiveAnalysis,
	TypeMarketResearch,
}

// ParseType normalizes raw into a known Type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", ErrUnsupportedOperationType
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", ErrInvalidStatus
	}
}

// Operation is the usage record for one metered unit of work. Once
// completed only Billed and BillingRecordID change, and Billed implies
// StatusCompleted.
type Operation struct {
	ID              snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID          snowflake.ID    `gorm:"not null;index:idx_operations_user_billing,priority:1" json:"user_id"`
	SubscriptionID  snowflake.ID    `gorm:"not null;index" json:"subscription_id"`
	Type            Type            `gorm:"type:text;not null" json:"operation_type"`
	Query           string          `gorm:"type:text;not null" json:"query"`
	Status          Status          `gorm:"type:text;not null;index:idx_operations_user_billing,priority:2" json:"status"`
	Cost            decimal.Decimal `gorm:"type:numeric(10,4);not null" json:"cost"`
	Billed          bool            `gorm:"not null;default:false;index:idx_operations_user_billing,priority:3" json:"billed"`
	BillingRecordID *snowflake.ID   `gorm:"index" json:"billing_record_id,omitempty"`
	Result          datatypes.JSON  `json:"result,omitempty"`
	ErrorMessage    *string         `gorm:"type:text" json:"error_message,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	Context         datatypes.JSON  `json:"context,omitempty"`
	SessionID       *string         `gorm:"type:text;index" json:"session_id,omitempty"`
	IPAddress       *string         `gorm:"type:text" json:"ip_address,omitempty"`
	UserAgent       *string         `gorm:"type:text" json:"user_agent,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;index:idx_operations_user_billing,priority:4" json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

func (Operation) TableName() string { return "operations" }

// Stats summarizes a user's operations since a point in time.
type Stats struct {
	Since                   time.Time        `json:"since"`
	TotalOperations         int64            `json:"total_operations"`
	OperationsByType        map[Type]int64   `json:"operations_by_type"`
	OperationsByStatus      map[Status]int64 `json:"operations_by_status"`
	TotalCost               decimal.Decimal  `json:"total_cost"`
	AverageCostPerOperation decimal.Decimal  `json:"average_cost_per_operation"`
	AverageExecutionTimeMs  float64          `json:"average_execution_time_ms"`
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/pkg/db/pagination"
)

type ExecuteRequest struct {
	UserID    snowflake.ID   `json:"-"`
	Type      string         `json:"operation_type"`
	Query     string         `json:"query"`
	Context   map[string]any `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IPAddress string         `json:"-"`
	UserAgent string         `json:"-"`
}

type ListOperationsRequest struct {
	UserID snowflake.ID
	Type   string
	Status string
	pagination.Pagination
}

type ListOperationsResponse struct {
	pagination.PageInfo
	Operations []Operation `json:"operations"`
}

// Service is the operation executor.
type Service interface {
	// Execute runs one metered operation. A handler failure is recorded on
	// the returned operation with StatusFailed and a nil error.
	Execute(ctx context.Context, req ExecuteRequest) (*Operation, error)
	Get(ctx context.Context, userID, id snowflake.ID) (*Operation, error)
	List(ctx context.Context, req ListOperationsRequest) (ListOperationsResponse, error)
	Stats(ctx context.Context, userID snowflake.ID, since time.Time) (*Stats, error)
}

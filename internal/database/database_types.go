package database

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
)

const (
	EventCollectionName = "status_events"
	DefaultRingCapacity = 128
)

var ErrInvalidLimit = errors.New("limit must be positive")

// EventStore 状态事件日志
type EventStore interface {
	status.Store
	// RecentEvents 返回最近的n条事件，按时间从旧到新
	RecentEvents(ctx context.Context, n int) ([]status.Event, error)
}

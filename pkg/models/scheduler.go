package models

import "time"

// OperationKind is the dispatchable unit of work the scheduler drives (§4.4).
type OperationKind string

const (
	OpDistribution  OperationKind = "distribution"
	OpConsolidation OperationKind = "consolidation"
	OpCoinJoin      OperationKind = "coinjoin"
	OpRebalancing   OperationKind = "rebalancing"
	OpCleanup       OperationKind = "cleanup"
)

// OperationStatus is §4.4's operation lifecycle.
type OperationStatus string

const (
	OpScheduled    OperationStatus = "scheduled"
	OpQueued       OperationStatus = "queued"
	OpExecuting    OperationStatus = "executing"
	OpCompleted    OperationStatus = "completed"
	OpRetryPending OperationStatus = "retry_pending"
	OpFailed       OperationStatus = "failed"
	OpCancelled    OperationStatus = "cancelled"
)

// ScheduledOperation is one unit of deferred work tracked end to end by
// internal/scheduler.
type ScheduledOperation struct {
	ID          string
	Kind        OperationKind
	MixID       *MixRequestID
	Currency    Currency
	ScheduledAt time.Time
	Status      OperationStatus
	RetryCount  int
	Priority    int
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StatsSnapshot is the periodic stats-aggregator task's output: a point in
// time rollup of operation counts, broken down by kind and status.
type StatsSnapshot struct {
	TakenAt       time.Time
	CountsByKind  map[OperationKind]int
	CountsByState map[OperationStatus]int
	TotalRetries  int
}

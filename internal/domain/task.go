package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task-related domain errors.
var (
	ErrTaskNotFound    = &Error{Code: ENOTFOUND, Message: "Task not found"}
	ErrTaskNotClaimed  = &Error{Code: ECONFLICT, Message: "Task is not claimed by this worker"}
	ErrTaskTerminal    = &Error{Code: ECONFLICT, Message: "Task already reached a terminal status"}
	ErrUnknownTaskType = &Error{Code: EINVALID, Message: "No handler registered for task type"}
)

// Task statuses.
const (
	TaskStatusReady     = "READY"
	TaskStatusClaimed   = "CLAIMED"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
)

// IsTerminalTaskStatus reports whether a task will never run again.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task types understood by the dispatcher.
const (
	TaskTypeSubscriptionRenewal = "SUBSCRIPTION_RENEWAL"
	TaskTypeProductRenewal      = "PRODUCT_RENEWAL"
	TaskTypeChargePayment       = "CHARGE_PAYMENT"
	TaskTypeCreateDelivery      = "CREATE_DELIVERY"
	TaskTypeCreateOrder         = "CREATE_ORDER"
	TaskTypeEntitlementGrant    = "ENTITLEMENT_GRANT"
	TaskTypeTrialEnd            = "TRIAL_END"
)

// ScheduledTask is one unit of deferred work in the database-backed queue.
//
// TaskKey is unique per tenant, so enqueueing the same logical work twice
// converges on one row. Claiming sets ClaimedBy and LeaseExpiresAt; a task
// whose lease has lapsed is treated as abandoned and can be reclaimed.
type ScheduledTask struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	TaskType       string
	TaskKey        string
	Payload        json.RawMessage
	Status         string
	Priority       int32
	AttemptCount   int32
	MaxAttempts    int32
	RunAt          time.Time
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	LastError      string
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exhausted reports whether the task has used up its attempt budget.
func (t *ScheduledTask) Exhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}

// LeaseExpired reports whether the task's claim has lapsed at the given
// instant. Tasks without a lease are never considered expired.
func (t *ScheduledTask) LeaseExpired(now time.Time) bool {
	if t.Status != TaskStatusClaimed || t.LeaseExpiresAt == nil {
		return false
	}
	return now.After(*t.LeaseExpiresAt)
}

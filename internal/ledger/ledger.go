// Package ledger records per-task identity and cost with write-once semantics.
//
// DESIGN: A task record is written in two independent phases: identity when
// the task is created, cost when the billing rule fires. Each phase is one
// atomic conditional upsert gated on "the target field is not set yet"; a
// failed gate means a duplicate or out-of-order redelivery and is swallowed.
// That gate is the pipeline's only deduplication mechanism against the
// router's at-least-once delivery.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/qubitcloud/cost-guard/internal/money"
)

// ErrAlreadyRecorded is returned by a store when the conditional gate fails,
// i.e. the field targeted by the write is already present.
var ErrAlreadyRecorded = errors.New("ledger: field already recorded")

// Record is the stored state of one task. UserIdentity and Cost are each
// write-once; nil Cost means the billing rule has not fired yet.
type Record struct {
	TaskID        string
	UserIdentity  string
	DeviceID      string
	CreationTime  time.Time
	ExecutionTime time.Time
	Shots         int64
	Cost          *money.Amount
	Expiry        time.Time
}

// Costed reports whether the record has a final cost.
func (r *Record) Costed() bool {
	return r != nil && r.Cost != nil
}

// TaskStore is the durable keyed store of task records. Both writes must be
// single atomic conditional operations at the storage layer; the gate
// failure is reported as ErrAlreadyRecorded, never as a partial write.
type TaskStore interface {
	// PutIdentity sets user identity, device and creation time, gated on the
	// identity not existing yet.
	PutIdentity(ctx context.Context, taskID string, eventTime time.Time, userIdentity, deviceID string) error

	// PutCost sets execution time, device, shots, cost and expiry, gated on
	// the cost not existing yet.
	PutCost(ctx context.Context, taskID string, eventTime time.Time, deviceID string, shots int64, cost money.Amount, expiry time.Time) error

	// Get reads a record; it returns (nil, nil) for unknown tasks.
	Get(ctx context.Context, taskID string) (*Record, error)
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitcloud/cost-guard/internal/event"
	"github.com/qubitcloud/cost-guard/internal/money"
	"github.com/qubitcloud/cost-guard/internal/pricing"
)

// Retry schedule for simulator result metadata. Completion events can race
// result publication; redelivery intervals are coarse, so a short in-process
// retry is attempted before giving the event back to the router.
const (
	resultRetryAttempts = 3
	resultRetryDelay    = 2 * time.Second
)

// Logger drives the task lifecycle state machine: it decides which events
// write which ledger fields and when the pricing oracle is consulted.
type Logger struct {
	store      TaskStore
	oracle     pricing.Oracle
	retention  time.Duration
	retryDelay time.Duration
}

// NewLogger builds a Logger. retentionDays bounds how long costed records
// are kept past their execution time.
func NewLogger(store TaskStore, oracle pricing.Oracle, retentionDays int) *Logger {
	return &Logger{
		store:      store,
		oracle:     oracle,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		retryDelay: resultRetryDelay,
	}
}

// HandleTaskCreated records the submitting identity for a new task.
func (l *Logger) HandleTaskCreated(ctx context.Context, ev event.TaskCreated) error {
	if ev.Status != event.StatusInitialized {
		log.Debug().Str("task", ev.TaskID).Str("status", ev.Status).
			Msg("ledger: ignoring creation event with unexpected status")
		return nil
	}
	err := l.store.PutIdentity(ctx, ev.TaskID, ev.Time, ev.UserIdentity, ev.DeviceID)
	if errors.Is(err, ErrAlreadyRecorded) {
		log.Debug().Str("task", ev.TaskID).Str("user", ev.UserIdentity).
			Msg("ledger: identity already recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record identity for %s: %w", ev.TaskID, err)
	}
	log.Info().Str("task", ev.TaskID).Str("user", ev.UserIdentity).
		Str("device", ev.DeviceID).Msg("ledger: recorded user identity")
	return nil
}

// HandleTaskStateChanged prices and records the task cost when the state
// machine says the cost is determinable:
//
//	RUNNING   + QPU-class       -> per-shot rule
//	COMPLETED + simulator-class -> per-duration rule
//
// Any other (status, device class) pair is a deliberate no-op.
func (l *Logger) HandleTaskStateChanged(ctx context.Context, ev event.TaskStateChanged) error {
	task := pricing.TaskDescriptor{TaskID: ev.TaskID, DeviceID: ev.DeviceID, Shots: ev.Shots}
	class := event.ClassOf(ev.DeviceID)

	var (
		cost money.Amount
		err  error
	)
	switch {
	case ev.Status == event.StatusRunning && class == event.DeviceQPU:
		cost, err = l.oracle.QPUTaskCost(ctx, task)
	case ev.Status == event.StatusCompleted && class == event.DeviceSimulator:
		cost, err = l.simulatorCostWithRetry(ctx, task)
	default:
		log.Debug().Str("task", ev.TaskID).Str("status", ev.Status).
			Str("device", ev.DeviceID).Msg("ledger: ignoring lifecycle transition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("price task %s: %w", ev.TaskID, err)
	}

	expiry := ev.Time.Add(l.retention)
	err = l.store.PutCost(ctx, ev.TaskID, ev.Time, ev.DeviceID, ev.Shots, cost, expiry)
	if errors.Is(err, ErrAlreadyRecorded) {
		log.Debug().Str("task", ev.TaskID).Stringer("cost", cost).
			Msg("ledger: cost already recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record cost for %s: %w", ev.TaskID, err)
	}
	log.Info().Str("task", ev.TaskID).Str("device", ev.DeviceID).
		Int64("shots", ev.Shots).Stringer("cost", cost).
		Msg("ledger: recorded task cost")
	return nil
}

func (l *Logger) simulatorCostWithRetry(ctx context.Context, task pricing.TaskDescriptor) (money.Amount, error) {
	var lastErr error
	for attempt := 1; attempt <= resultRetryAttempts; attempt++ {
		cost, err := l.oracle.SimulatorTaskCost(ctx, task)
		if err == nil {
			return cost, nil
		}
		if !errors.Is(err, pricing.ErrResultNotReady) {
			return 0, err
		}
		lastErr = err
		log.Debug().Str("task", task.TaskID).Int("attempt", attempt).
			Msg("ledger: simulator result not ready, retrying")
		if attempt < resultRetryAttempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * l.retryDelay):
			}
		}
	}
	return 0, lastErr
}

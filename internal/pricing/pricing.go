// Package pricing maps task descriptors to monetary cost.
//
// DESIGN: QPU-class devices bill a fixed per-task fee plus a per-shot rate,
// both known the moment execution starts. Simulator-class devices bill by
// wall-clock execution duration (with a minimum billable floor), which is
// only known from the task's result metadata after completion. The catalog
// is a static rate table; unknown devices fall back to conservative default
// rates rather than silently billing zero.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qubitcloud/cost-guard/internal/money"
)

// ErrResultNotReady is returned when a completed task's result metadata is
// not yet readable. Completion notifications can race result publication,
// so callers retry and finally fail the delivery for redelivery.
var ErrResultNotReady = errors.New("pricing: task result metadata not yet available")

// MinBillableDuration is the floor applied to simulator execution time.
const MinBillableDuration = 3 * time.Second

// TaskDescriptor identifies a task for pricing.
type TaskDescriptor struct {
	TaskID   string
	DeviceID string
	Shots    int64
}

// Oracle prices tasks. The pipeline decides when to call which rule; the
// oracle only answers.
type Oracle interface {
	// QPUTaskCost prices a QPU task from its shot count.
	QPUTaskCost(ctx context.Context, task TaskDescriptor) (money.Amount, error)
	// SimulatorTaskCost prices a simulator task from its realized execution
	// duration. May return ErrResultNotReady.
	SimulatorTaskCost(ctx context.Context, task TaskDescriptor) (money.Amount, error)
}

// ResultMetadataReader reads the realized execution duration from a
// completed task's result metadata.
type ResultMetadataReader interface {
	ExecutionDuration(ctx context.Context, task TaskDescriptor) (time.Duration, error)
}

// QPURate is the billing rule for one QPU provider.
type QPURate struct {
	PerTask money.Amount
	PerShot money.Amount
}

// SimulatorRate is the billing rule for one managed simulator.
type SimulatorRate struct {
	PerMinute money.Amount
}

// Catalog is a static-rate Oracle keyed by the device identifier.
type Catalog struct {
	// QPURates is keyed by QPU provider (the ARN segment after "qpu/").
	QPURates map[string]QPURate
	// SimulatorRates is keyed by simulator name (the last ARN segment).
	SimulatorRates map[string]SimulatorRate

	// Fallbacks for devices missing from the tables. Conservative on the
	// QPU side to prevent silent undercounting.
	DefaultQPURate       QPURate
	DefaultSimulatorRate SimulatorRate

	MinBillable time.Duration
	Results     ResultMetadataReader
}

// NewCatalog builds a catalog with the built-in rate tables.
func NewCatalog(results ResultMetadataReader) *Catalog {
	return &Catalog{
		QPURates: map[string]QPURate{
			"rigetti": {PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.00035")},
			"oqc":     {PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.00035")},
			"ionq":    {PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.03")},
			"iqm":     {PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.00145")},
			"quera":   {PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.01")},
		},
		SimulatorRates: map[string]SimulatorRate{
			"sv1": {PerMinute: money.MustParseUSD("0.075")},
			"dm1": {PerMinute: money.MustParseUSD("0.075")},
			"tn1": {PerMinute: money.MustParseUSD("0.275")},
		},
		DefaultQPURate:       QPURate{PerTask: money.MustParseUSD("0.30"), PerShot: money.MustParseUSD("0.03")},
		DefaultSimulatorRate: SimulatorRate{PerMinute: money.MustParseUSD("0.275")},
		MinBillable:          MinBillableDuration,
		Results:              results,
	}
}

// QPUTaskCost prices a QPU task: per-task fee plus shots at the per-shot rate.
func (c *Catalog) QPUTaskCost(_ context.Context, task TaskDescriptor) (money.Amount, error) {
	if task.Shots < 0 {
		return 0, fmt.Errorf("pricing: negative shot count %d for %s", task.Shots, task.TaskID)
	}
	rate, ok := c.QPURates[qpuProvider(task.DeviceID)]
	if !ok {
		rate = c.DefaultQPURate
	}
	return rate.PerTask.Add(money.FromMicros(rate.PerShot.Micros() * task.Shots)), nil
}

// SimulatorTaskCost prices a simulator task from its realized duration,
// clamped below by the minimum billable duration.
func (c *Catalog) SimulatorTaskCost(ctx context.Context, task TaskDescriptor) (money.Amount, error) {
	dur, err := c.Results.ExecutionDuration(ctx, task)
	if err != nil {
		return 0, err
	}
	billed := dur
	if billed < c.MinBillable {
		billed = c.MinBillable
	}
	rate, ok := c.SimulatorRates[simulatorName(task.DeviceID)]
	if !ok {
		rate = c.DefaultSimulatorRate
	}
	micros := rate.PerMinute.Micros() * billed.Milliseconds() / time.Minute.Milliseconds()
	return money.FromMicros(micros), nil
}

// qpuProvider extracts the provider segment from ".../device/qpu/<provider>/<name>".
func qpuProvider(deviceID string) string {
	_, rest, ok := strings.Cut(deviceID, "device/qpu/")
	if !ok {
		return ""
	}
	provider, _, _ := strings.Cut(rest, "/")
	return strings.ToLower(provider)
}

// simulatorName extracts the trailing device name segment.
func simulatorName(deviceID string) string {
	if i := strings.LastIndex(deviceID, "/"); i >= 0 {
		return strings.ToLower(deviceID[i+1:])
	}
	return strings.ToLower(deviceID)
}

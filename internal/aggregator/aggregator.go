// Package aggregator folds costed task records into running cost bins.
//
// DESIGN: Each record that gains a cost is projected onto four bins:
// all-time, month, month+user and month+device. The ledger change feed is
// at-least-once, so the bin store claims the task id and applies all four
// adds as one atomic unit; a redelivered record finds the claim and is a
// no-op. Bin totals only ever grow.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qubitcloud/cost-guard/internal/event"
	"github.com/qubitcloud/cost-guard/internal/money"
)

// AllTimeBin is the identifier of the account-lifetime bin.
const AllTimeBin = "all_time"

// monthLayout renders a bin month key like "2024-03".
const monthLayout = "2006-01"

// Metric names emitted per costed record.
const (
	MetricTaskCost         = "QuantumTaskCost"
	MetricAggregateAllTime = "AggregatedQuantumTaskCostAllTime"
	MetricAggregateMonth   = "AggregatedQuantumTaskCostMonth"
)

// Dimension names for metric data.
const (
	DimensionUser   = "User Identity"
	DimensionDevice = "Device"
)

// BinStore applies one costed record to a set of bins.
type BinStore interface {
	// AddCosted atomically claims taskID and adds cost to every bin,
	// recording executionTime as each bin's last-update marker. It returns
	// the new totals keyed by bin. applied is false when the task was
	// already aggregated; in that case no bin changed.
	AddCosted(ctx context.Context, taskID string, bins []string, cost money.Amount, executionTime time.Time) (totals map[string]money.Amount, applied bool, err error)
}

// Datum is one point-in-time metric value.
type Datum struct {
	Name       string
	Timestamp  time.Time
	Value      float64
	Dimensions map[string]string
}

// MetricEmitter publishes metric data for alarming and dashboards.
type MetricEmitter interface {
	Emit(ctx context.Context, data []Datum) error
}

// Meter is the cost aggregator.
type Meter struct {
	bins    BinStore
	emitter MetricEmitter
}

// NewMeter builds a Meter.
func NewMeter(bins BinStore, emitter MetricEmitter) *Meter {
	return &Meter{bins: bins, emitter: emitter}
}

// Bins returns the four bin identifiers a record projects onto, in the
// order all-time, month, month+user, month+device.
func Bins(executionTime time.Time, userIdentity, deviceID string) []string {
	month := executionTime.UTC().Format(monthLayout)
	return []string{
		AllTimeBin,
		month,
		month + "_" + userIdentity,
		month + "_" + deviceID,
	}
}

// OnCostedRecord folds one costed record into the bins and emits the
// per-task and aggregate metrics. Safe under redelivery: the bin store's
// claim makes the whole aggregation exactly-once per task.
func (m *Meter) OnCostedRecord(ctx context.Context, rec event.CostedRecord) error {
	bins := Bins(rec.ExecutionTime, rec.UserIdentity, rec.DeviceID)

	totals, applied, err := m.bins.AddCosted(ctx, rec.TaskID, bins, rec.Cost, rec.ExecutionTime)
	if err != nil {
		return fmt.Errorf("aggregate cost for %s: %w", rec.TaskID, err)
	}
	if !applied {
		log.Debug().Str("task", rec.TaskID).Msg("meter: record already aggregated")
		return nil
	}

	log.Info().Str("task", rec.TaskID).Stringer("cost", rec.Cost).
		Str("all_time", totals[bins[0]].String()).
		Str("month", totals[bins[1]].String()).
		Msg("meter: aggregated cost")

	data := metricData(rec, bins, totals)
	if err := m.emitter.Emit(ctx, data); err != nil {
		return fmt.Errorf("emit cost metrics for %s: %w", rec.TaskID, err)
	}
	return nil
}

// metricData builds the six datapoints published per costed record: the raw
// task cost (dimensioned and undimensioned) and the freshly updated
// aggregates (all-time, month, month by user, month by device).
func metricData(rec event.CostedRecord, bins []string, totals map[string]money.Amount) []Datum {
	ts := rec.ExecutionTime
	allTime, month, monthUser, monthDevice := bins[0], bins[1], bins[2], bins[3]
	return []Datum{
		{
			Name: MetricTaskCost, Timestamp: ts, Value: rec.Cost.USD(),
			Dimensions: map[string]string{DimensionUser: rec.UserIdentity, DimensionDevice: rec.DeviceID},
		},
		{Name: MetricTaskCost, Timestamp: ts, Value: rec.Cost.USD()},
		{Name: MetricAggregateAllTime, Timestamp: ts, Value: totals[allTime].USD()},
		{Name: MetricAggregateMonth, Timestamp: ts, Value: totals[month].USD()},
		{
			Name: MetricAggregateMonth, Timestamp: ts, Value: totals[monthUser].USD(),
			Dimensions: map[string]string{DimensionUser: rec.UserIdentity},
		},
		{
			Name: MetricAggregateMonth, Timestamp: ts, Value: totals[monthDevice].USD(),
			Dimensions: map[string]string{DimensionDevice: rec.DeviceID},
		},
	}
}

package aggregator

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogEmitter writes metric data to the structured log instead of a metrics
// backend. Used for local development and as a fallback when no emitter is
// configured; threshold alarming needs a real backend.
type LogEmitter struct{}

// Emit logs each datum at info level.
func (LogEmitter) Emit(_ context.Context, data []Datum) error {
	for _, d := range data {
		ev := log.Info().Str("metric", d.Name).Float64("value", d.Value).
			Time("timestamp", d.Timestamp)
		for k, v := range d.Dimensions {
			ev = ev.Str(k, v)
		}
		ev.Msg("meter: metric")
	}
	return nil
}

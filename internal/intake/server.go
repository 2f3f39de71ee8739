// Package intake is the delivery surface for router events.
//
// DESIGN: The event router POSTs one notification per request. Each request
// is an independent invocation with no shared in-process state: it either
// completes (202) or fails wholesale (5xx) so the router's retry policy
// redelivers it. All durable state lives behind the ledger and bin stores,
// whose conditional writes make redelivery safe.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qubitcloud/cost-guard/internal/aggregator"
	"github.com/qubitcloud/cost-guard/internal/enforcement"
	"github.com/qubitcloud/cost-guard/internal/event"
	"github.com/qubitcloud/cost-guard/internal/ledger"
)

// maxEventBytes bounds a single delivery body.
const maxEventBytes = 256 * 1024

// SpendReporter renders the operator-facing spend widget.
type SpendReporter interface {
	Render(ctx context.Context, today time.Time) (string, error)
}

// Server dispatches deliveries to the pipeline components.
type Server struct {
	ledger     *ledger.Logger
	meter      *aggregator.Meter
	controller *enforcement.Controller
	spend      SpendReporter
}

// NewServer builds a Server over the three handlers.
func NewServer(l *ledger.Logger, m *aggregator.Meter, c *enforcement.Controller) *Server {
	return &Server{ledger: l, meter: m, controller: c}
}

// WithSpendReport enables the /report endpoint.
func (s *Server) WithSpendReport(r SpendReporter) *Server {
	s.spend = r
	return s
}

// Routes returns the intake mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/changes", s.handleChanges)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// handleEvents consumes lifecycle and alarm envelopes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	deliveryID := uuid.NewString()

	ev, err := event.Decode(body)
	var unhandled *event.ErrUnhandledEnvelope
	if errors.As(err, &unhandled) {
		// Router fan-out can include envelopes this pipeline never consumes;
		// acknowledge so they are not redelivered forever.
		log.Debug().Str("delivery", deliveryID).Str("detail_type", unhandled.DetailType).
			Msg("intake: acknowledging unhandled envelope")
		s.accepted(w)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("intake: undecodable envelope")
		s.writeError(w, "undecodable envelope", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch e := ev.(type) {
	case event.TaskCreated:
		err = s.ledger.HandleTaskCreated(ctx, e)
	case event.TaskStateChanged:
		err = s.ledger.HandleTaskStateChanged(ctx, e)
	case event.AlarmTransition:
		err = s.controller.OnAlarmTransition(ctx, e)
	default:
		// event.Decode only returns the three envelope-borne shapes.
		s.writeError(w, "unexpected event shape", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("delivery", deliveryID).Msg("intake: event processing failed")
		s.writeError(w, "event processing failed", http.StatusInternalServerError)
		return
	}
	s.accepted(w)
}

// handleChanges consumes the ledger change feed: records that just gained
// a cost.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	deliveryID := uuid.NewString()

	rec, err := event.DecodeCostedRecord(body)
	if err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("intake: undecodable change record")
		s.writeError(w, "undecodable change record", http.StatusBadRequest)
		return
	}

	if err := s.meter.OnCostedRecord(r.Context(), rec); err != nil {
		log.Error().Err(err).Str("delivery", deliveryID).Str("task", rec.TaskID).
			Msg("intake: aggregation failed")
		s.writeError(w, "aggregation failed", http.StatusInternalServerError)
		return
	}
	s.accepted(w)
}

// handleReport serves the month-to-date spend widget.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.spend == nil {
		s.writeError(w, "spend report not configured", http.StatusServiceUnavailable)
		return
	}
	html, err := s.spend.Render(r.Context(), time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("intake: spend report failed")
		s.writeError(w, "spend report failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// handleHealth reports intake health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Server) accepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "intake_error"},
	})
}

package transport

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"servicebus/internal/domain"
)

// StatusResponse is the JSON body returned by GET /status on the websocket
// endpoint.
type StatusResponse struct {
	UptimeSeconds int64    `json:"uptime_seconds"`
	Channels      []string `json:"channels"`
	Services      []string `json:"services"`
	Connections   int      `json:"connections"`
	RequestsTotal int64    `json:"requests_total"`
	ErrorsTotal   int64    `json:"errors_total"`
	EventsTotal   int64    `json:"events_total"`
	// MutationSinks counts handlers that observe committed state mutations.
	MutationSinks int `json:"mutation_sinks"`
}

// Metrics counts server traffic for the status endpoint.
type Metrics struct {
	Requests atomic.Int64
	Errors   atomic.Int64
	Events   atomic.Int64
}

// Status returns a snapshot of the server's counters.
func (s *Server) Status() StatusResponse {
	channels := make([]string, len(s.channels))
	for i, ch := range s.channels {
		channels[i] = ch.Name()
	}
	var uptime int64
	if started := s.started.Load(); started != nil {
		uptime = int64(time.Since(*started).Seconds())
	}
	return StatusResponse{
		UptimeSeconds: uptime,
		Channels:      channels,
		Services:      s.reg.Services(),
		Connections:   s.Connections(),
		RequestsTotal: s.metrics.Requests.Load(),
		ErrorsTotal:   s.metrics.Errors.Load(),
		EventsTotal:   s.metrics.Events.Load(),
		MutationSinks: s.bus.Subscribers(domain.EventMutation),
	}
}

// statusHandler returns an HTTP handler for GET /status.
func statusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.logger.Warn("status encode failed", "error", err)
		}
	}
}

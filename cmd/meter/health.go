package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/usage-meter/internal/alerts"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type sweepStatus struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string       `json:"status"`
	Service    string       `json:"service"`
	AlertSweep *sweepStatus `json:"alert_sweep,omitempty"`
}

// healthHandler reports store and Redis reachability. A failed alert sweep is
// reported but does not fail the check. rdb and sweeper may be nil.
func healthHandler(store pinger, rdb *redis.Client, sweeper *alerts.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Service: telemetry.ServiceName}
		code := http.StatusOK
		if err := store.Ping(r.Context()); err != nil {
			resp.Status, code = "store unavailable", http.StatusServiceUnavailable
		} else if rdb != nil && rdb.Ping(r.Context()).Err() != nil {
			resp.Status, code = "redis unavailable", http.StatusServiceUnavailable
		}

		if sweeper != nil {
			last := sweeper.Status()
			resp.AlertSweep = &sweepStatus{Status: string(last.Status), StartedAt: last.StartedAt}
			if last.Err != nil {
				resp.AlertSweep.Error = last.Err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

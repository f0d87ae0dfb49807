package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/usage-meter/internal/alerts"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/worker"
)

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func getHealth(t *testing.T, h http.HandlerFunc) (int, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/healthz", nil))
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHealth_StoreDown(t *testing.T) {
	code, resp := getHealth(t, healthHandler(downStore{}, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "store unavailable", resp.Status)
	assert.Nil(t, resp.AlertSweep)
}

func TestHealth_ReportsAlertSweep(t *testing.T) {
	store := billing.NewMemoryStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	sweeper := alerts.NewSweeper(store, limits.NewEvaluator(store, limits.WithTracer(tracer)), alerts.WithTracer(tracer))
	h := healthHandler(store, nil, sweeper)

	code, resp := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.AlertSweep)
	assert.Equal(t, string(worker.JobStatusPending), resp.AlertSweep.Status)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sweeper.Start(ctx)
	require.Eventually(t, func() bool {
		return sweeper.Status().Status == worker.JobStatusDone
	}, time.Second, 5*time.Millisecond)

	_, resp = getHealth(t, h)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, string(worker.JobStatusDone), resp.AlertSweep.Status)
	assert.Empty(t, resp.AlertSweep.Error)
}

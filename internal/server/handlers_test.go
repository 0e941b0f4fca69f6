package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/domain"
)

// stubEngine returns canned reports and snapshots.
type stubEngine struct {
	report  domain.TickReport
	tickErr error
	status  domain.SchedulerStatus
	ticks   int
	forced  int
}

func (s *stubEngine) Tick(now time.Time) (domain.TickReport, error) {
	s.ticks++
	return s.report, s.tickErr
}

func (s *stubEngine) ForceRebalance(now time.Time) (domain.TickReport, error) {
	s.forced++
	return s.report, s.tickErr
}

func (s *stubEngine) Status(now time.Time) domain.SchedulerStatus {
	return s.status
}

func newTestServer(engine Engine) *Server {
	return New(Config{
		Port:   0,
		Log:    zerolog.Nop(),
		Engine: engine,
		NowFn:  func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})
}

func TestStatusEndpoint(t *testing.T) {
	engine := &stubEngine{
		status: domain.SchedulerStatus{
			Active:     true,
			ScheduleID: "sched-1",
			CreatedAt:  time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
			Season:     domain.SeasonRiskOff,
			Orders: []domain.OrderProgress{
				{Asset: domain.BTC, Side: domain.Sell, TotalKRW: 2_800_000, ExecutedSlices: 3, SliceCount: 12, RemainingKRW: 2_100_000, Status: domain.OrderExecuting},
			},
			RemainingKRW: 2_100_000,
			ETA:          time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		},
	}
	srv := newTestServer(engine)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["active"])
	assert.Equal(t, "sched-1", resp["schedule_id"])

	orders := resp["orders"].([]interface{})
	require.Len(t, orders, 1)
	first := orders[0].(map[string]interface{})
	assert.Equal(t, "3/12", first["progress"])
	assert.Equal(t, "BTC", first["asset"])
}

func TestTickEndpoint(t *testing.T) {
	engine := &stubEngine{
		report: domain.TickReport{Season: domain.SeasonRiskOn, Action: domain.TickAdvanced},
	}
	srv := newTestServer(engine)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, engine.ticks)

	var report domain.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, domain.TickAdvanced, report.Action)
}

func TestTickEndpointAbortedTick(t *testing.T) {
	engine := &stubEngine{
		report:  domain.TickReport{Err: "price unavailable"},
		tickErr: domain.ErrPriceUnavailable,
	}
	srv := newTestServer(engine)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestForceRebalanceEndpoint(t *testing.T) {
	engine := &stubEngine{
		report: domain.TickReport{Action: domain.TickReplaced},
	}
	srv := newTestServer(engine)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rebalance/force", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, engine.forced)
	assert.Equal(t, 0, engine.ticks)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubEngine{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

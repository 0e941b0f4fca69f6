package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jbb100/kairos/internal/database"
	"github.com/jbb100/kairos/internal/domain"
)

type handlers struct {
	engine Engine
	db     *database.DB
	nowFn  func() time.Time
	log    zerolog.Logger
}

func newHandlers(engine Engine, db *database.DB, nowFn func() time.Time, log zerolog.Logger) *handlers {
	return &handlers{engine: engine, db: db, nowFn: nowFn, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthResponse is the system health payload.
type healthResponse struct {
	Status        string  `json:"status"`
	Database      string  `json:"database"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
	Goroutines    int     `json:"goroutines"`
	Timestamp     string  `json:"timestamp"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Database:   "ok",
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  h.nowFn().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if h.db != nil {
		if err := h.db.QuickCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			resp.ProcessRSSMB = float64(info.RSS) / 1024 / 1024
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statusResponse is the scheduler snapshot payload.
type statusResponse struct {
	Active       bool            `json:"active"`
	ScheduleID   string          `json:"schedule_id,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	Season       string          `json:"season,omitempty"`
	RemainingKRW int64           `json:"remaining_krw"`
	ETA          string          `json:"eta,omitempty"`
	Orders       []orderProgress `json:"orders,omitempty"`
}

type orderProgress struct {
	Asset     string `json:"asset"`
	Side      string `json:"side"`
	Progress  string `json:"progress"` // executed/total
	TotalKRW  int64  `json:"total_krw"`
	Remaining int64  `json:"remaining_krw"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Status(h.nowFn())

	resp := statusResponse{
		Active:       snap.Active,
		RemainingKRW: snap.RemainingKRW,
	}
	if snap.Active {
		resp.ScheduleID = snap.ScheduleID
		resp.CreatedAt = snap.CreatedAt.UTC().Format(time.RFC3339)
		resp.Season = string(snap.Season)
		if !snap.ETA.IsZero() {
			resp.ETA = snap.ETA.UTC().Format(time.RFC3339)
		}
		for _, o := range snap.Orders {
			resp.Orders = append(resp.Orders, orderProgress{
				Asset:     string(o.Asset),
				Side:      string(o.Side),
				Progress:  progressString(o),
				TotalKRW:  o.TotalKRW,
				Remaining: o.RemainingKRW,
				Status:    string(o.Status),
				LastError: o.LastError,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Tick(h.nowFn())
	h.writeTickReport(w, report, err)
}

func (h *handlers) forceRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ForceRebalance(h.nowFn())
	h.writeTickReport(w, report, err)
}

func (h *handlers) writeTickReport(w http.ResponseWriter, report domain.TickReport, err error) {
	status := http.StatusOK
	if err != nil {
		if domain.IsSchedulerFatal(err) {
			status = http.StatusInternalServerError
		} else {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, report)
}

func progressString(o domain.OrderProgress) string {
	return fmt.Sprintf("%d/%d", o.ExecutedSlices, o.SliceCount)
}

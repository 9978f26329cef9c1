package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/beacon/internal/config"
	"github.com/aristath/beacon/internal/database"
	"github.com/aristath/beacon/internal/domain"
)

const defaultListLimit = 50

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns recent job runs.
// GET /api/runs?job=sync_market_data&limit=20
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Runs.ListRecent(r.URL.Query().Get("job"), queryLimit(r))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []domain.JobRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleListAlerts returns recent alerts.
// GET /api/alerts?entity=BTC&limit=20
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.cfg.Alerts.ListRecent(r.URL.Query().Get("entity"), queryLimit(r))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list alerts")
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// handleListWatermarks returns every (job, source) watermark.
// GET /api/watermarks
func (s *Server) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	marks, err := s.cfg.Watermarks.All()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list watermarks")
		s.writeError(w, http.StatusInternalServerError, "failed to list watermarks")
		return
	}
	if marks == nil {
		marks = []domain.Watermark{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watermarks": marks})
}

// handleListBuckets returns recent aggregate buckets for one entity.
// GET /api/buckets/BTC?granularity=hourly&limit=24
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	g := domain.Granularity(r.URL.Query().Get("granularity"))
	if g == "" {
		g = domain.GranularityHourly
	}
	if g != domain.GranularityHourly && g != domain.GranularityDaily {
		s.writeError(w, http.StatusBadRequest, "granularity must be hourly or daily")
		return
	}

	buckets, err := s.cfg.Buckets.ListRecent(entity, g, queryLimit(r))
	if err != nil {
		s.log.Error().Err(err).Str("entity", entity).Msg("Failed to list buckets")
		s.writeError(w, http.StatusInternalServerError, "failed to list buckets")
		return
	}
	if buckets == nil {
		buckets = []domain.AggregateBucket{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity":      entity,
		"granularity": g,
		"buckets":     buckets,
	})
}

// handleTriggerJob runs a configured job immediately. Guard predicates
// and overlap protection still apply, so a trigger can legitimately
// result in a skipped run.
// POST /api/jobs/sync_market_data/run
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, ok := s.findJob(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown job "+jobID)
		return
	}

	// The run outlives the request; it carries its own deadline.
	go s.cfg.Scheduler.RunNow(context.Background(), job)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job": jobID, "status": "triggered"})
}

func (s *Server) findJob(jobID string) (config.JobConfig, bool) {
	for _, job := range s.cfg.AppConfig.Jobs {
		if job.ID == jobID {
			return job, true
		}
	}
	return config.JobConfig{}, false
}

// systemHealthResponse is the ops dashboard payload.
type systemHealthResponse struct {
	Status      string            `json:"status"`
	CPUPercent  float64           `json:"cpu_percent"`
	MemPercent  float64           `json:"mem_percent"`
	Databases   map[string]string `json:"databases"`
	OverdueJobs []string          `json:"overdue_jobs"`
	CheckedAt   time.Time         `json:"checked_at"`
}

// handleSystemHealth reports process, database, and schedule health.
// GET /api/system/health
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	resp := systemHealthResponse{
		Status:    "ok",
		Databases: make(map[string]string),
		CheckedAt: time.Now().UTC(),
	}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemPercent = vm.UsedPercent
	}

	for name, db := range s.databases() {
		if err := db.HealthCheck(r.Context()); err != nil {
			resp.Databases[name] = "unhealthy: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.Databases[name] = "ok"
		}
	}

	now := time.Now().UTC()
	for _, job := range s.cfg.AppConfig.Jobs {
		if !job.Enabled {
			continue
		}
		last, err := s.cfg.Runs.LastSucceededAt(job.ID)
		if err != nil {
			continue
		}
		// A job is overdue after missing two full intervals.
		if !last.IsZero() && now.Sub(last) > 2*job.Interval {
			resp.OverdueJobs = append(resp.OverdueJobs, job.ID)
			resp.Status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) databases() map[string]*database.DB {
	return map[string]*database.DB{
		"market": s.cfg.MarketDB,
		"ops":    s.cfg.OpsDB,
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultListLimit
}

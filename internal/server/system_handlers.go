package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports host resources and execution state
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"timestamp":        time.Now().UTC(),
		"engine_running":   s.engine.IsRunning(),
		"event_listeners":  s.bus.SubscriberCount(),
		"database_healthy": s.tuningDB.HealthCheck(r.Context()) == nil,
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"total_mb":     memStat.Total / 1024 / 1024,
			"used_mb":      memStat.Used / 1024 / 1024,
			"used_percent": memStat.UsedPercent,
		}
	}
	if diskStat, err := disk.Usage(s.cfg.DataDir); err == nil {
		status["disk"] = map[string]interface{}{
			"total_gb":     float64(diskStat.Total) / 1024 / 1024 / 1024,
			"free_gb":      float64(diskStat.Free) / 1024 / 1024 / 1024,
			"used_percent": diskStat.UsedPercent,
		}
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleDatabaseStats reports sqlite file and page statistics
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tuningDB.GetStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

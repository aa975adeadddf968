package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type systemInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemPercent    float64 `json:"mem_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := systemInfo{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// Process CPU comes back per-core; normalize to 0-100%.
		if cpuPercent, err := proc.PercentWithContext(ctx, 500*time.Millisecond); err == nil {
			if numCPU := runtime.NumCPU(); numCPU > 0 {
				info.CPUPercent = cpuPercent / float64(numCPU)
			} else {
				info.CPUPercent = cpuPercent
			}
		} else if percents, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false); err == nil && len(percents) > 0 {
			info.CPUPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			info.MemUsedBytes = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemTotalBytes = vm.Total
		if info.MemTotalBytes > 0 && info.MemUsedBytes > 0 {
			info.MemPercent = float64(info.MemUsedBytes) / float64(info.MemTotalBytes) * 100
		}
	}

	writeJSON(w, http.StatusOK, info)
}

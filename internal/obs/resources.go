// Copyright 2025 James Ross
package obs

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Resources is a point-in-time snapshot of the process's own resource
// consumption, reported in heartbeats and the /health endpoint.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int     `json:"threads"`
	OpenFDs    int     `json:"open_fds"`
}

// clockTicksPerSec is USER_HZ on every Linux platform this runs on;
// getconf CLK_TCK confirms 100 on all of them.
const clockTicksPerSec = 100.0

var cpuSampler struct {
	mu       sync.Mutex
	prevTime time.Time
	prevCPU  float64
	hasPrev  bool
}

// SampleResources reads /proc/self/status and /proc/self/stat for the
// current process's memory, thread count, open file descriptors, and
// CPU usage since the previous call. It never returns an error: this is
// called from heartbeat ticks and health checks, paths that must never
// fail just because /proc isn't readable (non-Linux dev machines,
// sandboxed containers), so every field degrades to zero silently.
func SampleResources() Resources {
	var r Resources
	r.RSSBytes, r.Threads = readStatus()
	r.OpenFDs = countOpenFDs()
	r.CPUPercent = sampleCPUPercent(readCPUSeconds())
	return r
}

func readStatus() (rssBytes uint64, threads int) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					rssBytes = kb * 1024
				}
			}
		case strings.HasPrefix(line, "Threads:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					threads = n
				}
			}
		}
	}
	return rssBytes, threads
}

// readCPUSeconds returns total process CPU time (user+system) in
// seconds, parsed from the utime/stime fields (14, 15) of
// /proc/self/stat.
func readCPUSeconds() float64 {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0
	}
	// Field 2 (comm) may contain spaces inside parens; skip past it.
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return 0
	}
	fields := strings.Fields(string(data[end+2:]))
	// After the comm field, utime is field 14 overall, i.e. index 11 here.
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0
	}
	utime, err1 := strconv.ParseFloat(fields[utimeIdx], 64)
	stime, err2 := strconv.ParseFloat(fields[stimeIdx], 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	return (utime + stime) / clockTicksPerSec
}

func sampleCPUPercent(cpuSeconds float64) float64 {
	cpuSampler.mu.Lock()
	defer cpuSampler.mu.Unlock()

	now := time.Now()
	if !cpuSampler.hasPrev {
		cpuSampler.prevTime = now
		cpuSampler.prevCPU = cpuSeconds
		cpuSampler.hasPrev = true
		return 0
	}

	elapsed := now.Sub(cpuSampler.prevTime).Seconds()
	cpuDelta := cpuSeconds - cpuSampler.prevCPU
	cpuSampler.prevTime = now
	cpuSampler.prevCPU = cpuSeconds

	if elapsed <= 0 || cpuDelta < 0 {
		return 0
	}
	return (cpuDelta / elapsed) * 100.0
}

func countOpenFDs() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return len(entries)
}

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/robfig/cron/v3"
)

const watchdogSchedule = "@every 1m"

type MemoryResponse struct {
	Plan            Plan   `json:"plan"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
	HeapIdleBytes   uint64 `json:"heap_idle_bytes"`
	NumGC           uint32 `json:"num_gc"`
	NumGoroutine    int    `json:"num_goroutine"`
	SystemTotalRAM  uint64 `json:"system_total_ram_bytes"`
	SystemFreeRAM   uint64 `json:"system_free_ram_bytes"`
	NextGCThreshold uint64 `json:"next_gc_bytes"`
}

func (s *AppState) handleMemory(w http.ResponseWriter, _ *http.Request) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	total, free := systemMemory()

	response := MemoryResponse{
		Plan:            s.Plan,
		HeapAllocBytes:  stats.HeapAlloc,
		HeapSysBytes:    stats.HeapSys,
		HeapIdleBytes:   stats.HeapIdle,
		NumGC:           stats.NumGC,
		NumGoroutine:    runtime.NumGoroutine(),
		SystemTotalRAM:  total,
		SystemFreeRAM:   free,
		NextGCThreshold: stats.NextGC,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// startMemoryWatchdog periodically logs heap usage and hands idle memory back
// to the OS when the heap grows past half of system RAM. Decoded images and
// tensors are large and short-lived, so the Go runtime otherwise sits on
// pages small containers cannot spare.
func startMemoryWatchdog() *cron.Cron {
	total, _ := systemMemory()

	c := cron.New()
	_, err := c.AddFunc(watchdogSchedule, func() {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)

		if debugMode {
			log.Printf("[DEBUG] Memory: heap=%d MiB sys=%d MiB gc=%d",
				stats.HeapAlloc>>20, stats.HeapSys>>20, stats.NumGC)
		}

		if total > 0 && stats.HeapAlloc > total/2 {
			log.Printf("Heap at %d MiB exceeds half of system RAM, releasing memory", stats.HeapAlloc>>20)
			debug.FreeOSMemory()
		}
	})
	if err != nil {
		log.Printf("Failed to schedule memory watchdog: %v", err)
		return c
	}
	c.Start()
	return c
}

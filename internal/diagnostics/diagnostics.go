// Package diagnostics captures system state when the pipeline hits abnormal conditions
package diagnostics

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/easmon/easmon-go/internal/conf"
)

// Capturing a snapshot samples CPU for a second; keep concurrent triggers from piling up.
var (
	captureMu       sync.Mutex
	lastCaptureTime time.Time
)

const minCaptureInterval = 1 * time.Minute

// CaptureSystemInfo captures system information, writes it to a debug file, and returns it as a string.
// Calls within minCaptureInterval of the previous capture are dropped.
func CaptureSystemInfo(errorMessage string) string {
	captureMu.Lock()
	if time.Since(lastCaptureTime) < minCaptureInterval {
		captureMu.Unlock()
		return ""
	}
	lastCaptureTime = time.Now()
	captureMu.Unlock()

	var info strings.Builder

	separator := "======== DEBUG INFO START ========"
	info.WriteString(fmt.Sprintf("%s\n", separator))
	info.WriteString(fmt.Sprintf("Error Occurred: %s\n", errorMessage))

	// CPU Utilization
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err == nil && len(cpuPercent) > 0 {
		info.WriteString(fmt.Sprintf("CPU Utilization: %.2f%%\n", cpuPercent[0]))
	}

	// RAM Usage
	vmStat, err := mem.VirtualMemory()
	if err == nil {
		info.WriteString(fmt.Sprintf("RAM Usage: %.2f%%\n", vmStat.UsedPercent))
	}

	// Swap Usage
	swapStat, err := mem.SwapMemory()
	if err == nil {
		info.WriteString(fmt.Sprintf("Swap Usage: %.2f%%\n", swapStat.UsedPercent))
	}

	// Go runtime statistics
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info.WriteString(fmt.Sprintf("Go Runtime: Alloc = %v MiB, TotalAlloc = %v MiB, Sys = %v MiB, NumGC = %v, Goroutines = %d\n",
		bToMb(m.Alloc), bToMb(m.TotalAlloc), bToMb(m.Sys), m.NumGC, runtime.NumGoroutine()))

	info.WriteString(fmt.Sprintf("%s\n", strings.ReplaceAll(separator, "START", "END")))

	// Write the debug info next to the config file so support bundles pick it up
	configPath, err := conf.FindConfigFile()
	if err != nil {
		log.Printf("Error finding config file: %v", err)
	} else {
		now := time.Now()
		debugFileName := fmt.Sprintf("debug_%s.txt", now.Format("2006-01-02_15-04-05"))
		debugFilePath := filepath.Join(filepath.Dir(configPath), debugFileName)

		if err := os.WriteFile(debugFilePath, []byte(info.String()), 0o644); err != nil {
			log.Printf("Error writing debug file: %v", err)
		} else {
			log.Printf("Abnormal event detected. Debug information written to: %s", debugFilePath)
		}
	}

	return info.String()
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

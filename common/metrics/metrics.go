// Package metrics captures host facts reported in health payloads and
// startup diagnostics.
package metrics

import "sync"

// SystemInfo describes the host the engine runs on
type SystemInfo struct {
	OS               string `json:"os"`                          // OS type (linux, darwin, windows)
	OSVersion        string `json:"os_version"`                  // OS version/release
	Arch             string `json:"arch"`                        // Architecture (amd64, arm64, etc.)
	Hostname         string `json:"hostname"`                    // Machine hostname
	CPUCores         int    `json:"cpu_cores"`                   // Physical CPU cores
	CPULogical       int    `json:"cpu_logical"`                 // Logical CPUs (with hyperthreading)
	TotalMemoryMB    uint64 `json:"total_memory_mb"`             // Total system RAM in MB
	GoVersion        string `json:"go_version"`                  // Go runtime version
	InContainer      bool   `json:"in_container"`                // Running in container (Docker/K8s)
	ContainerRuntime string `json:"container_runtime,omitempty"` // docker, containerd, etc.
}

var (
	systemInfo     *SystemInfo
	systemInfoOnce sync.Once
)

// GetSystemInfo returns cached system information (captured once; capture
// shells out for OS details)
func GetSystemInfo() *SystemInfo {
	systemInfoOnce.Do(func() {
		systemInfo = captureSystemInfo()
	})
	return systemInfo
}

package util

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Platform represents the current operating system.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformUnknown Platform = "unknown"
)

// GetPlatform returns the current platform.
func GetPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	default:
		return PlatformUnknown
	}
}

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Platform     Platform `json:"platform"`
	Hostname     string   `json:"hostname"`
	OS           string   `json:"os"`
	Architecture string   `json:"architecture"`
	CPUModel     string   `json:"cpu_model"`
	CPUCores     int      `json:"cpu_cores"`
	TotalMemory  uint64   `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform:     GetPlatform(),
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// discordProcessNames are the desktop client builds that open an IPC
// endpoint, lowercased and without extension.
var discordProcessNames = map[string]bool{
	"discord":            true,
	"discordptb":         true,
	"discordcanary":      true,
	"discorddevelopment": true,
}

// IsDiscordProcessName reports whether a process name belongs to a Discord
// desktop client build.
func IsDiscordProcessName(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(strings.ToLower(name), ".exe"))
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, " ", "")
	return discordProcessNames[name]
}

// DiscordProcess is a running desktop client process.
type DiscordProcess struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// FindDiscordProcesses lists running desktop client processes.
func FindDiscordProcesses() ([]DiscordProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var found []DiscordProcess
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if IsDiscordProcessName(name) {
			found = append(found, DiscordProcess{PID: p.Pid, Name: name})
		}
	}
	return found, nil
}

// NoEndpointHint explains a failed endpoint discovery in terms of whether
// the desktop client is running at all.
func NoEndpointHint() string {
	procs, err := FindDiscordProcesses()
	if err != nil {
		return "could not check for a running Discord client"
	}
	if len(procs) == 0 {
		return "Discord does not appear to be running"
	}
	return fmt.Sprintf("%s (pid %d) is running but no IPC endpoint was found; check %s",
		procs[0].Name, procs[0].PID, endpointDirHint())
}

func endpointDirHint() string {
	if runtime.GOOS == "windows" {
		return `\\?\pipe\discord-ipc-N`
	}
	return "XDG_RUNTIME_DIR or TMPDIR for discord-ipc-N"
}

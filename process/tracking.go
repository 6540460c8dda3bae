package process

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultProcRoot is where procfs is normally mounted.
const DefaultProcRoot = "/proc"

// Cache container ID regex
var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

// CollectProcMetadata gathers information about a process from procRoot.
// It returns false if the process no longer exists.
func CollectProcMetadata(procRoot string, pid uint32, info *Info) bool {
	procDir := filepath.Join(procRoot, fmt.Sprintf("%d", pid))

	// Check if process still exists
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return false
	}

	info.PID = pid

	if comm, err := os.ReadFile(filepath.Join(procDir, "comm")); err == nil {
		info.Comm = strings.TrimSpace(string(comm))
	}

	// Kernel threads have no exe link
	if exePath, err := os.Readlink(filepath.Join(procDir, "exe")); err == nil {
		info.ExePath = exePath
	}

	// Get command line with proper null-byte handling
	if cmdlineBytes, err := os.ReadFile(filepath.Join(procDir, "cmdline")); err == nil && len(cmdlineBytes) > 0 {
		args := bytes.Split(cmdlineBytes, []byte{0})
		var cmdArgs []string
		for _, arg := range args {
			if len(arg) > 0 {
				cmdArgs = append(cmdArgs, string(arg))
			}
		}
		if len(cmdArgs) > 0 {
			info.CmdLine = strings.Join(cmdArgs, " ")
		}
	}

	if cgroupData, err := os.ReadFile(filepath.Join(procDir, "cgroup")); err == nil {
		info.ContainerID = containerIDFromCgroup(string(cgroupData))
	}

	return true
}

func containerIDFromCgroup(cgroupData string) string {
	for _, line := range strings.Split(cgroupData, "\n") {
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := strings.TrimSuffix(strings.TrimPrefix(parts[i], "docker-"), ".scope")
			if containerIDRegex.MatchString(part) {
				return part
			}
		}
	}
	return ""
}

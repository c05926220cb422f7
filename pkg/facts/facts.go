// Package facts gathers operating system information from hosts.
package facts

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/eugenetaranov/hostops/internal/connector"
)

// OS describes the operating system of a host.
type OS struct {
	// System is the kernel name, e.g. "Linux" or "Darwin".
	System string `yaml:"system" json:"system"`

	// Family groups distributions, e.g. "Debian" or "RedHat". Falls back to System.
	Family string `yaml:"family" json:"family"`

	Version             string `yaml:"version,omitempty" json:"version,omitempty"`
	Distribution        string `yaml:"distribution,omitempty" json:"distribution,omitempty"`
	DistributionVersion string `yaml:"distribution_version,omitempty" json:"distribution_version,omitempty"`
	Name                string `yaml:"name,omitempty" json:"name,omitempty"`
	Kernel              string `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Arch                string `yaml:"arch,omitempty" json:"arch,omitempty"`
	Hostname            string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

// Local returns facts about the machine running this process. It never
// fails; fields that cannot be determined fall back to the Go runtime.
func Local(ctx context.Context) OS {
	os := OS{
		System: systemName(runtime.GOOS),
		Arch:   normalizeArch(runtime.GOARCH),
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		os.Family = os.System
		return os
	}

	if info.OS != "" {
		os.System = systemName(info.OS)
	}
	os.Hostname = info.Hostname
	os.Distribution = info.Platform
	os.DistributionVersion = info.PlatformVersion
	os.Kernel = info.KernelVersion
	if info.KernelArch != "" {
		os.Arch = normalizeArch(info.KernelArch)
	}

	os.Version = info.PlatformVersion
	if os.Version == "" {
		os.Version = info.KernelVersion
	}
	os.Family = familyFor(os.Distribution, os.System)

	return os
}

// Gather collects facts from a connected target by running shell commands.
func Gather(ctx context.Context, conn connector.Connector) (OS, error) {
	var os OS

	result, err := conn.Execute(ctx, "uname -s", nil)
	if err != nil {
		return os, err
	}
	os.System = firstLine(result)
	os.Family = os.System

	switch os.System {
	case "Darwin":
		if result, err := conn.Execute(ctx, "sw_vers -productVersion", nil); err == nil {
			os.Version = firstLine(result)
			os.DistributionVersion = os.Version
		}
		if result, err := conn.Execute(ctx, "sw_vers -productName", nil); err == nil {
			os.Name = firstLine(result)
		}
		os.Distribution = "macos"

	case "Linux":
		// Try to get distribution info from /etc/os-release
		if result, err := conn.Execute(ctx, "cat /etc/os-release 2>/dev/null", nil); err == nil && result.ExitCode == 0 {
			osRelease := parseOSRelease(result.Stdout)
			os.Distribution = osRelease["ID"]
			os.DistributionVersion = osRelease["VERSION_ID"]
			os.Name = osRelease["PRETTY_NAME"]
			os.Version = os.DistributionVersion
		}
		os.Family = familyFor(os.Distribution, os.System)
	}

	if result, err := conn.Execute(ctx, "uname -m", nil); err == nil {
		os.Arch = normalizeArch(firstLine(result))
	}

	if result, err := conn.Execute(ctx, "uname -r", nil); err == nil {
		os.Kernel = firstLine(result)
		if os.Version == "" {
			os.Version = os.Kernel
		}
	}

	if result, err := conn.Execute(ctx, "hostname", nil); err == nil {
		os.Hostname = firstLine(result)
	}

	return os, nil
}

func familyFor(distribution, system string) string {
	switch strings.ToLower(distribution) {
	case "ubuntu", "debian", "linuxmint", "pop", "raspbian":
		return "Debian"
	case "fedora", "rhel", "redhat", "centos", "rocky", "almalinux", "amazon", "oracle":
		return "RedHat"
	case "arch", "manjaro":
		return "Arch"
	case "alpine":
		return "Alpine"
	case "opensuse", "opensuse-leap", "sles", "suse":
		return "Suse"
	case "darwin", "macos":
		return "Darwin"
	}
	return system
}

func systemName(goos string) string {
	switch strings.ToLower(goos) {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	}
	return goos
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(lines []string) map[string]string {
	result := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}

func firstLine(r *connector.Result) string {
	if r == nil || len(r.Stdout) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Stdout[0])
}

// Package config handles configuration loading and validation for the
// privacy witness kernel daemon.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/pwk/
//   - Linux:   ~/.local/share/pwk/ (or $XDG_DATA_HOME/pwk)
//   - Windows: %APPDATA%\pwk\
//
// Falls back to ~/.pwk if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for
// sockets/pipes (used by the sandbox's self-reexec child IPC).
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		return linuxRuntimeDir()
	case "windows":
		return ""
	default:
		return filepath.Join("/tmp", "pwk-"+getUserID())
	}
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "pwk")
}

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pwk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "pwk")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pwk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pwk")
}

func linuxRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "pwk")
	}
	return filepath.Join("/tmp", "pwk-"+getUserID())
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "pwk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "pwk")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pwk")
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return string(rune(uid))
	}
	return "0"
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml"}
}

// FindConfigFile searches for a config file in standard locations:
// the current directory, then the platform config directory.
func FindConfigFile() string {
	searchDirs := []string{".", PlatformConfigDir()}

	for _, dir := range searchDirs {
		path := filepath.Join(dir, "config.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
